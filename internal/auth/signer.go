// Package auth recovers caller identities from ECDSA signatures and enforces
// strictly-increasing per-identity nonces to block request replay.
package auth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// personalSignPrefix is the convention prefix applied to the 32-byte message
// hash before recovery.
const personalSignPrefix = "\x19Ethereum Signed Message:\n32"

// signatureLength is r (32) + s (32) + recovery byte (1).
const signatureLength = 65

// NormalizeRecoveryID rewrites the trailing recovery byte from the legacy
// 27/28 convention to 0/1. Signatures already carrying 0/1 pass through
// unchanged. The input slice is not modified.
func NormalizeRecoveryID(sig []byte) []byte {
	out := make([]byte, len(sig))
	copy(out, sig)
	if len(out) != signatureLength {
		return out
	}
	switch out[signatureLength-1] {
	case 27:
		out[signatureLength-1] = 0
	case 28:
		out[signatureLength-1] = 1
	}
	return out
}

// SignableHash returns the digest a caller signs for the given message:
// Keccak256 of the message, prefixed per the personal-message convention and
// hashed again.
func SignableHash(message string) []byte {
	inner := crypto.Keccak256([]byte(message))
	return crypto.Keccak256(append([]byte(personalSignPrefix), inner...))
}

// RecoverSigner recovers the address that produced signature over message.
// The signature is a 0x-prefixed hex string of 65 bytes; both recovery byte
// conventions are accepted.
func RecoverSigner(signature, message string) (string, error) {
	raw, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("malformed signature: %w", err)
	}
	if len(raw) != signatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", signatureLength, len(raw))
	}

	pub, err := crypto.SigToPub(SignableHash(message), NormalizeRecoveryID(raw))
	if err != nil {
		return "", fmt.Errorf("signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
