// Package testutil provides signing helpers for tests exercising the broker's
// authenticated request paths.
package testutil

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"computebroker/internal/auth"
)

// SigningIdentity is a throwaway key pair for signed-request tests.
type SigningIdentity struct {
	key     *ecdsa.PrivateKey
	Address string
}

// NewSigningIdentity generates a fresh key pair.
func NewSigningIdentity(tb testing.TB) *SigningIdentity {
	tb.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		tb.Fatalf("Failed to generate key: %v", err)
	}
	return &SigningIdentity{
		key:     key,
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

// Sign produces a hex signature over message in the scheme the broker
// verifies.
func (s *SigningIdentity) Sign(tb testing.TB, message string) string {
	tb.Helper()
	sig, err := crypto.Sign(auth.SignableHash(message), s.key)
	if err != nil {
		tb.Fatalf("Failed to sign message: %v", err)
	}
	return hexutil.Encode(sig)
}

// SignLegacy signs like Sign but emits the 27/28 recovery byte convention.
func (s *SigningIdentity) SignLegacy(tb testing.TB, message string) string {
	tb.Helper()
	sig, err := crypto.Sign(auth.SignableHash(message), s.key)
	if err != nil {
		tb.Fatalf("Failed to sign message: %v", err)
	}
	out := make([]byte, len(sig))
	copy(out, sig)
	out[len(out)-1] += 27
	return hexutil.Encode(out)
}
