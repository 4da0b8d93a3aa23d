package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"computebroker/internal/apperrors"
)

// NonceLedger is the authoritative record of the highest nonce seen per
// identity. Implemented by the Postgres store and by in-memory fakes in tests.
type NonceLedger interface {
	// GetNonce returns the stored nonce for an identity, and whether one exists.
	GetNonce(ctx context.Context, identity string) (uint64, bool, error)
	// SetNonce records the nonce for an identity, last-writer-wins.
	SetNonce(ctx context.Context, identity string, nonce uint64) error
}

// Config holds authenticator policy.
type Config struct {
	// SignatureRequired enforces AllowedIdentities on every recovered identity.
	SignatureRequired bool
	// AllowedIdentities is the lower-cased allow-list consulted when
	// SignatureRequired is set.
	AllowedIdentities []string
}

// Authenticator recovers a signer identity and enforces the replay guard.
//
// The nonce check and update for a given identity form an atomic unit: a
// per-identity mutex serializes them, so two concurrent requests from the
// same identity cannot both pass with the same or a stale nonce. Requests
// from different identities never contend.
type Authenticator struct {
	ledger  NonceLedger
	allowed map[string]struct{}
	require bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an authenticator over the given ledger.
func New(ledger NonceLedger, cfg Config) *Authenticator {
	allowed := make(map[string]struct{}, len(cfg.AllowedIdentities))
	for _, id := range cfg.AllowedIdentities {
		allowed[strings.ToLower(id)] = struct{}{}
	}
	return &Authenticator{
		ledger:  ledger,
		allowed: allowed,
		require: cfg.SignatureRequired,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Authenticate recovers the signer of signature over message and advances the
// identity's nonce. The claimed nonce must be strictly greater than the
// stored one. The nonce is consumed on success even if the enclosing
// operation later fails business validation; replay protection is
// deliberately conservative.
//
// The signed bytes are the bare message. The nonce travels as a separate
// field and is never appended to the message before recovery.
func (a *Authenticator) Authenticate(ctx context.Context, signature, message string, nonce uint64) (string, error) {
	if signature == "" {
		return "", apperrors.Validation("providerSignature", "providerSignature is required")
	}
	if message == "" {
		return "", apperrors.Validation("message", "signed message is required")
	}

	identity, err := RecoverSigner(signature, message)
	if err != nil {
		return "", apperrors.Unauthorized(fmt.Sprintf("invalid signature: %v", err))
	}

	if err := a.advanceNonce(ctx, strings.ToLower(identity), nonce); err != nil {
		return "", err
	}

	if a.require {
		if _, ok := a.allowed[strings.ToLower(identity)]; !ok {
			return "", apperrors.Unauthorized(
				fmt.Sprintf("the signing account %s is not authorized to use this service", identity))
		}
	}

	return identity, nil
}

// advanceNonce performs the replay check and ledger write under the
// identity's lock. The lock covers only the get/set pair; it is never held
// across any other I/O.
func (a *Authenticator) advanceNonce(ctx context.Context, identity string, nonce uint64) error {
	lock := a.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	stored, exists, err := a.ledger.GetNonce(ctx, identity)
	if err != nil {
		return apperrors.Internal("auth.getNonce", err)
	}
	if exists && nonce <= stored {
		return apperrors.Unauthorized(
			fmt.Sprintf("invalid signature: expected nonce > %d, got %d", stored, nonce))
	}
	if err := a.ledger.SetNonce(ctx, identity, nonce); err != nil {
		return apperrors.Internal("auth.setNonce", err)
	}
	return nil
}

// identityLock returns the mutex for an identity, creating it on first use.
// Ledger entries are never deleted in normal operation, so neither are locks.
func (a *Authenticator) identityLock(identity string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	lock, ok := a.locks[identity]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[identity] = lock
	}
	return lock
}
