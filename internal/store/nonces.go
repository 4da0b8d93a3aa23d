package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetNonce returns the highest nonce recorded for the identity. Identities
// are stored lower-cased so lookups are case-insensitive.
func (s *Store) GetNonce(ctx context.Context, identity string) (uint64, bool, error) {
	var nonce int64
	err := s.db.QueryRowContext(ctx,
		`SELECT nonce FROM nonces WHERE provider = lower($1)`, identity).Scan(&nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query nonce: %w", err)
	}
	return uint64(nonce), true, nil
}

// SetNonce records the identity's new high-water nonce.
func (s *Store) SetNonce(ctx context.Context, identity string, nonce uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nonces (provider, nonce) VALUES (lower($1), $2)
		ON CONFLICT (provider) DO UPDATE SET nonce = EXCLUDED.nonce`,
		identity, int64(nonce))
	if err != nil {
		return fmt.Errorf("upsert nonce: %w", err)
	}
	return nil
}
