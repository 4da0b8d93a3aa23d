package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// heartbeatTTL is how long an environment stays eligible after its last
// heartbeat.
const heartbeatTTL = "5 minutes"

// Environment is a compute environment known to the broker, reported by
// orchestrator heartbeats.
type Environment struct {
	Namespace string          `json:"namespace"`
	Status    json.RawMessage `json:"status"`
	LastSeen  float64         `json:"lastSeen"`
}

// environmentStatus is the subset of the heartbeat payload the broker
// interprets; the rest is passed through opaquely.
type environmentStatus struct {
	AllowedChainIDs []string `json:"allowedChainId"`
}

// ListEnvironments returns environments with a fresh heartbeat. When chainID
// is set, only environments admitting that chain are returned.
func (s *Store) ListEnvironments(ctx context.Context, chainID string) ([]Environment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, status, extract(epoch from lastping)::float8
		FROM envs
		WHERE lastping >= now() - $1::interval
		ORDER BY namespace`, heartbeatTTL)
	if err != nil {
		return nil, fmt.Errorf("query environments: %w", err)
	}
	defer rows.Close()

	var envs []Environment
	for rows.Next() {
		var e Environment
		var status []byte
		if err := rows.Scan(&e.Namespace, &status, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		e.Status = json.RawMessage(status)
		if !admitsChain(e.Status, chainID) {
			continue
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

// Eligible reports whether the named environment has a fresh heartbeat and
// admits the given chain.
func (s *Store) Eligible(ctx context.Context, environment, chainID string) (bool, error) {
	var status []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM envs
		WHERE namespace = $1 AND lastping >= now() - $2::interval`,
		environment, heartbeatTTL).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query environment: %w", err)
	}
	return admitsChain(status, chainID), nil
}

// UpsertEnvironment records an environment heartbeat, replacing the stored
// status and refreshing the last-seen timestamp.
func (s *Store) UpsertEnvironment(ctx context.Context, namespace string, status json.RawMessage) error {
	if len(status) == 0 {
		status = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO envs (namespace, status, lastping) VALUES ($1, $2, now())
		ON CONFLICT (namespace) DO UPDATE SET status = EXCLUDED.status, lastping = now()`,
		namespace, []byte(status))
	if err != nil {
		return fmt.Errorf("upsert environment: %w", err)
	}
	return nil
}

// admitsChain interprets the allowedChainId list of a heartbeat status. An
// absent or empty list admits every chain, as does an empty chainID filter.
func admitsChain(status json.RawMessage, chainID string) bool {
	if chainID == "" {
		return true
	}
	var parsed environmentStatus
	if err := json.Unmarshal(status, &parsed); err != nil {
		return false
	}
	if len(parsed.AllowedChainIDs) == 0 {
		return true
	}
	return slices.Contains(parsed.AllowedChainIDs, chainID)
}
