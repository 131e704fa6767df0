package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when no cached key exists for an agent.
var ErrKeyNotFound = errors.New("store: key not found")

// CachedKey is a peer public key with its fetch time. Staleness is the
// caller's call: the cache stores, the key resolver decides TTL.
type CachedKey struct {
	AgentID   string
	PublicKey string
	Endpoint  string
	FetchedAt time.Time
}

// SaveKey upserts a peer key, refreshing the fetch time.
func (s *Store) SaveKey(ctx context.Context, k CachedKey) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO public_keys (agent_id, public_key, endpoint, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
		public_key = excluded.public_key, endpoint = excluded.endpoint,
		fetched_at = excluded.fetched_at`,
		k.AgentID, k.PublicKey, k.Endpoint, toDB(k.FetchedAt))
	return err
}

// GetKey retrieves a cached peer key.
func (s *Store) GetKey(ctx context.Context, agentID string) (*CachedKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, public_key, endpoint, fetched_at
		FROM public_keys WHERE agent_id = ?`, agentID)

	var k CachedKey
	var fetched string
	err := row.Scan(&k.AgentID, &k.PublicKey, &k.Endpoint, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	k.FetchedAt = fromDB(fetched)
	return &k, nil
}

// DeleteKey drops a cached key, forcing a refetch on next resolve. Used
// after a signature failure in case the peer rotated keys.
func (s *Store) DeleteKey(ctx context.Context, agentID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM public_keys WHERE agent_id = ?`, agentID)
	return err
}

// PruneKeys removes cache entries fetched before the cutoff and reports
// how many were dropped.
func (s *Store) PruneKeys(ctx context.Context, cutoff time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM public_keys WHERE fetched_at < ?`, toDB(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListKeys returns the whole key cache, oldest fetch first.
func (s *Store) ListKeys(ctx context.Context) ([]CachedKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, public_key, endpoint, fetched_at
		FROM public_keys ORDER BY fetched_at, agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CachedKey
	for rows.Next() {
		var k CachedKey
		var fetched string
		if err := rows.Scan(&k.AgentID, &k.PublicKey, &k.Endpoint, &fetched); err != nil {
			return nil, err
		}
		k.FetchedAt = fromDB(fetched)
		out = append(out, k)
	}
	return out, rows.Err()
}
