package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when no runtime session exists for a
// (swarm, peer) pair.
var ErrSessionNotFound = errors.New("store: session not found")

// SDKSession tracks the agent runtime conversation per (swarm, peer), so
// successive wakes resume the same conversation instead of starting cold.
type SDKSession struct {
	SwarmID    string
	PeerID     string
	SessionID  string
	LastActive time.Time
	State      string
}

// SaveSDKSession upserts the runtime session for a (swarm, peer) pair.
func (s *Store) SaveSDKSession(ctx context.Context, sess SDKSession) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if sess.State == "" {
		sess.State = "active"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sdk_sessions (swarm_id, peer_id, session_id, last_active, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(swarm_id, peer_id) DO UPDATE SET
		session_id = excluded.session_id, last_active = excluded.last_active,
		state = excluded.state`,
		sess.SwarmID, sess.PeerID, sess.SessionID, toDB(sess.LastActive), sess.State)
	return err
}

// GetSDKSession retrieves the runtime session for a (swarm, peer) pair.
func (s *Store) GetSDKSession(ctx context.Context, swarmID, peerID string) (*SDKSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT swarm_id, peer_id, session_id, last_active, state
		FROM sdk_sessions WHERE swarm_id = ? AND peer_id = ?`, swarmID, peerID)

	var sess SDKSession
	var lastActive string
	err := row.Scan(&sess.SwarmID, &sess.PeerID, &sess.SessionID, &lastActive, &sess.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.LastActive = fromDB(lastActive)
	return &sess, nil
}

// DeleteSDKSession drops the runtime session for a (swarm, peer) pair.
func (s *Store) DeleteSDKSession(ctx context.Context, swarmID, peerID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sdk_sessions WHERE swarm_id = ? AND peer_id = ?`, swarmID, peerID)
	return err
}

// ExpireSDKSessions drops sessions idle since before the cutoff and
// reports how many were removed.
func (s *Store) ExpireSDKSessions(ctx context.Context, cutoff time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sdk_sessions WHERE last_active < ?`, toDB(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListSDKSessions returns all runtime sessions.
func (s *Store) ListSDKSessions(ctx context.Context) ([]SDKSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT swarm_id, peer_id, session_id, last_active, state
		FROM sdk_sessions ORDER BY swarm_id, peer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SDKSession
	for rows.Next() {
		var sess SDKSession
		var lastActive string
		if err := rows.Scan(&sess.SwarmID, &sess.PeerID, &sess.SessionID,
			&lastActive, &sess.State); err != nil {
			return nil, err
		}
		sess.LastActive = fromDB(lastActive)
		out = append(out, sess)
	}
	return out, rows.Err()
}
