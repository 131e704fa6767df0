package store

import (
	"context"
	"time"
)

// Mute is a suppression entry for an agent or a swarm. Muted senders and
// swarms still pass signature checks; their messages are acknowledged and
// dropped before storage.
type Mute struct {
	ID        string
	Reason    string
	CreatedAt time.Time
}

// MuteAgent suppresses messages from an agent. Re-muting updates the reason.
func (s *Store) MuteAgent(ctx context.Context, agentID, reason string, now time.Time) error {
	return s.addMute(ctx, "muted_agents", "agent_id", agentID, reason, now)
}

// UnmuteAgent lifts an agent mute. No error when the agent was not muted.
func (s *Store) UnmuteAgent(ctx context.Context, agentID string) error {
	return s.removeMute(ctx, "muted_agents", "agent_id", agentID)
}

// IsAgentMuted reports whether an agent is muted.
func (s *Store) IsAgentMuted(ctx context.Context, agentID string) (bool, error) {
	return s.isMuted(ctx, "muted_agents", "agent_id", agentID)
}

// ListMutedAgents returns all agent mutes.
func (s *Store) ListMutedAgents(ctx context.Context) ([]Mute, error) {
	return s.listMutes(ctx, "muted_agents", "agent_id")
}

// MuteSwarm suppresses an entire swarm. Re-muting updates the reason.
func (s *Store) MuteSwarm(ctx context.Context, swarmID, reason string, now time.Time) error {
	return s.addMute(ctx, "muted_swarms", "swarm_id", swarmID, reason, now)
}

// UnmuteSwarm lifts a swarm mute. No error when the swarm was not muted.
func (s *Store) UnmuteSwarm(ctx context.Context, swarmID string) error {
	return s.removeMute(ctx, "muted_swarms", "swarm_id", swarmID)
}

// IsSwarmMuted reports whether a swarm is muted.
func (s *Store) IsSwarmMuted(ctx context.Context, swarmID string) (bool, error) {
	return s.isMuted(ctx, "muted_swarms", "swarm_id", swarmID)
}

// ListMutedSwarms returns all swarm mutes.
func (s *Store) ListMutedSwarms(ctx context.Context) ([]Mute, error) {
	return s.listMutes(ctx, "muted_swarms", "swarm_id")
}

func (s *Store) addMute(ctx context.Context, table, col, id, reason string, now time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (`+col+`, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT(`+col+`) DO UPDATE SET reason = excluded.reason`,
		id, reason, toDB(now))
	return err
}

func (s *Store) removeMute(ctx context.Context, table, col, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE `+col+` = ?`, id)
	return err
}

func (s *Store) isMuted(ctx context.Context, table, col, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE `+col+` = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *Store) listMutes(ctx context.Context, table, col string) ([]Mute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+col+`, reason, created_at FROM `+table+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mute
	for rows.Next() {
		var m Mute
		var created string
		if err := rows.Scan(&m.ID, &m.Reason, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromDB(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
