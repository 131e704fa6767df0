package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lookup failures map to distinct protocol error codes, so each entity
// carries its own sentinel.
var (
	ErrSwarmNotFound   = errors.New("store: swarm not found")
	ErrMemberNotFound  = errors.New("store: member not found")
	ErrPendingNotFound = errors.New("store: pending join not found")
)

// Swarm is a swarm this node belongs to. JoinedAt records when this node
// joined, which differs from CreatedAt for non-founding members.
type Swarm struct {
	SwarmID           string
	Name              string
	Master            string
	CreatedAt         time.Time
	JoinedAt          time.Time
	AllowMemberInvite bool
	RequireApproval   bool
}

// Member is one agent's membership row within a swarm.
type Member struct {
	SwarmID   string
	AgentID   string
	Endpoint  string
	PublicKey string
	JoinedAt  time.Time
}

// PendingJoin is a join request held for master approval.
type PendingJoin struct {
	SwarmID     string
	AgentID     string
	Endpoint    string
	PublicKey   string
	TokenHash   string
	RequestedAt time.Time
}

// CreateSwarm inserts a swarm together with its initially known members
// in one transaction. Fails if the swarm already exists.
func (s *Store) CreateSwarm(ctx context.Context, sw Swarm, members ...Member) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO swarms (swarm_id, name, master, created_at, joined_at,
		allow_member_invite, require_approval)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sw.SwarmID, sw.Name, sw.Master, toDB(sw.CreatedAt), toDB(sw.JoinedAt),
		sw.AllowMemberInvite, sw.RequireApproval,
	); err != nil {
		return fmt.Errorf("store: insert swarm: %w", err)
	}
	for _, m := range members {
		if err := upsertMemberTx(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSwarm retrieves a swarm by ID.
func (s *Store) GetSwarm(ctx context.Context, swarmID string) (*Swarm, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT swarm_id, name, master, created_at, joined_at,
		allow_member_invite, require_approval
		FROM swarms WHERE swarm_id = ?`, swarmID)

	var sw Swarm
	var created, joined string
	err := row.Scan(&sw.SwarmID, &sw.Name, &sw.Master, &created, &joined,
		&sw.AllowMemberInvite, &sw.RequireApproval)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwarmNotFound
	}
	if err != nil {
		return nil, err
	}
	sw.CreatedAt = fromDB(created)
	sw.JoinedAt = fromDB(joined)
	return &sw, nil
}

// ListSwarms returns all swarms ordered by when this node joined them.
func (s *Store) ListSwarms(ctx context.Context) ([]Swarm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT swarm_id, name, master, created_at, joined_at,
		allow_member_invite, require_approval
		FROM swarms ORDER BY joined_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Swarm
	for rows.Next() {
		var sw Swarm
		var created, joined string
		if err := rows.Scan(&sw.SwarmID, &sw.Name, &sw.Master, &created, &joined,
			&sw.AllowMemberInvite, &sw.RequireApproval); err != nil {
			return nil, err
		}
		sw.CreatedAt = fromDB(created)
		sw.JoinedAt = fromDB(joined)
		out = append(out, sw)
	}
	return out, rows.Err()
}

// SetSwarmMaster records a master handover.
func (s *Store) SetSwarmMaster(ctx context.Context, swarmID, master string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE swarms SET master = ? WHERE swarm_id = ?`, master, swarmID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrSwarmNotFound)
}

// DeleteSwarm removes a swarm; members, tokens and pending joins cascade.
func (s *Store) DeleteSwarm(ctx context.Context, swarmID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM swarms WHERE swarm_id = ?`, swarmID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrSwarmNotFound)
}

// UpsertMember inserts a member or refreshes endpoint and public key on
// conflict, so key rotation and endpoint moves overwrite in place.
func (s *Store) UpsertMember(ctx context.Context, m Member) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return upsertMemberTx(ctx, s.db, m)
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMemberTx(ctx context.Context, db execer, m Member) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO swarm_members (swarm_id, agent_id, endpoint, public_key, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(swarm_id, agent_id) DO UPDATE SET
		endpoint = excluded.endpoint, public_key = excluded.public_key`,
		m.SwarmID, m.AgentID, m.Endpoint, m.PublicKey, toDB(m.JoinedAt),
	)
	if err != nil {
		return fmt.Errorf("store: upsert member: %w", err)
	}
	return nil
}

// GetMember retrieves one membership row.
func (s *Store) GetMember(ctx context.Context, swarmID, agentID string) (*Member, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT swarm_id, agent_id, endpoint, public_key, joined_at
		FROM swarm_members WHERE swarm_id = ? AND agent_id = ?`, swarmID, agentID)

	var m Member
	var joined string
	err := row.Scan(&m.SwarmID, &m.AgentID, &m.Endpoint, &m.PublicKey, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	m.JoinedAt = fromDB(joined)
	return &m, nil
}

// ListMembers returns a swarm's members in join order.
func (s *Store) ListMembers(ctx context.Context, swarmID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT swarm_id, agent_id, endpoint, public_key, joined_at
		FROM swarm_members WHERE swarm_id = ? ORDER BY joined_at, agent_id`, swarmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		var joined string
		if err := rows.Scan(&m.SwarmID, &m.AgentID, &m.Endpoint, &m.PublicKey, &joined); err != nil {
			return nil, err
		}
		m.JoinedAt = fromDB(joined)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RemoveMember deletes a membership row.
func (s *Store) RemoveMember(ctx context.Context, swarmID, agentID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM swarm_members WHERE swarm_id = ? AND agent_id = ?`,
		swarmID, agentID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrMemberNotFound)
}

// CountMembers returns the member count for a swarm.
func (s *Store) CountMembers(ctx context.Context, swarmID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM swarm_members WHERE swarm_id = ?`, swarmID).Scan(&n)
	return n, err
}

// AddPendingJoin records a join request awaiting approval. Re-requests by
// the same agent refresh the stored endpoint, key and request time.
func (s *Store) AddPendingJoin(ctx context.Context, p PendingJoin) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_joins (swarm_id, agent_id, endpoint, public_key, token_hash, requested_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(swarm_id, agent_id) DO UPDATE SET
		endpoint = excluded.endpoint, public_key = excluded.public_key,
		token_hash = excluded.token_hash, requested_at = excluded.requested_at`,
		p.SwarmID, p.AgentID, p.Endpoint, p.PublicKey, p.TokenHash, toDB(p.RequestedAt),
	)
	return err
}

// GetPendingJoin retrieves one pending join request.
func (s *Store) GetPendingJoin(ctx context.Context, swarmID, agentID string) (*PendingJoin, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT swarm_id, agent_id, endpoint, public_key, token_hash, requested_at
		FROM pending_joins WHERE swarm_id = ? AND agent_id = ?`, swarmID, agentID)

	var p PendingJoin
	var requested string
	err := row.Scan(&p.SwarmID, &p.AgentID, &p.Endpoint, &p.PublicKey, &p.TokenHash, &requested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, err
	}
	p.RequestedAt = fromDB(requested)
	return &p, nil
}

// ListPendingJoins returns a swarm's pending join requests, oldest first.
func (s *Store) ListPendingJoins(ctx context.Context, swarmID string) ([]PendingJoin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT swarm_id, agent_id, endpoint, public_key, token_hash, requested_at
		FROM pending_joins WHERE swarm_id = ? ORDER BY requested_at`, swarmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingJoin
	for rows.Next() {
		var p PendingJoin
		var requested string
		if err := rows.Scan(&p.SwarmID, &p.AgentID, &p.Endpoint, &p.PublicKey,
			&p.TokenHash, &requested); err != nil {
			return nil, err
		}
		p.RequestedAt = fromDB(requested)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RemovePendingJoin deletes a pending join request.
func (s *Store) RemovePendingJoin(ctx context.Context, swarmID, agentID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_joins WHERE swarm_id = ? AND agent_id = ?`,
		swarmID, agentID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrPendingNotFound)
}

// oneRowOr returns notFound when the statement touched no rows.
func oneRowOr(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
