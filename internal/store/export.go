package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Document schema versions understood by Import.
const (
	ExportSchemaVersion = "2.0.0"
	legacySchemaVersion = "1.0.0"
)

// ErrUnsupportedSchema is returned for export documents this version
// cannot read.
var ErrUnsupportedSchema = errors.New("store: unsupported export schema version")

type exportDoc struct {
	SchemaVersion string                 `json:"schema_version"`
	AgentID       string                 `json:"agent_id,omitempty"`
	ExportedAt    string                 `json:"exported_at"`
	Swarms        map[string]exportSwarm `json:"swarms"`
	MutedAgents   []exportMute           `json:"muted_agents"`
	MutedSwarms   []exportMute           `json:"muted_swarms"`
	PublicKeys    map[string]exportKey   `json:"public_keys"`
	IssuedTokens  []exportToken          `json:"issued_tokens"`
	PendingJoins  []exportPending        `json:"pending_joins"`
	Inbox         []exportInbox          `json:"inbox"`
	Outbox        []exportOutbox         `json:"outbox"`
	SDKSessions   []exportSession        `json:"sdk_sessions"`
}

type exportSwarm struct {
	SwarmID   string         `json:"swarm_id"`
	Name      string         `json:"name"`
	Master    string         `json:"master"`
	CreatedAt string         `json:"created_at"`
	JoinedAt  string         `json:"joined_at"`
	Settings  exportSettings `json:"settings"`
	Members   []exportMember `json:"members"`
}

type exportSettings struct {
	AllowMemberInvite bool `json:"allow_member_invite"`
	RequireApproval   bool `json:"require_approval"`
}

type exportMember struct {
	AgentID   string `json:"agent_id"`
	Endpoint  string `json:"endpoint"`
	PublicKey string `json:"public_key"`
	JoinedAt  string `json:"joined_at"`
}

type exportMute struct {
	ID      string `json:"id"`
	Reason  string `json:"reason,omitempty"`
	MutedAt string `json:"muted_at"`
}

type exportKey struct {
	PublicKey string `json:"public_key"`
	Endpoint  string `json:"endpoint,omitempty"`
	FetchedAt string `json:"fetched_at"`
}

type exportToken struct {
	TokenHash string `json:"token_hash"`
	SwarmID   string `json:"swarm_id"`
	MaxUses   int    `json:"max_uses"`
	Uses      int    `json:"uses"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Revoked   bool   `json:"revoked"`
}

type exportPending struct {
	SwarmID     string `json:"swarm_id"`
	AgentID     string `json:"agent_id"`
	Endpoint    string `json:"endpoint"`
	PublicKey   string `json:"public_key"`
	TokenHash   string `json:"token_hash"`
	RequestedAt string `json:"requested_at"`
}

type exportInbox struct {
	MessageID   string `json:"message_id"`
	SwarmID     string `json:"swarm_id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id,omitempty"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	ReceivedAt  string `json:"received_at"`
	ReadAt      string `json:"read_at,omitempty"`
	ArchivedAt  string `json:"archived_at,omitempty"`
	DeletedAt   string `json:"deleted_at,omitempty"`
	Status      string `json:"status"`
}

type exportOutbox struct {
	MessageID   string `json:"message_id"`
	SwarmID     string `json:"swarm_id"`
	RecipientID string `json:"recipient_id"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	CreatedAt   string `json:"created_at"`
	DeliveredAt string `json:"delivered_at,omitempty"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	Status      string `json:"status"`
}

type exportSession struct {
	SwarmID    string `json:"swarm_id"`
	PeerID     string `json:"peer_id"`
	SessionID  string `json:"session_id"`
	LastActive string `json:"last_active"`
	State      string `json:"state"`
}

// Export writes the full node state as a JSON document. Writers are held
// off for the duration so the snapshot is consistent.
func (s *Store) Export(ctx context.Context, w io.Writer, agentID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc := exportDoc{
		SchemaVersion: ExportSchemaVersion,
		AgentID:       agentID,
		ExportedAt:    toDB(time.Now()),
		Swarms:        map[string]exportSwarm{},
		PublicKeys:    map[string]exportKey{},
	}

	swarms, err := s.ListSwarms(ctx)
	if err != nil {
		return fmt.Errorf("store: export swarms: %w", err)
	}
	for _, sw := range swarms {
		members, err := s.ListMembers(ctx, sw.SwarmID)
		if err != nil {
			return fmt.Errorf("store: export members: %w", err)
		}
		es := exportSwarm{
			SwarmID:   sw.SwarmID,
			Name:      sw.Name,
			Master:    sw.Master,
			CreatedAt: toDB(sw.CreatedAt),
			JoinedAt:  toDB(sw.JoinedAt),
			Settings: exportSettings{
				AllowMemberInvite: sw.AllowMemberInvite,
				RequireApproval:   sw.RequireApproval,
			},
		}
		for _, m := range members {
			es.Members = append(es.Members, exportMember{
				AgentID:   m.AgentID,
				Endpoint:  m.Endpoint,
				PublicKey: m.PublicKey,
				JoinedAt:  toDB(m.JoinedAt),
			})
		}
		doc.Swarms[sw.SwarmID] = es

		tokens, err := s.ListTokens(ctx, sw.SwarmID)
		if err != nil {
			return fmt.Errorf("store: export tokens: %w", err)
		}
		for _, t := range tokens {
			et := exportToken{
				TokenHash: t.TokenHash,
				SwarmID:   t.SwarmID,
				MaxUses:   t.MaxUses,
				Uses:      t.Uses,
				CreatedAt: toDB(t.CreatedAt),
				Revoked:   t.Revoked,
			}
			if !t.ExpiresAt.IsZero() {
				et.ExpiresAt = toDB(t.ExpiresAt)
			}
			doc.IssuedTokens = append(doc.IssuedTokens, et)
		}

		pending, err := s.ListPendingJoins(ctx, sw.SwarmID)
		if err != nil {
			return fmt.Errorf("store: export pending joins: %w", err)
		}
		for _, p := range pending {
			doc.PendingJoins = append(doc.PendingJoins, exportPending{
				SwarmID:     p.SwarmID,
				AgentID:     p.AgentID,
				Endpoint:    p.Endpoint,
				PublicKey:   p.PublicKey,
				TokenHash:   p.TokenHash,
				RequestedAt: toDB(p.RequestedAt),
			})
		}
	}

	mutedAgents, err := s.ListMutedAgents(ctx)
	if err != nil {
		return fmt.Errorf("store: export muted agents: %w", err)
	}
	for _, m := range mutedAgents {
		doc.MutedAgents = append(doc.MutedAgents, exportMute{
			ID: m.ID, Reason: m.Reason, MutedAt: toDB(m.CreatedAt),
		})
	}
	mutedSwarms, err := s.ListMutedSwarms(ctx)
	if err != nil {
		return fmt.Errorf("store: export muted swarms: %w", err)
	}
	for _, m := range mutedSwarms {
		doc.MutedSwarms = append(doc.MutedSwarms, exportMute{
			ID: m.ID, Reason: m.Reason, MutedAt: toDB(m.CreatedAt),
		})
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("store: export keys: %w", err)
	}
	for _, k := range keys {
		doc.PublicKeys[k.AgentID] = exportKey{
			PublicKey: k.PublicKey,
			Endpoint:  k.Endpoint,
			FetchedAt: toDB(k.FetchedAt),
		}
	}

	inbox, err := s.allInbox(ctx)
	if err != nil {
		return fmt.Errorf("store: export inbox: %w", err)
	}
	doc.Inbox = inbox
	outbox, err := s.allOutbox(ctx)
	if err != nil {
		return fmt.Errorf("store: export outbox: %w", err)
	}
	doc.Outbox = outbox

	sessions, err := s.ListSDKSessions(ctx)
	if err != nil {
		return fmt.Errorf("store: export sessions: %w", err)
	}
	for _, sess := range sessions {
		doc.SDKSessions = append(doc.SDKSessions, exportSession{
			SwarmID:    sess.SwarmID,
			PeerID:     sess.PeerID,
			SessionID:  sess.SessionID,
			LastActive: toDB(sess.LastActive),
			State:      sess.State,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Import loads an export document. With merge true, imported rows are
// layered over existing state; otherwise all state is replaced. Legacy
// v1.0.0 documents are accepted, mapping the old queue statuses onto the
// inbox lifecycle.
func (s *Store) Import(ctx context.Context, r io.Reader, merge bool) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("store: import read: %w", err)
	}
	var head struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return fmt.Errorf("store: import parse: %w", err)
	}

	switch head.SchemaVersion {
	case ExportSchemaVersion:
		var doc exportDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("store: import parse: %w", err)
		}
		return s.importCurrent(ctx, &doc, merge)
	case legacySchemaVersion:
		var doc legacyDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("store: import parse: %w", err)
		}
		return s.importLegacy(ctx, &doc, merge)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedSchema, head.SchemaVersion)
	}
}

func (s *Store) importCurrent(ctx context.Context, doc *exportDoc, merge bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if !merge {
		if err := wipe(ctx, tx); err != nil {
			return err
		}
	}

	for _, sw := range doc.Swarms {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO swarms (swarm_id, name, master, created_at, joined_at, allow_member_invite, require_approval)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(swarm_id) DO UPDATE SET
			name = excluded.name, master = excluded.master,
			created_at = excluded.created_at, joined_at = excluded.joined_at,
			allow_member_invite = excluded.allow_member_invite,
			require_approval = excluded.require_approval`,
			sw.SwarmID, sw.Name, sw.Master, sw.CreatedAt, sw.JoinedAt,
			sw.Settings.AllowMemberInvite, sw.Settings.RequireApproval,
		); err != nil {
			return fmt.Errorf("store: import swarm %s: %w", sw.SwarmID, err)
		}
		for _, m := range sw.Members {
			if err := upsertMemberTx(ctx, tx, Member{
				SwarmID:   sw.SwarmID,
				AgentID:   m.AgentID,
				Endpoint:  m.Endpoint,
				PublicKey: m.PublicKey,
				JoinedAt:  fromDB(m.JoinedAt),
			}); err != nil {
				return err
			}
		}
	}

	for _, m := range doc.MutedAgents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO muted_agents (agent_id, reason, created_at) VALUES (?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at`,
			m.ID, m.Reason, m.MutedAt); err != nil {
			return fmt.Errorf("store: import muted agent: %w", err)
		}
	}
	for _, m := range doc.MutedSwarms {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO muted_swarms (swarm_id, reason, created_at) VALUES (?, ?, ?)
			ON CONFLICT(swarm_id) DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at`,
			m.ID, m.Reason, m.MutedAt); err != nil {
			return fmt.Errorf("store: import muted swarm: %w", err)
		}
	}

	for agentID, k := range doc.PublicKeys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO public_keys (agent_id, public_key, endpoint, fetched_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
			public_key = excluded.public_key, endpoint = excluded.endpoint, fetched_at = excluded.fetched_at`,
			agentID, k.PublicKey, k.Endpoint, k.FetchedAt); err != nil {
			return fmt.Errorf("store: import key: %w", err)
		}
	}

	for _, t := range doc.IssuedTokens {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO issued_tokens (token_hash, swarm_id, max_uses, uses, created_at, expires_at, revoked)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(token_hash) DO UPDATE SET
			max_uses = excluded.max_uses, uses = excluded.uses, revoked = excluded.revoked`,
			t.TokenHash, t.SwarmID, t.MaxUses, t.Uses, t.CreatedAt,
			nullable(t.ExpiresAt), t.Revoked); err != nil {
			return fmt.Errorf("store: import token: %w", err)
		}
	}

	for _, p := range doc.PendingJoins {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_joins (swarm_id, agent_id, endpoint, public_key, token_hash, requested_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(swarm_id, agent_id) DO UPDATE SET
			endpoint = excluded.endpoint, public_key = excluded.public_key,
			token_hash = excluded.token_hash, requested_at = excluded.requested_at`,
			p.SwarmID, p.AgentID, p.Endpoint, p.PublicKey, p.TokenHash,
			p.RequestedAt); err != nil {
			return fmt.Errorf("store: import pending join: %w", err)
		}
	}

	for _, m := range doc.Inbox {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO inbox
			(message_id, swarm_id, sender_id, recipient_id, message_type, content,
			received_at, read_at, archived_at, deleted_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MessageID, m.SwarmID, m.SenderID, m.RecipientID, m.MessageType,
			m.Content, m.ReceivedAt, nullable(m.ReadAt), nullable(m.ArchivedAt),
			nullable(m.DeletedAt), m.Status); err != nil {
			return fmt.Errorf("store: import inbox: %w", err)
		}
	}
	for _, m := range doc.Outbox {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO outbox
			(message_id, swarm_id, recipient_id, message_type, content,
			created_at, delivered_at, attempts, last_error, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MessageID, m.SwarmID, m.RecipientID, m.MessageType, m.Content,
			m.CreatedAt, nullable(m.DeliveredAt), m.Attempts, m.LastError,
			m.Status); err != nil {
			return fmt.Errorf("store: import outbox: %w", err)
		}
	}

	for _, sess := range doc.SDKSessions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sdk_sessions (swarm_id, peer_id, session_id, last_active, state)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(swarm_id, peer_id) DO UPDATE SET
			session_id = excluded.session_id, last_active = excluded.last_active,
			state = excluded.state`,
			sess.SwarmID, sess.PeerID, sess.SessionID, sess.LastActive,
			sess.State); err != nil {
			return fmt.Errorf("store: import session: %w", err)
		}
	}

	return tx.Commit()
}

type legacyDoc struct {
	SchemaVersion string                 `json:"schema_version"`
	Swarms        map[string]legacySwarm `json:"swarms"`
	MutedSwarms   []string               `json:"muted_swarms"`
	MutedAgents   []string               `json:"muted_agents"`
	PublicKeys    map[string]exportKey   `json:"public_keys"`
	MessageQueue  []legacyQueued         `json:"message_queue"`
}

type legacySwarm struct {
	Name     string         `json:"name"`
	Master   string         `json:"master"`
	JoinedAt string         `json:"joined_at"`
	Settings exportSettings `json:"settings"`
	Members  []exportMember `json:"members"`
}

type legacyQueued struct {
	MessageID   string `json:"message_id"`
	SwarmID     string `json:"swarm_id"`
	SenderID    string `json:"sender_id"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	ReceivedAt  string `json:"received_at"`
	ProcessedAt string `json:"processed_at,omitempty"`
	Status      string `json:"status"`
}

func (s *Store) importLegacy(ctx context.Context, doc *legacyDoc, merge bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if !merge {
		if err := wipe(ctx, tx); err != nil {
			return err
		}
	}

	now := toDB(time.Now())
	for swarmID, sw := range doc.Swarms {
		// Legacy documents carry no creation time; the join time is the
		// closest thing known.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO swarms (swarm_id, name, master, created_at, joined_at, allow_member_invite, require_approval)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(swarm_id) DO UPDATE SET
			name = excluded.name, master = excluded.master, joined_at = excluded.joined_at,
			allow_member_invite = excluded.allow_member_invite,
			require_approval = excluded.require_approval`,
			swarmID, sw.Name, sw.Master, sw.JoinedAt, sw.JoinedAt,
			sw.Settings.AllowMemberInvite, sw.Settings.RequireApproval,
		); err != nil {
			return fmt.Errorf("store: import legacy swarm %s: %w", swarmID, err)
		}
		for _, m := range sw.Members {
			if err := upsertMemberTx(ctx, tx, Member{
				SwarmID:   swarmID,
				AgentID:   m.AgentID,
				Endpoint:  m.Endpoint,
				PublicKey: m.PublicKey,
				JoinedAt:  fromDB(m.JoinedAt),
			}); err != nil {
				return err
			}
		}
	}

	for _, swarmID := range doc.MutedSwarms {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO muted_swarms (swarm_id, reason, created_at) VALUES (?, '', ?)`,
			swarmID, now); err != nil {
			return fmt.Errorf("store: import legacy muted swarm: %w", err)
		}
	}
	for _, agentID := range doc.MutedAgents {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO muted_agents (agent_id, reason, created_at) VALUES (?, '', ?)`,
			agentID, now); err != nil {
			return fmt.Errorf("store: import legacy muted agent: %w", err)
		}
	}

	for agentID, k := range doc.PublicKeys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO public_keys (agent_id, public_key, endpoint, fetched_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
			public_key = excluded.public_key, endpoint = excluded.endpoint, fetched_at = excluded.fetched_at`,
			agentID, k.PublicKey, k.Endpoint, k.FetchedAt); err != nil {
			return fmt.Errorf("store: import legacy key: %w", err)
		}
	}

	for _, q := range doc.MessageQueue {
		status := legacyStatus(q.Status)
		var readAt any
		if status == StatusRead && q.ProcessedAt != "" {
			readAt = q.ProcessedAt
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO inbox
			(message_id, swarm_id, sender_id, recipient_id, message_type, content, received_at, read_at, status)
			VALUES (?, ?, ?, '', ?, ?, ?, ?, ?)`,
			q.MessageID, q.SwarmID, q.SenderID, q.MessageType, q.Content,
			q.ReceivedAt, readAt, status); err != nil {
			return fmt.Errorf("store: import legacy queue: %w", err)
		}
	}

	return tx.Commit()
}

// legacyStatus maps the old processing-queue vocabulary onto the inbox
// lifecycle: anything not yet processed is unread, everything else read.
func legacyStatus(s string) string {
	switch s {
	case "pending", "processing":
		return StatusUnread
	default:
		return StatusRead
	}
}

func wipe(ctx context.Context, tx *sql.Tx) error {
	tables := []string{
		"inbox", "outbox", "sdk_sessions", "pending_joins", "issued_tokens",
		"swarm_members", "muted_agents", "muted_swarms", "public_keys", "swarms",
	}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t); err != nil {
			return fmt.Errorf("store: clear %s: %w", t, err)
		}
	}
	return nil
}

// nullable maps the empty string to NULL for optional TEXT columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) allInbox(ctx context.Context) ([]exportInbox, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+inboxCols+` FROM inbox ORDER BY received_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exportInbox
	for rows.Next() {
		m, err := scanInbox(rows.Scan)
		if err != nil {
			return nil, err
		}
		e := exportInbox{
			MessageID:   m.MessageID,
			SwarmID:     m.SwarmID,
			SenderID:    m.SenderID,
			RecipientID: m.RecipientID,
			MessageType: m.MessageType,
			Content:     m.Content,
			ReceivedAt:  toDB(m.ReceivedAt),
			Status:      m.Status,
		}
		if !m.ReadAt.IsZero() {
			e.ReadAt = toDB(m.ReadAt)
		}
		if !m.ArchivedAt.IsZero() {
			e.ArchivedAt = toDB(m.ArchivedAt)
		}
		if !m.DeletedAt.IsZero() {
			e.DeletedAt = toDB(m.DeletedAt)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) allOutbox(ctx context.Context) ([]exportOutbox, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxCols+` FROM outbox ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exportOutbox
	for rows.Next() {
		m, err := scanOutbox(rows.Scan)
		if err != nil {
			return nil, err
		}
		e := exportOutbox{
			MessageID:   m.MessageID,
			SwarmID:     m.SwarmID,
			RecipientID: m.RecipientID,
			MessageType: m.MessageType,
			Content:     m.Content,
			CreatedAt:   toDB(m.CreatedAt),
			Attempts:    m.Attempts,
			LastError:   m.LastError,
			Status:      m.Status,
		}
		if !m.DeliveredAt.IsZero() {
			e.DeliveredAt = toDB(m.DeliveredAt)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
