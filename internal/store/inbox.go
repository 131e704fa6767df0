package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrMessageNotFound is returned when a message lookup misses.
var ErrMessageNotFound = errors.New("store: message not found")

// Inbox message lifecycle states.
const (
	StatusUnread   = "unread"
	StatusRead     = "read"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// InboxMessage is a received message. Content holds the raw envelope JSON
// exactly as it arrived, so signatures stay re-verifiable after storage.
type InboxMessage struct {
	MessageID   string
	SwarmID     string
	SenderID    string
	RecipientID string
	MessageType string
	Content     string
	ReceivedAt  time.Time
	ReadAt      time.Time
	ArchivedAt  time.Time
	DeletedAt   time.Time
	Status      string
}

// InboxCounts holds per-status totals for one swarm. Deleted rows are
// excluded; they are purge fodder, not operator state.
type InboxCounts struct {
	Unread   int
	Read     int
	Archived int
}

// Total returns the visible message count.
func (c InboxCounts) Total() int { return c.Unread + c.Read + c.Archived }

// InsertInbox stores a received message once. The second delivery of the
// same message_id reports false with no error and changes nothing, which
// is what makes peer retries safe.
func (s *Store) InsertInbox(ctx context.Context, m InboxMessage) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbox
		(message_id, swarm_id, sender_id, recipient_id, message_type, content, received_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.SwarmID, m.SenderID, m.RecipientID, m.MessageType,
		m.Content, toDB(m.ReceivedAt), StatusUnread)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetInbox retrieves one stored message by ID.
func (s *Store) GetInbox(ctx context.Context, messageID string) (*InboxMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inboxCols+` FROM inbox WHERE message_id = ?`, messageID)
	m, err := scanInbox(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

// ListInbox returns messages for a swarm, newest first. status filters to
// one lifecycle state; empty or "all" returns everything except deleted.
// limit <= 0 means no limit.
func (s *Store) ListInbox(ctx context.Context, swarmID, status string, limit int) ([]InboxMessage, error) {
	q := `SELECT ` + inboxCols + ` FROM inbox WHERE swarm_id = ?`
	args := []any{swarmID}
	switch status {
	case "", "all":
		q += ` AND status != ?`
		args = append(args, StatusDeleted)
	default:
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY received_at DESC LIMIT ?`
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InboxMessage
	for rows.Next() {
		m, err := scanInbox(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// CountUnread returns the unread total across all swarms.
func (s *Store) CountUnread(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbox WHERE status = ?`, StatusUnread).Scan(&n)
	return n, err
}

// CountInbox returns per-status totals for a swarm.
func (s *Store) CountInbox(ctx context.Context, swarmID string) (InboxCounts, error) {
	var c InboxCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
		COALESCE(SUM(status = 'unread'), 0),
		COALESCE(SUM(status = 'read'), 0),
		COALESCE(SUM(status = 'archived'), 0)
		FROM inbox WHERE swarm_id = ?`, swarmID).
		Scan(&c.Unread, &c.Read, &c.Archived)
	return c, err
}

// MarkRead transitions a message from unread to read. Reports false when
// the message is missing or already past unread.
func (s *Store) MarkRead(ctx context.Context, messageID string, now time.Time) (bool, error) {
	return s.transition(ctx,
		`UPDATE inbox SET status = ?, read_at = ? WHERE message_id = ? AND status = ?`,
		StatusRead, toDB(now), messageID, StatusUnread)
}

// Archive transitions a message out of the active view. Allowed from
// unread or read; false otherwise.
func (s *Store) Archive(ctx context.Context, messageID string, now time.Time) (bool, error) {
	return s.transition(ctx,
		`UPDATE inbox SET status = ?, archived_at = ? WHERE message_id = ? AND status IN (?, ?)`,
		StatusArchived, toDB(now), messageID, StatusUnread, StatusRead)
}

// SoftDelete marks a message for purge. Allowed from any live state;
// false when missing or already deleted.
func (s *Store) SoftDelete(ctx context.Context, messageID string, now time.Time) (bool, error) {
	return s.transition(ctx,
		`UPDATE inbox SET status = ?, deleted_at = ? WHERE message_id = ? AND status != ?`,
		StatusDeleted, toDB(now), messageID, StatusDeleted)
}

// PurgeDeleted hard-deletes rows soft-deleted before the cutoff and
// reports how many were removed.
func (s *Store) PurgeDeleted(ctx context.Context, cutoff time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM inbox WHERE status = ? AND deleted_at < ?`,
		StatusDeleted, toDB(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) transition(ctx context.Context, q string, args ...any) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const inboxCols = `message_id, swarm_id, sender_id, recipient_id, message_type,
	content, received_at, read_at, archived_at, deleted_at, status`

func scanInbox(scan func(...any) error) (*InboxMessage, error) {
	var m InboxMessage
	var received string
	var readAt, archivedAt, deletedAt sql.NullString
	if err := scan(&m.MessageID, &m.SwarmID, &m.SenderID, &m.RecipientID,
		&m.MessageType, &m.Content, &received, &readAt, &archivedAt,
		&deletedAt, &m.Status); err != nil {
		return nil, err
	}
	m.ReceivedAt = fromDB(received)
	m.ReadAt = fromDB(readAt.String)
	m.ArchivedAt = fromDB(archivedAt.String)
	m.DeletedAt = fromDB(deletedAt.String)
	return &m, nil
}
