package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Outbox delivery states.
const (
	OutboxQueued    = "queued"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed"
)

// OutboxMessage is a locally sent message and its delivery outcome.
type OutboxMessage struct {
	MessageID   string
	SwarmID     string
	RecipientID string
	MessageType string
	Content     string
	CreatedAt   time.Time
	DeliveredAt time.Time
	Attempts    int
	LastError   string
	Status      string
}

// OutboxCounts holds per-status totals for one swarm.
type OutboxCounts struct {
	Queued    int
	Delivered int
	Failed    int
}

// EnqueueOutbox records a message as queued before delivery starts.
func (s *Store) EnqueueOutbox(ctx context.Context, m OutboxMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox
		(message_id, swarm_id, recipient_id, message_type, content, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.SwarmID, m.RecipientID, m.MessageType, m.Content,
		toDB(m.CreatedAt), OutboxQueued)
	return err
}

// MarkDelivered finalizes a queued message as delivered. False when the
// message is missing or already finalized.
func (s *Store) MarkDelivered(ctx context.Context, messageID string, attempts int, now time.Time) (bool, error) {
	return s.transition(ctx,
		`UPDATE outbox SET status = ?, delivered_at = ?, attempts = ?
		WHERE message_id = ? AND status = ?`,
		OutboxDelivered, toDB(now), attempts, messageID, OutboxQueued)
}

// MarkFailed finalizes a queued message as failed with the last error seen.
func (s *Store) MarkFailed(ctx context.Context, messageID string, attempts int, lastErr string) (bool, error) {
	return s.transition(ctx,
		`UPDATE outbox SET status = ?, attempts = ?, last_error = ?
		WHERE message_id = ? AND status = ?`,
		OutboxFailed, attempts, lastErr, messageID, OutboxQueued)
}

// GetOutbox retrieves one sent message by ID.
func (s *Store) GetOutbox(ctx context.Context, messageID string) (*OutboxMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxCols+` FROM outbox WHERE message_id = ?`, messageID)
	m, err := scanOutbox(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

// ListOutbox returns sent messages for a swarm, newest first.
// limit <= 0 means no limit.
func (s *Store) ListOutbox(ctx context.Context, swarmID string, limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxCols+` FROM outbox WHERE swarm_id = ?
		ORDER BY created_at DESC LIMIT ?`, swarmID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// CountOutbox returns per-status totals for a swarm.
func (s *Store) CountOutbox(ctx context.Context, swarmID string) (OutboxCounts, error) {
	var c OutboxCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
		COALESCE(SUM(status = 'queued'), 0),
		COALESCE(SUM(status = 'delivered'), 0),
		COALESCE(SUM(status = 'failed'), 0)
		FROM outbox WHERE swarm_id = ?`, swarmID).
		Scan(&c.Queued, &c.Delivered, &c.Failed)
	return c, err
}

const outboxCols = `message_id, swarm_id, recipient_id, message_type,
	content, created_at, delivered_at, attempts, last_error, status`

func scanOutbox(scan func(...any) error) (*OutboxMessage, error) {
	var m OutboxMessage
	var created string
	var delivered sql.NullString
	if err := scan(&m.MessageID, &m.SwarmID, &m.RecipientID, &m.MessageType,
		&m.Content, &created, &delivered, &m.Attempts, &m.LastError,
		&m.Status); err != nil {
		return nil, err
	}
	m.CreatedAt = fromDB(created)
	m.DeliveredAt = fromDB(delivered.String)
	return &m, nil
}
