package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Token metering failures. The swarm service translates these into the
// protocol's token error taxonomy.
var (
	ErrTokenNotFound  = errors.New("store: token not found")
	ErrTokenRevoked   = errors.New("store: token revoked")
	ErrTokenExhausted = errors.New("store: token exhausted")
)

// IssuedToken meters one invite token issued by this node. The JWT itself
// is never stored; the hash is enough to recognize and count redemptions.
type IssuedToken struct {
	TokenHash string
	SwarmID   string
	MaxUses   int
	Uses      int
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// SaveToken records a freshly issued token.
func (s *Store) SaveToken(ctx context.Context, t IssuedToken) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var expires any
	if !t.ExpiresAt.IsZero() {
		expires = toDB(t.ExpiresAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issued_tokens (token_hash, swarm_id, max_uses, uses, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TokenHash, t.SwarmID, t.MaxUses, t.Uses, toDB(t.CreatedAt), expires, t.Revoked)
	return err
}

// GetToken retrieves a token's metering row by hash.
func (s *Store) GetToken(ctx context.Context, hash string) (*IssuedToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token_hash, swarm_id, max_uses, uses, created_at, expires_at, revoked
		FROM issued_tokens WHERE token_hash = ?`, hash)
	t, err := scanToken(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	return t, err
}

// ConsumeToken atomically spends one use of a token. The guard and the
// increment are a single UPDATE, so two concurrent joins cannot both take
// the last use. On refusal, the row is inspected to say why.
func (s *Store) ConsumeToken(ctx context.Context, hash string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE issued_tokens SET uses = uses + 1
		WHERE token_hash = ? AND revoked = 0 AND (max_uses <= 0 OR uses < max_uses)`,
		hash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var revoked bool
	err = s.db.QueryRowContext(ctx,
		`SELECT revoked FROM issued_tokens WHERE token_hash = ?`, hash).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	if revoked {
		return ErrTokenRevoked
	}
	return ErrTokenExhausted
}

// RevokeToken marks a token as revoked. Revocation is permanent.
func (s *Store) RevokeToken(ctx context.Context, hash string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE issued_tokens SET revoked = 1 WHERE token_hash = ?`, hash)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrTokenNotFound)
}

// ListTokens returns a swarm's issued tokens, newest first.
func (s *Store) ListTokens(ctx context.Context, swarmID string) ([]IssuedToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_hash, swarm_id, max_uses, uses, created_at, expires_at, revoked
		FROM issued_tokens WHERE swarm_id = ? ORDER BY created_at DESC`, swarmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IssuedToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanToken(scan func(...any) error) (*IssuedToken, error) {
	var t IssuedToken
	var created string
	var expires sql.NullString
	if err := scan(&t.TokenHash, &t.SwarmID, &t.MaxUses, &t.Uses,
		&created, &expires, &t.Revoked); err != nil {
		return nil, err
	}
	t.CreatedAt = fromDB(created)
	t.ExpiresAt = fromDB(expires.String)
	return &t, nil
}
