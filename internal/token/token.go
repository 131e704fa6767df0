// Package token issues and validates swarm invite tokens.
//
// An invite is an EdDSA-signed JWT carrying the swarm, its master, and the
// master's endpoint, optionally bounded by expiry and a use count. The use
// count is metered in the store keyed by the SHA-256 of the JWT; this package
// only handles the token itself and the swarm:// URL form.
package token

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
)

// Skew tolerated on iat and expiry during validation.
const Skew = 60 * time.Second

var (
	// ErrTokenInvalid reports a token that fails parsing, signature, or claim checks.
	ErrTokenInvalid = errors.New("invalid invite token")
	// ErrTokenExpired reports a token past its expiry.
	ErrTokenExpired = errors.New("invite token expired")
	// ErrTokenExhausted reports a token whose use count is spent.
	ErrTokenExhausted = errors.New("invite token exhausted")
	// ErrTokenRevoked reports a token revoked by the master.
	ErrTokenRevoked = errors.New("invite token revoked")
)

// Claims is the invite JWT payload.
type Claims struct {
	SwarmID   string `json:"swarm_id"`
	Master    string `json:"master"`
	Endpoint  string `json:"endpoint"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt string `json:"expires_at,omitempty"`
	MaxUses   int    `json:"max_uses,omitempty"`
}

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	if c.ExpiresAt == "" {
		return nil, nil
	}
	t, err := envelope.ParseTime(c.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}
	return jwt.NewNumericDate(t), nil
}

func (c Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	if c.IssuedAt == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c Claims) GetIssuer() (string, error)              { return "", nil }
func (c Claims) GetSubject() (string, error)             { return "", nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }

// Issued is a freshly generated invite.
type Issued struct {
	JWT       string
	Hash      string // SHA-256 hex of the JWT, keys the issued-tokens table
	URL       string // swarm://<swarm_id>@<host>?token=<jwt>
	ExpiresAt time.Time
	MaxUses   int
}

// Generate signs an invite for the given swarm. expiresIn <= 0 means no
// expiry; maxUses <= 0 means unlimited uses.
func Generate(swarmID, master, endpoint string, priv ed25519.PrivateKey, now time.Time, expiresIn time.Duration, maxUses int) (*Issued, error) {
	claims := Claims{
		SwarmID:  swarmID,
		Master:   master,
		Endpoint: endpoint,
		IssuedAt: now.Unix(),
	}
	var expiresAt time.Time
	if expiresIn > 0 {
		expiresAt = now.Add(expiresIn)
		claims.ExpiresAt = envelope.FormatTime(expiresAt)
	}
	if maxUses > 0 {
		claims.MaxUses = maxUses
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		return nil, fmt.Errorf("sign invite token: %w", err)
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invite endpoint %q has no host", endpoint)
	}

	return &Issued{
		JWT:       signed,
		Hash:      Hash(signed),
		URL:       fmt.Sprintf("swarm://%s@%s?token=%s", swarmID, u.Host, signed),
		ExpiresAt: expiresAt,
		MaxUses:   maxUses,
	}, nil
}

// Hash returns the SHA-256 hex digest of a token string.
func Hash(tok string) string {
	h := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(h[:])
}

// ParseURL splits a swarm:// invite URL into its swarm id, host, and JWT.
func ParseURL(raw string) (swarmID, host, tok string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: unparseable URL", ErrTokenInvalid)
	}
	if u.Scheme != "swarm" {
		return "", "", "", fmt.Errorf("%w: scheme %q, want swarm", ErrTokenInvalid, u.Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return "", "", "", fmt.Errorf("%w: missing swarm id", ErrTokenInvalid)
	}
	tok = u.Query().Get("token")
	if tok == "" {
		return "", "", "", fmt.Errorf("%w: missing token parameter", ErrTokenInvalid)
	}
	return u.User.Username(), u.Host, tok, nil
}

// Decode extracts the claims without verifying the signature. A joining
// node cannot verify an invite before it learns the issuer's key; routing
// trusts the URL and the master re-validates on receipt.
func Decode(tok string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.SwarmID == "" || claims.Master == "" || claims.Endpoint == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrTokenInvalid)
	}
	return claims, nil
}

// Validate parses and verifies an invite JWT: EdDSA signature by the master
// key, not expired (with Skew leeway), required claims present, and the
// swarm id matching wantSwarmID.
func Validate(tok, wantSwarmID string, masterPub ed25519.PublicKey, now time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tok, claims,
		func(t *jwt.Token) (any, error) { return masterPub, nil },
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithLeeway(Skew),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.SwarmID == "" || claims.Master == "" || claims.Endpoint == "" || claims.IssuedAt == 0 {
		return nil, fmt.Errorf("%w: missing required claims", ErrTokenInvalid)
	}
	if claims.SwarmID != wantSwarmID {
		return nil, fmt.Errorf("%w: token is for swarm %s, not %s", ErrTokenInvalid, claims.SwarmID, wantSwarmID)
	}
	return claims, nil
}

// ValidateURL validates a full swarm:// invite URL: the embedded JWT plus
// the URL swarm id and host against the token claims.
func ValidateURL(raw string, masterPub ed25519.PublicKey, now time.Time) (*Claims, string, error) {
	swarmID, host, tok, err := ParseURL(raw)
	if err != nil {
		return nil, "", err
	}
	claims, err := Validate(tok, swarmID, masterPub, now)
	if err != nil {
		return nil, "", err
	}
	eu, err := url.Parse(claims.Endpoint)
	if err != nil || eu.Host == "" {
		return nil, "", fmt.Errorf("%w: endpoint claim %q has no host", ErrTokenInvalid, claims.Endpoint)
	}
	if eu.Host != host {
		return nil, "", fmt.Errorf("%w: URL host %q does not match endpoint %q", ErrTokenInvalid, host, claims.Endpoint)
	}
	return claims, tok, nil
}
