package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/crypto"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/metrics"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
)

// NodeInfo is the public identity document a node serves at GET /swarm/info.
type NodeInfo struct {
	AgentID         string            `json:"agent_id"`
	Endpoint        string            `json:"endpoint"`
	PublicKey       string            `json:"public_key"`
	ProtocolVersion string            `json:"protocol_version"`
	Capabilities    []string          `json:"capabilities"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// KeyStore persists fetched peer keys across restarts.
type KeyStore interface {
	GetKey(ctx context.Context, agentID string) (*store.CachedKey, error)
	SaveKey(ctx context.Context, k store.CachedKey) error
	DeleteKey(ctx context.Context, agentID string) error
}

// KeyFetcher resolves peer signing keys. Cached keys are trusted until
// the TTL lapses; concurrent fetches for the same agent collapse into a
// single request.
type KeyFetcher struct {
	keys  KeyStore
	http  *http.Client
	ttl   time.Duration
	clk   clock.Clock
	log   *logging.Logger
	group singleflight.Group
}

// KeyFetcherOptions configures a KeyFetcher. Zero values get defaults.
type KeyFetcherOptions struct {
	Keys    KeyStore
	TTL     time.Duration // default 24h
	Timeout time.Duration // per fetch, default 10s
	Clock   clock.Clock
	Log     *logging.Logger
}

func NewKeyFetcher(opts KeyFetcherOptions) *KeyFetcher {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &KeyFetcher{
		keys: opts.Keys,
		http: &http.Client{Timeout: opts.Timeout},
		ttl:  opts.TTL,
		clk:  opts.Clock,
		log:  opts.Log.Component("keys"),
	}
}

// Resolve returns the Ed25519 key for a peer, fetching from its endpoint
// when the cache has no fresh entry.
func (f *KeyFetcher) Resolve(ctx context.Context, agentID, endpoint string) (ed25519.PublicKey, error) {
	if ck, err := f.keys.GetKey(ctx, agentID); err == nil && f.clk.Since(ck.FetchedAt) < f.ttl {
		pub, derr := crypto.DecodePublicKey(ck.PublicKey)
		if derr == nil {
			return pub, nil
		}
		// A corrupt cache entry falls through to a refetch.
		f.log.Warn("cached key unusable", "agent_id", agentID, "error", derr)
	}
	return f.fetch(ctx, agentID, endpoint)
}

// Forget drops a cached key so the next Resolve refetches it. Called
// after a signature check fails, in case the peer rotated keys.
func (f *KeyFetcher) Forget(ctx context.Context, agentID string) error {
	return f.keys.DeleteKey(ctx, agentID)
}

func (f *KeyFetcher) fetch(ctx context.Context, agentID, endpoint string) (ed25519.PublicKey, error) {
	v, err, _ := f.group.Do(agentID, func() (any, error) {
		info, err := f.FetchInfo(ctx, endpoint)
		if err != nil {
			metrics.KeyFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		if info.AgentID != agentID {
			metrics.KeyFetches.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("transport: %s identifies as %q, wanted %q", endpoint, info.AgentID, agentID)
		}
		pub, err := crypto.DecodePublicKey(info.PublicKey)
		if err != nil {
			metrics.KeyFetches.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("transport: key for %s: %w", agentID, err)
		}
		if err := f.keys.SaveKey(ctx, store.CachedKey{
			AgentID:   agentID,
			PublicKey: info.PublicKey,
			Endpoint:  info.Endpoint,
			FetchedAt: f.clk.Now(),
		}); err != nil {
			f.log.Warn("caching peer key failed", "agent_id", agentID, "error", err)
		}
		metrics.KeyFetches.WithLabelValues("ok").Inc()
		f.log.Debug("fetched peer key", "agent_id", agentID, "endpoint", endpoint)
		return pub, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ed25519.PublicKey), nil
}

// FetchInfo retrieves a node's public identity document.
func (f *KeyFetcher) FetchInfo(ctx context.Context, endpoint string) (*NodeInfo, error) {
	url := strings.TrimRight(endpoint, "/") + "/swarm/info"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderProtocol, envelope.ProtocolVersion)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Detail: "info fetch"}
	}
	var info NodeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("transport: decode info from %s: %w", url, err)
	}
	if info.AgentID == "" || info.PublicKey == "" {
		return nil, fmt.Errorf("transport: incomplete info from %s", url)
	}
	return &info, nil
}
