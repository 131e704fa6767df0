// Package transport delivers signed envelopes to peer nodes and resolves
// the Ed25519 keys needed to verify inbound traffic.
//
// Peers expose POST /swarm/message and /swarm/join plus GET /swarm/info.
// Transient failures (5xx, network errors) retry with exponential backoff;
// rate limited peers are retried after the window they advertise; any other
// 4xx fails immediately.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
)

// Protocol headers exchanged between nodes.
const (
	HeaderAgentID       = "X-Agent-ID"
	HeaderProtocol      = "X-Swarm-Protocol"
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateReset     = "X-RateLimit-Reset"
)

// Retry tuning for transient delivery failures.
const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	maxAttempts    = 5
)

// maxErrorBody bounds how much of a peer's error reply is read.
const maxErrorBody = 4 << 10

// Client POSTs envelopes to peer endpoints with the protocol headers and
// retry policy applied.
type Client struct {
	agentID string
	http    *http.Client
	clk     clock.Clock
	log     *logging.Logger
}

// Options configures a Client. Zero values get defaults.
type Options struct {
	AgentID string
	Timeout time.Duration // per attempt, default 30s
	Clock   clock.Clock
	Log     *logging.Logger
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Client{
		agentID: opts.AgentID,
		http:    &http.Client{Timeout: opts.Timeout},
		clk:     opts.Clock,
		log:     opts.Log.Component("transport"),
	}
}

// Result reports the outcome of one delivery call.
type Result struct {
	Status   int // HTTP status of the last attempt, 0 if none completed
	Attempts int // attempts made, including the last one
}

// StatusError is an unusable reply from a peer, carrying the protocol
// error code when the body held one.
type StatusError struct {
	Status int
	Code   string
	Detail string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("peer returned %d %s: %s", e.Status, e.Code, e.Detail)
	}
	if e.Detail != "" {
		return fmt.Sprintf("peer returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("peer returned %d", e.Status)
}

// Temporary reports whether a retry could succeed.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// errorEnvelope mirrors the error body peers send on rejections.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send delivers a signed envelope to one peer endpoint.
func (c *Client) Send(ctx context.Context, endpoint string, m *envelope.Message) (Result, error) {
	return c.postJSON(ctx, endpoint, "/swarm/message", m, nil)
}

// PostJoin submits a join request to the swarm master and decodes its
// reply into out.
func (c *Client) PostJoin(ctx context.Context, endpoint string, req, out any) (Result, error) {
	return c.postJSON(ctx, endpoint, "/swarm/join", req, out)
}

func (c *Client) postJSON(ctx context.Context, endpoint, path string, payload, out any) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("transport: encode payload: %w", err)
	}
	url := strings.TrimRight(endpoint, "/") + path

	var (
		lastErr    error
		lastStatus int
	)
	wait := time.Duration(0)
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return Result{Status: lastStatus, Attempts: attempt - 1}, ctx.Err()
			case <-c.clk.After(wait):
			}
		}

		status, retryIn, err := c.attempt(ctx, url, body, out)
		if err == nil {
			return Result{Status: status, Attempts: attempt}, nil
		}
		lastErr = err
		lastStatus = status

		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return Result{Status: status, Attempts: attempt}, err
		}
		if ctx.Err() != nil {
			return Result{Status: status, Attempts: attempt}, ctx.Err()
		}

		wait = backoff
		if retryIn > 0 {
			wait = retryIn
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		c.log.Debug("delivery attempt failed",
			"url", url, "attempt", attempt, "retry_in", wait, "error", err)
	}
	return Result{Status: lastStatus, Attempts: maxAttempts},
		fmt.Errorf("transport: %s: giving up after %d attempts: %w", url, maxAttempts, lastErr)
}

// attempt runs a single POST. retryIn is the wait a rate limited peer
// asked for, zero otherwise.
func (c *Client) attempt(ctx context.Context, url string, body []byte, out any) (status int, retryIn time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAgentID, c.agentID)
	req.Header.Set(HeaderProtocol, envelope.ProtocolVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, 0, &StatusError{
					Status: resp.StatusCode,
					Detail: fmt.Sprintf("undecodable response body: %v", err),
				}
			}
		}
		return resp.StatusCode, 0, nil
	}

	se := &StatusError{Status: resp.StatusCode}
	if raw, rerr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)); rerr == nil {
		var envl errorEnvelope
		if json.Unmarshal(raw, &envl) == nil {
			se.Code = envl.Error.Code
			se.Detail = envl.Error.Message
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryIn = retryDelay(resp.Header, c.clk.Now())
	}
	return resp.StatusCode, retryIn, se
}

// retryDelay extracts the wait a rate limited peer advertised. Prefers
// X-RateLimit-Reset (Unix seconds), falls back to Retry-After (seconds).
func retryDelay(h http.Header, now time.Time) time.Duration {
	if v := h.Get(HeaderRateReset); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(sec, 0).Sub(now); d > 0 {
				return min(d, maxBackoff)
			}
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return min(time.Duration(sec)*time.Second, maxBackoff)
		}
	}
	return 0
}
