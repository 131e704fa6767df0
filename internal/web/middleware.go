package web

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/metrics"
	"github.com/finml-sage/agent-swarm-protocol/internal/transport"
)

// protocolGate enforces the headers every peer request must carry.
func (s *Server) protocolGate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(transport.HeaderAgentID) == "" || r.Header.Get(transport.HeaderProtocol) == "" {
			writeError(w, http.StatusBadRequest, CodeInvalidFormat,
				"X-Agent-ID and X-Swarm-Protocol headers are required")
			return
		}
		next(w, r)
	}
}

// limitBySender applies the message budget keyed on the claimed sender.
// The signature check behind this gate keeps the key honest.
func (s *Server) limitBySender(next http.HandlerFunc) http.HandlerFunc {
	return s.limited(s.senders, "sender", func(r *http.Request) string {
		return r.Header.Get(transport.HeaderAgentID)
	}, next)
}

// limitByIP applies the join budget keyed on the client address.
func (s *Server) limitByIP(next http.HandlerFunc) http.HandlerFunc {
	return s.limited(s.joiners, "ip", clientIP, next)
}

func (s *Server) limited(l *rateLimiter, scope string, key func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, remaining, reset := l.Allow(key(r))
		h := w.Header()
		h.Set(transport.HeaderRateLimit, strconv.Itoa(l.limit))
		h.Set(transport.HeaderRateRemaining, strconv.Itoa(remaining))
		h.Set(transport.HeaderRateReset, strconv.FormatInt(reset.Unix(), 10))
		if !ok {
			metrics.RateLimited.WithLabelValues(scope).Inc()
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// instrument bounds peer-facing work by the request timeout and records
// durations under a fixed route label. A request that outlives its
// deadline fails its next store or network call and surfaces as a 500.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if t := s.deps.Config.RequestTimeout; t > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), t)
			defer cancel()
			r = r.WithContext(ctx)
		}
		next(w, r)
		metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// clientIP extracts the IP address from r.RemoteAddr, stripping the port.
// Falls back to the raw RemoteAddr if parsing fails.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
