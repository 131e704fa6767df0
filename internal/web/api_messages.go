package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/swarm"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	previewRunes     = 200
)

// clampLimit parses a limit query value into [1, maxListLimit].
func clampLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

type inboxItem struct {
	MessageID  string `json:"message_id"`
	SwarmID    string `json:"swarm_id"`
	SenderID   string `json:"sender_id"`
	Recipient  string `json:"recipient"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Priority   string `json:"priority,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	InReplyTo  string `json:"in_reply_to,omitempty"`
	ReceivedAt string `json:"received_at"`
	ReadAt     string `json:"read_at,omitempty"`
	Preview    string `json:"preview"`
}

// newInboxItem projects a stored row into its list form. The stored
// content is the full signed envelope; the preview shows the start of the
// inner message text.
func newInboxItem(m store.InboxMessage) inboxItem {
	item := inboxItem{
		MessageID:  m.MessageID,
		SwarmID:    m.SwarmID,
		SenderID:   m.SenderID,
		Recipient:  m.RecipientID,
		Type:       m.MessageType,
		Status:     m.Status,
		ReceivedAt: envelope.FormatTime(m.ReceivedAt),
	}
	if !m.ReadAt.IsZero() {
		item.ReadAt = envelope.FormatTime(m.ReadAt)
	}
	if env, err := envelope.Unmarshal([]byte(m.Content)); err == nil {
		item.Priority = env.Priority
		item.ThreadID = env.ThreadID
		item.InReplyTo = env.InReplyTo
		item.Preview = truncateRunes(env.Content, previewRunes)
	} else {
		item.Preview = truncateRunes(m.Content, previewRunes)
	}
	return item
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// apiListMessages lists inbox messages for one swarm.
// Query: swarm_id (required), status (unread|read|archived|all), limit.
func (s *Server) apiListMessages(w http.ResponseWriter, r *http.Request) {
	swarmID := r.URL.Query().Get("swarm_id")
	if swarmID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "swarm_id query parameter is required")
		return
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		status = store.StatusUnread
	}
	switch status {
	case store.StatusUnread, store.StatusRead, store.StatusArchived, "all":
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "status must be unread, read, archived, or all")
		return
	}

	msgs, err := s.deps.Store.ListInbox(r.Context(), swarmID, status, clampLimit(r.URL.Query().Get("limit")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]inboxItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, newInboxItem(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": items, "count": len(items)})
}

// apiMessageCounts reports per-status inbox totals for one swarm.
func (s *Server) apiMessageCounts(w http.ResponseWriter, r *http.Request) {
	swarmID := r.URL.Query().Get("swarm_id")
	if swarmID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "swarm_id query parameter is required")
		return
	}
	counts, err := s.deps.Store.CountInbox(r.Context(), swarmID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"unread":   counts.Unread,
		"read":     counts.Read,
		"archived": counts.Archived,
		"total":    counts.Total(),
	})
}

type inboxDetail struct {
	MessageID  string          `json:"message_id"`
	SwarmID    string          `json:"swarm_id"`
	SenderID   string          `json:"sender_id"`
	Recipient  string          `json:"recipient"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	ReceivedAt string          `json:"received_at"`
	ReadAt     string          `json:"read_at,omitempty"`
	Envelope   json.RawMessage `json:"envelope"`
}

// apiGetMessage returns one message with its full stored envelope.
func (s *Server) apiGetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Store.GetInbox(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d := inboxDetail{
		MessageID:  m.MessageID,
		SwarmID:    m.SwarmID,
		SenderID:   m.SenderID,
		Recipient:  m.RecipientID,
		Type:       m.MessageType,
		Status:     m.Status,
		ReceivedAt: envelope.FormatTime(m.ReceivedAt),
	}
	if !m.ReadAt.IsZero() {
		d.ReadAt = envelope.FormatTime(m.ReadAt)
	}
	if json.Valid([]byte(m.Content)) {
		d.Envelope = json.RawMessage(m.Content)
	} else {
		d.Envelope, _ = json.Marshal(m.Content)
	}
	writeJSON(w, http.StatusOK, d)
}

// transitionMessage runs one inbox lifecycle change and reports whether
// anything moved. A no-op on an existing message answers "unchanged"
// rather than an error, so repeated acks stay harmless.
func (s *Server) transitionMessage(w http.ResponseWriter, r *http.Request, verb string,
	op func(context.Context, string, time.Time) (bool, error)) {

	ctx := r.Context()
	id := r.PathValue("id")
	changed, err := op(ctx, id, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !changed {
		if _, err := s.deps.Store.GetInbox(ctx, id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unchanged", "message_id": id})
		return
	}
	s.updateUnreadGauge(ctx)
	writeJSON(w, http.StatusOK, map[string]string{"status": verb, "message_id": id})
}

func (s *Server) apiAckMessage(w http.ResponseWriter, r *http.Request) {
	s.transitionMessage(w, r, "read", s.deps.Store.MarkRead)
}

func (s *Server) apiArchiveMessage(w http.ResponseWriter, r *http.Request) {
	s.transitionMessage(w, r, "archived", s.deps.Store.Archive)
}

func (s *Server) apiDeleteMessage(w http.ResponseWriter, r *http.Request) {
	s.transitionMessage(w, r, "deleted", s.deps.Store.SoftDelete)
}

type outboxItem struct {
	MessageID   string `json:"message_id"`
	SwarmID     string `json:"swarm_id"`
	Recipient   string `json:"recipient"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
	DeliveredAt string `json:"delivered_at,omitempty"`
}

// apiListOutbox lists outbound deliveries for one swarm, newest first.
func (s *Server) apiListOutbox(w http.ResponseWriter, r *http.Request) {
	swarmID := r.URL.Query().Get("swarm_id")
	if swarmID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "swarm_id query parameter is required")
		return
	}
	msgs, err := s.deps.Store.ListOutbox(r.Context(), swarmID, clampLimit(r.URL.Query().Get("limit")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]outboxItem, 0, len(msgs))
	for _, m := range msgs {
		item := outboxItem{
			MessageID: m.MessageID,
			SwarmID:   m.SwarmID,
			Recipient: m.RecipientID,
			Type:      m.MessageType,
			Status:    m.Status,
			Attempts:  m.Attempts,
			LastError: m.LastError,
			CreatedAt: envelope.FormatTime(m.CreatedAt),
		}
		if !m.DeliveredAt.IsZero() {
			item.DeliveredAt = envelope.FormatTime(m.DeliveredAt)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": items, "count": len(items)})
}

// apiOutboxCounts reports per-status outbox totals for one swarm.
func (s *Server) apiOutboxCounts(w http.ResponseWriter, r *http.Request) {
	swarmID := r.URL.Query().Get("swarm_id")
	if swarmID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "swarm_id query parameter is required")
		return
	}
	counts, err := s.deps.Store.CountOutbox(r.Context(), swarmID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"queued":    counts.Queued,
		"delivered": counts.Delivered,
		"failed":    counts.Failed,
	})
}

type sendRequest struct {
	SwarmID   string `json:"swarm_id"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Priority  string `json:"priority"`
	InReplyTo string `json:"in_reply_to"`
	ThreadID  string `json:"thread_id"`
}

// apiSend signs and dispatches a message from this node. Delivery runs
// through the outbox with retries, so 202 means accepted, not delivered.
func (s *Server) apiSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "malformed JSON body")
		return
	}
	if req.SwarmID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "swarm_id and content are required")
		return
	}
	switch req.Priority {
	case "", envelope.PriorityLow, envelope.PriorityNormal, envelope.PriorityHigh:
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "priority must be low, normal, or high")
		return
	}
	if req.Recipient == "" {
		req.Recipient = envelope.Broadcast
	}

	m, err := s.deps.Swarms.Send(r.Context(), req.SwarmID, req.Recipient, req.Content, swarm.SendOptions{
		Priority:  req.Priority,
		InReplyTo: req.InReplyTo,
		ThreadID:  req.ThreadID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent", "message_id": m.MessageID})
}
