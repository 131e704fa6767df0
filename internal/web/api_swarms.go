package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/swarm"
)

// Invite defaults applied when the request leaves them unset.
const (
	defaultInviteTTL  = 24 * time.Hour
	defaultInviteUses = 1
)

type swarmView struct {
	SwarmID           string `json:"swarm_id"`
	Name              string `json:"name"`
	Master            string `json:"master"`
	IsMaster          bool   `json:"is_master"`
	MemberCount       int    `json:"member_count"`
	CreatedAt         string `json:"created_at"`
	JoinedAt          string `json:"joined_at,omitempty"`
	AllowMemberInvite bool   `json:"allow_member_invite"`
	RequireApproval   bool   `json:"require_approval"`
}

func (s *Server) swarmView(r *http.Request, sw *store.Swarm) swarmView {
	v := swarmView{
		SwarmID:           sw.SwarmID,
		Name:              sw.Name,
		Master:            sw.Master,
		IsMaster:          sw.Master == s.deps.Identity.AgentID,
		CreatedAt:         envelope.FormatTime(sw.CreatedAt),
		AllowMemberInvite: sw.AllowMemberInvite,
		RequireApproval:   sw.RequireApproval,
	}
	if !sw.JoinedAt.IsZero() {
		v.JoinedAt = envelope.FormatTime(sw.JoinedAt)
	}
	if n, err := s.deps.Store.CountMembers(r.Context(), sw.SwarmID); err == nil {
		v.MemberCount = n
	}
	return v
}

type memberView struct {
	AgentID  string `json:"agent_id"`
	Endpoint string `json:"endpoint"`
	IsMaster bool   `json:"is_master"`
	JoinedAt string `json:"joined_at"`
}

type pendingView struct {
	AgentID     string `json:"agent_id"`
	Endpoint    string `json:"endpoint"`
	RequestedAt string `json:"requested_at"`
}

type createSwarmRequest struct {
	Name              string `json:"name"`
	AllowMemberInvite bool   `json:"allow_member_invite"`
	RequireApproval   bool   `json:"require_approval"`
}

// apiCreateSwarm creates a swarm with this node as master.
func (s *Server) apiCreateSwarm(w http.ResponseWriter, r *http.Request) {
	var req createSwarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "malformed JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "name is required")
		return
	}
	sw, err := s.deps.Swarms.Create(r.Context(), req.Name, req.AllowMemberInvite, req.RequireApproval)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.swarmView(r, sw))
}

// apiListSwarms lists every swarm this node belongs to.
func (s *Server) apiListSwarms(w http.ResponseWriter, r *http.Request) {
	swarms, err := s.deps.Store.ListSwarms(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]swarmView, 0, len(swarms))
	for i := range swarms {
		views = append(views, s.swarmView(r, &swarms[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"swarms": views, "count": len(views)})
}

type swarmDetail struct {
	swarmView
	Members      []memberView  `json:"members"`
	PendingJoins []pendingView `json:"pending_joins,omitempty"`
}

// apiGetSwarm returns one swarm with its full roster. The approval queue
// is included only on the master, where it lives.
func (s *Server) apiGetSwarm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sw, err := s.deps.Store.GetSwarm(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	members, err := s.deps.Store.ListMembers(ctx, sw.SwarmID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	d := swarmDetail{swarmView: s.swarmView(r, sw), Members: make([]memberView, 0, len(members))}
	for _, m := range members {
		d.Members = append(d.Members, memberView{
			AgentID:  m.AgentID,
			Endpoint: m.Endpoint,
			IsMaster: m.AgentID == sw.Master,
			JoinedAt: envelope.FormatTime(m.JoinedAt),
		})
	}
	if d.IsMaster {
		pending, err := s.deps.Store.ListPendingJoins(ctx, sw.SwarmID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		for _, p := range pending {
			d.PendingJoins = append(d.PendingJoins, pendingView{
				AgentID:     p.AgentID,
				Endpoint:    p.Endpoint,
				RequestedAt: envelope.FormatTime(p.RequestedAt),
			})
		}
	}
	writeJSON(w, http.StatusOK, d)
}

type inviteRequest struct {
	ExpiresIn string `json:"expires_in"`
	MaxUses   int    `json:"max_uses"`
}

type inviteResponse struct {
	Token     string `json:"token"`
	InviteURL string `json:"invite_url"`
	TokenHash string `json:"token_hash"`
	MaxUses   int    `json:"max_uses"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// apiInvite issues an invite token. expires_in is a duration string,
// default 24h; a negative duration means no expiry. max_uses defaults to
// one; negative means unlimited.
func (s *Server) apiInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "malformed JSON body")
		return
	}

	ttl := defaultInviteTTL
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidFormat, "expires_in must be a duration like 24h or 30m")
			return
		}
		ttl = d
	}
	uses := req.MaxUses
	if uses == 0 {
		uses = defaultInviteUses
	}

	iss, err := s.deps.Swarms.Invite(r.Context(), r.PathValue("id"), ttl, uses)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := inviteResponse{
		Token:     iss.JWT,
		InviteURL: iss.URL,
		TokenHash: iss.Hash,
		MaxUses:   iss.MaxUses,
	}
	if !iss.ExpiresAt.IsZero() {
		resp.ExpiresAt = envelope.FormatTime(iss.ExpiresAt)
	}
	writeJSON(w, http.StatusCreated, resp)
}

type tokenView struct {
	TokenHash string `json:"token_hash"`
	MaxUses   int    `json:"max_uses"`
	Uses      int    `json:"uses"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Revoked   bool   `json:"revoked"`
}

// apiListInvites lists tokens this node issued for a swarm.
func (s *Server) apiListInvites(w http.ResponseWriter, r *http.Request) {
	toks, err := s.deps.Store.ListTokens(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]tokenView, 0, len(toks))
	for _, t := range toks {
		v := tokenView{
			TokenHash: t.TokenHash,
			MaxUses:   t.MaxUses,
			Uses:      t.Uses,
			CreatedAt: envelope.FormatTime(t.CreatedAt),
			Revoked:   t.Revoked,
		}
		if !t.ExpiresAt.IsZero() {
			v.ExpiresAt = envelope.FormatTime(t.ExpiresAt)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": views, "count": len(views)})
}

// apiRevokeInvite invalidates one issued token by hash.
func (s *Server) apiRevokeInvite(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Swarms.RevokeInvite(r.Context(), r.PathValue("id"), r.PathValue("hash")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "token_hash": r.PathValue("hash")})
}

type joinSwarmRequest struct {
	InviteURL string `json:"invite_url"`
}

// apiJoinSwarm joins a remote swarm using an invite URL.
func (s *Server) apiJoinSwarm(w http.ResponseWriter, r *http.Request) {
	var req joinSwarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "malformed JSON body")
		return
	}
	if req.InviteURL == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "invite_url is required")
		return
	}
	resp, err := s.deps.Swarms.JoinRemote(r.Context(), req.InviteURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Status == swarm.JoinPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// apiLeaveSwarm departs a swarm, or dissolves it when this node is the
// last master standing.
func (s *Server) apiLeaveSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Swarms.Leave(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left", "swarm_id": id})
}

type kickRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// apiKick removes a member. Master only.
func (s *Server) apiKick(w http.ResponseWriter, r *http.Request) {
	var req kickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "malformed JSON body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "agent_id is required")
		return
	}
	if err := s.deps.Swarms.Kick(r.Context(), r.PathValue("id"), req.AgentID, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "kicked", "agent_id": req.AgentID})
}

type transferRequest struct {
	AgentID string `json:"agent_id"`
}

// apiTransfer offers the master role to another member.
func (s *Server) apiTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "malformed JSON body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidFormat, "agent_id is required")
		return
	}
	if err := s.deps.Swarms.Transfer(r.Context(), r.PathValue("id"), req.AgentID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "transfer_offered", "agent_id": req.AgentID})
}

// apiAcceptTransfer takes the master role this node was offered.
func (s *Server) apiAcceptTransfer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Swarms.AcceptTransfer(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "swarm_id": id})
}

// apiDeclineTransfer turns down an offered master role.
func (s *Server) apiDeclineTransfer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Swarms.DeclineTransfer(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "declined", "swarm_id": id})
}

// apiListPending lists join requests waiting for approval.
func (s *Server) apiListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Store.ListPendingJoins(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]pendingView, 0, len(pending))
	for _, p := range pending {
		views = append(views, pendingView{
			AgentID:     p.AgentID,
			Endpoint:    p.Endpoint,
			RequestedAt: envelope.FormatTime(p.RequestedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": views, "count": len(views)})
}

// apiApproveJoin admits a pending join request.
func (s *Server) apiApproveJoin(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	if err := s.deps.Swarms.Approve(r.Context(), r.PathValue("id"), agentID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved", "agent_id": agentID})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// decodeReason reads an optional {"reason": ...} body. An empty or absent
// body is fine.
func decodeReason(r *http.Request) string {
	var req reasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	return req.Reason
}

// apiRejectJoin refuses a pending join request.
func (s *Server) apiRejectJoin(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	if err := s.deps.Swarms.Reject(r.Context(), r.PathValue("id"), agentID, decodeReason(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "agent_id": agentID})
}

// apiMuteSwarm silences inbox inserts and wake triggers for a swarm.
func (s *Server) apiMuteSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Swarms.MuteSwarm(r.Context(), id, decodeReason(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "muted", "swarm_id": id})
}

func (s *Server) apiUnmuteSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Swarms.UnmuteSwarm(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unmuted", "swarm_id": id})
}

// apiMuteAgent silences one sender across every swarm.
func (s *Server) apiMuteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Swarms.MuteAgent(r.Context(), id, decodeReason(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "muted", "agent_id": id})
}

func (s *Server) apiUnmuteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Swarms.UnmuteAgent(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unmuted", "agent_id": id})
}

type muteView struct {
	ID        string `json:"id"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

// apiListMutes reports every active agent and swarm mute.
func (s *Server) apiListMutes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agents, err := s.deps.Store.ListMutedAgents(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	swarms, err := s.deps.Store.ListMutedSwarms(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": muteViews(agents),
		"swarms": muteViews(swarms),
	})
}

func muteViews(ms []store.Mute) []muteView {
	views := make([]muteView, 0, len(ms))
	for _, m := range ms {
		views = append(views, muteView{
			ID:        m.ID,
			Reason:    m.Reason,
			CreatedAt: envelope.FormatTime(m.CreatedAt),
		})
	}
	return views
}

// apiPurge runs a maintenance sweep immediately.
func (s *Server) apiPurge(w http.ResponseWriter, r *http.Request) {
	s.deps.Sweeper.Sweep(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}
