package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/crypto"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/token"
	"github.com/finml-sage/agent-swarm-protocol/internal/transport"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testLog() *logging.Logger {
	return logging.New("error", "text")
}

// node bundles a Service with the pieces tests assert against.
type node struct {
	svc *Service
	st  *store.Store
	id  *crypto.Identity
	clk *clock.Fake
	bus *events.Bus
}

func newNode(t *testing.T, agentID, endpoint string) *node {
	t.Helper()
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	id := &crypto.Identity{AgentID: agentID, Endpoint: endpoint, Private: priv, Public: pub}

	st, err := store.Open(filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(testStart)
	bus := events.New()
	log := testLog()
	cl := transport.NewClient(transport.Options{AgentID: agentID, Timeout: 5 * time.Second, Clock: clk, Log: log})
	dlv := transport.NewDeliverer(cl, st, bus, clk, log)
	svc := New(Options{
		Identity:  id,
		Store:     st,
		Client:    cl,
		Deliverer: dlv,
		Bus:       bus,
		Clock:     clk,
		Log:       log,
	})
	return &node{svc: svc, st: st, id: id, clk: clk, bus: bus}
}

// peerServer records every envelope POSTed to /swarm/message and accepts it.
type peerServer struct {
	srv *httptest.Server
	mu  sync.Mutex
	got []*envelope.Message
}

func newPeerServer(t *testing.T) *peerServer {
	t.Helper()
	p := &peerServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /swarm/message", func(w http.ResponseWriter, r *http.Request) {
		var m envelope.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.got = append(p.got, &m)
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"received"}`))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peerServer) messages() []*envelope.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*envelope.Message(nil), p.got...)
}

// refusingServer answers every request with a terminal 403.
func refusingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"NOT_AUTHORIZED","message":"go away"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newKey(t *testing.T) string {
	t.Helper()
	pub, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return crypto.EncodePublicKey(pub)
}

// seedSwarm installs a swarm mirror directly in a node's store.
func seedSwarm(t *testing.T, n *node, sw store.Swarm, members ...store.Member) {
	t.Helper()
	if err := n.st.CreateSwarm(context.Background(), sw, members...); err != nil {
		t.Fatalf("CreateSwarm: %v", err)
	}
}

func member(swarmID, agentID, endpoint, key string) store.Member {
	return store.Member{
		SwarmID:   swarmID,
		AgentID:   agentID,
		Endpoint:  endpoint,
		PublicKey: key,
		JoinedAt:  testStart,
	}
}

// buildJoinRequest signs a join request the way a joining node would.
func buildJoinRequest(t *testing.T, id *crypto.Identity, masterID, swarmID, tok string) *JoinRequest {
	t.Helper()
	content, err := envelope.EncodeSystemContent(envelope.SystemContent{
		Action:  envelope.ActionJoinRequest,
		SwarmID: swarmID,
		AgentID: id.AgentID,
	})
	if err != nil {
		t.Fatalf("EncodeSystemContent: %v", err)
	}
	m, err := envelope.NewBuilder(id.AgentID, id.Endpoint).
		To(masterID).
		InSwarm(swarmID).
		AsType(envelope.TypeSystem).
		Content(content).
		WithClock(func() time.Time { return testStart }).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := m.Sign(id.Private); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return &JoinRequest{Message: *m, InviteToken: tok, PublicKey: id.PublicKeyB64()}
}

// systemEnvelope builds an inbound system message as a peer would send it.
// ApplySystem trusts the caller's signature check, so it stays unsigned.
func systemEnvelope(t *testing.T, senderID, senderEndpoint, swarmID string, sc envelope.SystemContent, meta map[string]string) *envelope.Message {
	t.Helper()
	sc.SwarmID = swarmID
	content, err := envelope.EncodeSystemContent(sc)
	if err != nil {
		t.Fatalf("EncodeSystemContent: %v", err)
	}
	b := envelope.NewBuilder(senderID, senderEndpoint).
		To(envelope.Broadcast).
		InSwarm(swarmID).
		AsType(envelope.TypeSystem).
		Content(content).
		WithClock(func() time.Time { return testStart })
	for k, v := range meta {
		b.WithMetadata(k, v)
	}
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m
}

func sysAction(t *testing.T, m *envelope.Message) *envelope.SystemContent {
	t.Helper()
	sc, err := envelope.ParseSystemContent(m.Content)
	if err != nil {
		t.Fatalf("ParseSystemContent: %v", err)
	}
	return sc
}

func waitEvent(t *testing.T, ch <-chan events.Event, want events.EventType) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
		}
	}
}

func TestCreateSwarm(t *testing.T) {
	n := newNode(t, "agent-master", "https://master.example.com")
	ch, cancel := n.bus.Subscribe()
	defer cancel()

	sw, err := n.svc.Create(context.Background(), "research", true, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sw.Master != "agent-master" {
		t.Fatalf("master = %q, want agent-master", sw.Master)
	}
	if !sw.AllowMemberInvite {
		t.Fatal("AllowMemberInvite not carried")
	}

	got, err := n.st.GetSwarm(context.Background(), sw.SwarmID)
	if err != nil {
		t.Fatalf("GetSwarm: %v", err)
	}
	if got.Name != "research" {
		t.Fatalf("name = %q, want research", got.Name)
	}
	members, err := n.st.ListMembers(context.Background(), sw.SwarmID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 || members[0].AgentID != "agent-master" {
		t.Fatalf("members = %+v, want only the founder", members)
	}
	waitEvent(t, ch, events.EventSwarmCreated)
}

func TestInviteAndHandleJoin(t *testing.T) {
	master := newNode(t, "agent-master", "https://master.example.com")
	sw, err := master.svc.Create(context.Background(), "ops", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	iss, err := master.svc.Invite(context.Background(), sw.SwarmID, time.Hour, 5)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}

	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	joiner := &crypto.Identity{AgentID: "agent-joiner", Endpoint: "https://joiner.example.com", Private: priv, Public: pub}
	req := buildJoinRequest(t, joiner, "agent-master", sw.SwarmID, iss.JWT)

	resp, err := master.svc.HandleJoin(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	if resp.Status != JoinAccepted {
		t.Fatalf("status = %q, want accepted", resp.Status)
	}
	if len(resp.Members) != 2 {
		t.Fatalf("roster has %d members, want 2", len(resp.Members))
	}

	m, err := master.st.GetMember(context.Background(), sw.SwarmID, "agent-joiner")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if m.Endpoint != "https://joiner.example.com" || m.PublicKey != joiner.PublicKeyB64() {
		t.Fatalf("stored member = %+v", m)
	}

	tok, err := master.st.GetToken(context.Background(), iss.Hash)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Uses != 1 {
		t.Fatalf("token uses = %d, want 1", tok.Uses)
	}

	// A retry of the same join succeeds without a second charge.
	again, err := master.svc.HandleJoin(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleJoin retry: %v", err)
	}
	if again.Status != JoinAccepted {
		t.Fatalf("retry status = %q, want accepted", again.Status)
	}
	tok, err = master.st.GetToken(context.Background(), iss.Hash)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Uses != 1 {
		t.Fatalf("token uses after retry = %d, want 1", tok.Uses)
	}
}

func TestHandleJoinAnnouncesToMembers(t *testing.T) {
	peer := newPeerServer(t)
	master := newNode(t, "agent-master", "https://master.example.com")
	sw, err := master.svc.Create(context.Background(), "ops", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := master.st.UpsertMember(context.Background(),
		member(sw.SwarmID, "agent-old", peer.srv.URL, newKey(t))); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}
	iss, err := master.svc.Invite(context.Background(), sw.SwarmID, time.Hour, 0)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}

	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	joiner := &crypto.Identity{AgentID: "agent-new", Endpoint: "https://new.example.com", Private: priv, Public: pub}
	if _, err := master.svc.HandleJoin(context.Background(),
		buildJoinRequest(t, joiner, "agent-master", sw.SwarmID, iss.JWT)); err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}

	got := peer.messages()
	if len(got) != 1 {
		t.Fatalf("existing member received %d messages, want 1", len(got))
	}
	sc := sysAction(t, got[0])
	if sc.Action != envelope.ActionMemberJoined || sc.AgentID != "agent-new" {
		t.Fatalf("announcement = %+v", sc)
	}
	if ep, _ := got[0].Metadata["endpoint"].(string); ep != "https://new.example.com" {
		t.Fatalf("announcement endpoint = %q", ep)
	}
	if pk, _ := got[0].Metadata["public_key"].(string); pk != joiner.PublicKeyB64() {
		t.Fatalf("announcement public key = %q", pk)
	}
}

func TestHandleJoinApprovalFlow(t *testing.T) {
	master := newNode(t, "agent-master", "https://master.example.com")
	sw, err := master.svc.Create(context.Background(), "vetted", false, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	iss, err := master.svc.Invite(context.Background(), sw.SwarmID, time.Hour, 1)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}

	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	joiner := &crypto.Identity{AgentID: "agent-joiner", Endpoint: "https://joiner.example.com", Private: priv, Public: pub}
	req := buildJoinRequest(t, joiner, "agent-master", sw.SwarmID, iss.JWT)

	resp, err := master.svc.HandleJoin(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	if resp.Status != JoinPending {
		t.Fatalf("status = %q, want pending", resp.Status)
	}
	if _, err := master.st.GetPendingJoin(context.Background(), sw.SwarmID, "agent-joiner"); err != nil {
		t.Fatalf("GetPendingJoin: %v", err)
	}
	tok, err := master.st.GetToken(context.Background(), iss.Hash)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Uses != 0 {
		t.Fatalf("token spent while pending, uses = %d", tok.Uses)
	}

	if err := master.svc.Approve(context.Background(), sw.SwarmID, "agent-joiner"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := master.st.GetMember(context.Background(), sw.SwarmID, "agent-joiner"); err != nil {
		t.Fatalf("member missing after approval: %v", err)
	}
	if _, err := master.st.GetPendingJoin(context.Background(), sw.SwarmID, "agent-joiner"); !errors.Is(err, store.ErrPendingNotFound) {
		t.Fatalf("pending row still present, err = %v", err)
	}
	tok, err = master.st.GetToken(context.Background(), iss.Hash)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Uses != 1 {
		t.Fatalf("token uses after approval = %d, want 1", tok.Uses)
	}

	// The joiner completes by re-sending the same request.
	resp, err = master.svc.HandleJoin(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleJoin after approval: %v", err)
	}
	if resp.Status != JoinAccepted {
		t.Fatalf("status after approval = %q, want accepted", resp.Status)
	}
}

func TestRejectDropsPendingJoin(t *testing.T) {
	master := newNode(t, "agent-master", "https://master.example.com")
	sw, err := master.svc.Create(context.Background(), "vetted", false, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	iss, err := master.svc.Invite(context.Background(), sw.SwarmID, time.Hour, 1)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	joiner := &crypto.Identity{AgentID: "agent-joiner", Endpoint: "https://joiner.example.com", Private: priv, Public: pub}
	if _, err := master.svc.HandleJoin(context.Background(),
		buildJoinRequest(t, joiner, "agent-master", sw.SwarmID, iss.JWT)); err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}

	if err := master.svc.Reject(context.Background(), sw.SwarmID, "agent-joiner", "unknown agent"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := master.st.GetPendingJoin(context.Background(), sw.SwarmID, "agent-joiner"); !errors.Is(err, store.ErrPendingNotFound) {
		t.Fatalf("pending row survived rejection, err = %v", err)
	}
	if _, err := master.st.GetMember(context.Background(), sw.SwarmID, "agent-joiner"); !errors.Is(err, store.ErrMemberNotFound) {
		t.Fatalf("rejected agent became a member, err = %v", err)
	}
	tok, err := master.st.GetToken(context.Background(), iss.Hash)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Uses != 0 {
		t.Fatalf("rejection spent the token, uses = %d", tok.Uses)
	}
}

func TestHandleJoinTokenChecks(t *testing.T) {
	newJoiner := func(t *testing.T, agentID string) *crypto.Identity {
		t.Helper()
		pub, priv, err := crypto.GenerateKeypair()
		if err != nil {
			t.Fatalf("GenerateKeypair: %v", err)
		}
		return &crypto.Identity{AgentID: agentID, Endpoint: "https://" + agentID + ".example.com", Private: priv, Public: pub}
	}

	t.Run("exhausted", func(t *testing.T) {
		master := newNode(t, "agent-master", "https://master.example.com")
		sw, _ := master.svc.Create(context.Background(), "ops", false, false)
		iss, err := master.svc.Invite(context.Background(), sw.SwarmID, time.Hour, 1)
		if err != nil {
			t.Fatalf("Invite: %v", err)
		}
		if _, err := master.svc.HandleJoin(context.Background(),
			buildJoinRequest(t, newJoiner(t, "agent-one"), "agent-master", sw.SwarmID, iss.JWT)); err != nil {
			t.Fatalf("first join: %v", err)
		}
		_, err = master.svc.HandleJoin(context.Background(),
			buildJoinRequest(t, newJoiner(t, "agent-two"), "agent-master", sw.SwarmID, iss.JWT))
		if !errors.Is(err, token.ErrTokenExhausted) {
			t.Fatalf("err = %v, want ErrTokenExhausted", err)
		}
	})

	t.Run("revoked", func(t *testing.T) {
		master := newNode(t, "agent-master", "https://master.example.com")
		sw, _ := master.svc.Create(context.Background(), "ops", false, false)
		iss, err := master.svc.Invite(context.Background(), sw.SwarmID, time.Hour, 0)
		if err != nil {
			t.Fatalf("Invite: %v", err)
		}
		if err := master.svc.RevokeInvite(context.Background(), sw.SwarmID, iss.Hash); err != nil {
			t.Fatalf("RevokeInvite: %v", err)
		}
		_, err = master.svc.HandleJoin(context.Background(),
			buildJoinRequest(t, newJoiner(t, "agent-one"), "agent-master", sw.SwarmID, iss.JWT))
		if !errors.Is(err, token.ErrTokenRevoked) {
			t.Fatalf("err = %v, want ErrTokenRevoked", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		master := newNode(t, "agent-master", "https://master.example.com")
		sw, _ := master.svc.Create(context.Background(), "ops", false, false)
		iss, err := master.svc.Invite(context.Background(), sw.SwarmID, time.Second, 0)
		if err != nil {
			t.Fatalf("Invite: %v", err)
		}
		master.clk.Advance(2 * time.Minute)
		_, err = master.svc.HandleJoin(context.Background(),
			buildJoinRequest(t, newJoiner(t, "agent-late"), "agent-master", sw.SwarmID, iss.JWT))
		if !errors.Is(err, token.ErrTokenExpired) {
			t.Fatalf("err = %v, want ErrTokenExpired", err)
		}
	})

	t.Run("wrong swarm", func(t *testing.T) {
		master := newNode(t, "agent-master", "https://master.example.com")
		sw, _ := master.svc.Create(context.Background(), "ops", false, false)
		other, err := token.Generate("swarm-other", "agent-master", "https://master.example.com",
			master.id.Private, testStart, time.Hour, 0)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		_, err = master.svc.HandleJoin(context.Background(),
			buildJoinRequest(t, newJoiner(t, "agent-one"), "agent-master", sw.SwarmID, other.JWT))
		if !errors.Is(err, token.ErrTokenInvalid) {
			t.Fatalf("err = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("foreign signature", func(t *testing.T) {
		master := newNode(t, "agent-master", "https://master.example.com")
		sw, _ := master.svc.Create(context.Background(), "ops", false, false)
		_, stranger, err := crypto.GenerateKeypair()
		if err != nil {
			t.Fatalf("GenerateKeypair: %v", err)
		}
		forged, err := token.Generate(sw.SwarmID, "agent-master", "https://master.example.com",
			stranger, testStart, time.Hour, 0)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		_, err = master.svc.HandleJoin(context.Background(),
			buildJoinRequest(t, newJoiner(t, "agent-one"), "agent-master", sw.SwarmID, forged.JWT))
		if !errors.Is(err, token.ErrTokenInvalid) {
			t.Fatalf("err = %v, want ErrTokenInvalid", err)
		}
	})
}

func TestMemberIssuedInvite(t *testing.T) {
	master := newNode(t, "agent-master", "https://master.example.com")
	sw, err := master.svc.Create(context.Background(), "open", true, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A member node with its own keys and its own mirror of the swarm.
	inviter := newNode(t, "agent-inviter", "https://inviter.example.com")
	seedSwarm(t, inviter, store.Swarm{
		SwarmID:           sw.SwarmID,
		Name:              sw.Name,
		Master:            "agent-master",
		CreatedAt:         testStart,
		JoinedAt:          testStart,
		AllowMemberInvite: true,
	},
		member(sw.SwarmID, "agent-master", "https://master.example.com", master.id.PublicKeyB64()),
		member(sw.SwarmID, "agent-inviter", "https://inviter.example.com", inviter.id.PublicKeyB64()),
	)
	if err := master.st.UpsertMember(context.Background(),
		member(sw.SwarmID, "agent-inviter", "https://inviter.example.com", inviter.id.PublicKeyB64())); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}

	iss, err := inviter.svc.Invite(context.Background(), sw.SwarmID, time.Hour, 0)
	if err != nil {
		t.Fatalf("member Invite: %v", err)
	}
	claims, err := token.Decode(iss.JWT)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claims.Master != "agent-master" {
		t.Fatalf("claims.Master = %q, want the real master", claims.Master)
	}
	if claims.Endpoint != "https://master.example.com" {
		t.Fatalf("claims.Endpoint = %q, want the master's endpoint", claims.Endpoint)
	}

	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	joiner := &crypto.Identity{AgentID: "agent-new", Endpoint: "https://new.example.com", Private: priv, Public: pub}
	resp, err := master.svc.HandleJoin(context.Background(),
		buildJoinRequest(t, joiner, "agent-master", sw.SwarmID, iss.JWT))
	if err != nil {
		t.Fatalf("HandleJoin with member invite: %v", err)
	}
	if resp.Status != JoinAccepted {
		t.Fatalf("status = %q, want accepted", resp.Status)
	}
	// Member-issued tokens carry no metering row on the master.
	if _, err := master.st.GetToken(context.Background(), iss.Hash); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("unexpected metering row, err = %v", err)
	}
}

func TestMemberInviteDisabled(t *testing.T) {
	n := newNode(t, "agent-member", "https://member.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-closed",
		Name:      "closed",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-closed", "agent-master", "https://master.example.com", newKey(t)),
		member("swarm-closed", "agent-member", "https://member.example.com", n.id.PublicKeyB64()),
	)
	if _, err := n.svc.Invite(context.Background(), "swarm-closed", time.Hour, 0); !errors.Is(err, ErrInvitesDisabled) {
		t.Fatalf("err = %v, want ErrInvitesDisabled", err)
	}
}

func TestJoinRemote(t *testing.T) {
	var master *node
	mux := http.NewServeMux()
	mux.HandleFunc("POST /swarm/join", func(w http.ResponseWriter, r *http.Request) {
		var req JoinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		resp, err := master.svc.HandleJoin(r.Context(), &req)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "NOT_AUTHORIZED", "message": err.Error()},
			})
			return
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	master = newNode(t, "agent-master", srv.URL)
	sw, err := master.svc.Create(context.Background(), "remote", false, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	iss, err := master.svc.Invite(context.Background(), sw.SwarmID, time.Hour, 1)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}

	joiner := newNode(t, "agent-joiner", "https://joiner.example.com")
	ch, cancel := joiner.bus.Subscribe()
	defer cancel()

	resp, err := joiner.svc.JoinRemote(context.Background(), iss.URL)
	if err != nil {
		t.Fatalf("JoinRemote: %v", err)
	}
	if resp.Status != JoinAccepted {
		t.Fatalf("status = %q, want accepted", resp.Status)
	}

	mirror, err := joiner.st.GetSwarm(context.Background(), sw.SwarmID)
	if err != nil {
		t.Fatalf("joiner GetSwarm: %v", err)
	}
	if mirror.Master != "agent-master" || mirror.Name != "remote" {
		t.Fatalf("mirror = %+v", mirror)
	}
	members, err := joiner.st.ListMembers(context.Background(), sw.SwarmID)
	if err != nil {
		t.Fatalf("joiner ListMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("joiner mirrors %d members, want 2", len(members))
	}
	if _, err := master.st.GetMember(context.Background(), sw.SwarmID, "agent-joiner"); err != nil {
		t.Fatalf("master missing the joiner: %v", err)
	}
	waitEvent(t, ch, events.EventSwarmJoined)
}

func TestJoinRemotePending(t *testing.T) {
	var master *node
	mux := http.NewServeMux()
	mux.HandleFunc("POST /swarm/join", func(w http.ResponseWriter, r *http.Request) {
		var req JoinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		resp, err := master.svc.HandleJoin(r.Context(), &req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	master = newNode(t, "agent-master", srv.URL)
	sw, err := master.svc.Create(context.Background(), "vetted", false, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	iss, err := master.svc.Invite(context.Background(), sw.SwarmID, time.Hour, 1)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}

	joiner := newNode(t, "agent-joiner", "https://joiner.example.com")
	resp, err := joiner.svc.JoinRemote(context.Background(), iss.URL)
	if err != nil {
		t.Fatalf("JoinRemote: %v", err)
	}
	if resp.Status != JoinPending {
		t.Fatalf("status = %q, want pending", resp.Status)
	}
	if _, err := joiner.st.GetSwarm(context.Background(), sw.SwarmID); !errors.Is(err, store.ErrSwarmNotFound) {
		t.Fatalf("pending join mirrored the swarm, err = %v", err)
	}
}

func TestLeaveMemberAnnounces(t *testing.T) {
	peer := newPeerServer(t)
	n := newNode(t, "agent-member", "https://member.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", peer.srv.URL, newKey(t)),
		member("swarm-1", "agent-member", "https://member.example.com", n.id.PublicKeyB64()),
	)

	if err := n.svc.Leave(context.Background(), "swarm-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	got := peer.messages()
	if len(got) != 1 {
		t.Fatalf("master received %d messages, want 1", len(got))
	}
	sc := sysAction(t, got[0])
	if sc.Action != envelope.ActionMemberLeft || sc.AgentID != "agent-member" {
		t.Fatalf("announcement = %+v", sc)
	}
	if _, err := n.st.GetSwarm(context.Background(), "swarm-1"); !errors.Is(err, store.ErrSwarmNotFound) {
		t.Fatalf("local mirror survived leave, err = %v", err)
	}
}

func TestLeaveMasterDissolves(t *testing.T) {
	peer := newPeerServer(t)
	n := newNode(t, "agent-master", "https://master.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", "https://master.example.com", n.id.PublicKeyB64()),
		member("swarm-1", "agent-member", peer.srv.URL, newKey(t)),
	)

	if err := n.svc.Leave(context.Background(), "swarm-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	got := peer.messages()
	if len(got) != 1 {
		t.Fatalf("member received %d messages, want 1", len(got))
	}
	if sc := sysAction(t, got[0]); sc.Action != envelope.ActionSwarmDissolved {
		t.Fatalf("announcement = %+v", sc)
	}
	if _, err := n.st.GetSwarm(context.Background(), "swarm-1"); !errors.Is(err, store.ErrSwarmNotFound) {
		t.Fatalf("dissolved swarm survived locally, err = %v", err)
	}
}

func TestKick(t *testing.T) {
	target := newPeerServer(t)
	other := newPeerServer(t)
	n := newNode(t, "agent-master", "https://master.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", "https://master.example.com", n.id.PublicKeyB64()),
		member("swarm-1", "agent-target", target.srv.URL, newKey(t)),
		member("swarm-1", "agent-other", other.srv.URL, newKey(t)),
	)
	ch, cancel := n.bus.Subscribe()
	defer cancel()

	if err := n.svc.Kick(context.Background(), "swarm-1", "agent-target", "flooding"); err != nil {
		t.Fatalf("Kick: %v", err)
	}

	gotTarget := target.messages()
	if len(gotTarget) != 1 {
		t.Fatalf("target received %d messages, want 1", len(gotTarget))
	}
	if sc := sysAction(t, gotTarget[0]); sc.Action != envelope.ActionKicked || sc.Reason != "flooding" {
		t.Fatalf("directed notice = %+v", sc)
	}
	if gotTarget[0].Recipient != "agent-target" {
		t.Fatalf("directed notice recipient = %q", gotTarget[0].Recipient)
	}

	gotOther := other.messages()
	if len(gotOther) != 1 {
		t.Fatalf("bystander received %d messages, want 1", len(gotOther))
	}
	if sc := sysAction(t, gotOther[0]); sc.Action != envelope.ActionMemberKicked || sc.AgentID != "agent-target" {
		t.Fatalf("broadcast notice = %+v", sc)
	}

	if _, err := n.st.GetMember(context.Background(), "swarm-1", "agent-target"); !errors.Is(err, store.ErrMemberNotFound) {
		t.Fatalf("kicked member still present, err = %v", err)
	}
	waitEvent(t, ch, events.EventMemberKicked)
}

func TestKickSurvivesDeadTarget(t *testing.T) {
	dead := refusingServer(t)
	n := newNode(t, "agent-master", "https://master.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", "https://master.example.com", n.id.PublicKeyB64()),
		member("swarm-1", "agent-target", dead.URL, newKey(t)),
	)

	if err := n.svc.Kick(context.Background(), "swarm-1", "agent-target", "gone"); err != nil {
		t.Fatalf("Kick with unreachable target: %v", err)
	}
	if _, err := n.st.GetMember(context.Background(), "swarm-1", "agent-target"); !errors.Is(err, store.ErrMemberNotFound) {
		t.Fatalf("member survived kick, err = %v", err)
	}
}

func TestKickAuthority(t *testing.T) {
	n := newNode(t, "agent-member", "https://member.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", "https://master.example.com", newKey(t)),
		member("swarm-1", "agent-member", "https://member.example.com", n.id.PublicKeyB64()),
	)
	if err := n.svc.Kick(context.Background(), "swarm-1", "agent-master", "coup"); !errors.Is(err, ErrNotMaster) {
		t.Fatalf("err = %v, want ErrNotMaster", err)
	}
}

func TestApplySystemRosterChanges(t *testing.T) {
	n := newNode(t, "agent-self", "https://self.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", "https://master.example.com", newKey(t)),
		member("swarm-1", "agent-self", "https://self.example.com", n.id.PublicKeyB64()),
		member("swarm-1", "agent-colleague", "https://colleague.example.com", newKey(t)),
	)

	joinKey := newKey(t)
	m := systemEnvelope(t, "agent-master", "https://master.example.com", "swarm-1",
		envelope.SystemContent{Action: envelope.ActionMemberJoined, AgentID: "agent-fresh"},
		map[string]string{"endpoint": "https://fresh.example.com", "public_key": joinKey})
	if err := n.svc.ApplySystem(context.Background(), m); err != nil {
		t.Fatalf("ApplySystem member_joined: %v", err)
	}
	fresh, err := n.st.GetMember(context.Background(), "swarm-1", "agent-fresh")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if fresh.Endpoint != "https://fresh.example.com" || fresh.PublicKey != joinKey {
		t.Fatalf("mirrored member = %+v", fresh)
	}

	m = systemEnvelope(t, "agent-colleague", "https://colleague.example.com", "swarm-1",
		envelope.SystemContent{Action: envelope.ActionMemberLeft, AgentID: "agent-colleague"}, nil)
	if err := n.svc.ApplySystem(context.Background(), m); err != nil {
		t.Fatalf("ApplySystem member_left: %v", err)
	}
	if _, err := n.st.GetMember(context.Background(), "swarm-1", "agent-colleague"); !errors.Is(err, store.ErrMemberNotFound) {
		t.Fatalf("departed member still mirrored, err = %v", err)
	}

	m = systemEnvelope(t, "agent-master", "https://master.example.com", "swarm-1",
		envelope.SystemContent{Action: envelope.ActionMemberKicked, AgentID: "agent-fresh"}, nil)
	if err := n.svc.ApplySystem(context.Background(), m); err != nil {
		t.Fatalf("ApplySystem member_kicked: %v", err)
	}
	if _, err := n.st.GetMember(context.Background(), "swarm-1", "agent-fresh"); !errors.Is(err, store.ErrMemberNotFound) {
		t.Fatalf("kicked member still mirrored, err = %v", err)
	}
}

func TestApplySystemAuthority(t *testing.T) {
	n := newNode(t, "agent-self", "https://self.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", "https://master.example.com", newKey(t)),
		member("swarm-1", "agent-self", "https://self.example.com", n.id.PublicKeyB64()),
		member("swarm-1", "agent-impostor", "https://impostor.example.com", newKey(t)),
	)

	// Roster mutations from anyone but the master are refused.
	m := systemEnvelope(t, "agent-impostor", "https://impostor.example.com", "swarm-1",
		envelope.SystemContent{Action: envelope.ActionMemberKicked, AgentID: "agent-self"}, nil)
	if err := n.svc.ApplySystem(context.Background(), m); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}

	// member_left speaks only for the sender itself.
	m = systemEnvelope(t, "agent-impostor", "https://impostor.example.com", "swarm-1",
		envelope.SystemContent{Action: envelope.ActionMemberLeft, AgentID: "agent-master"}, nil)
	if err := n.svc.ApplySystem(context.Background(), m); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}

	m = systemEnvelope(t, "agent-impostor", "https://impostor.example.com", "swarm-1",
		envelope.SystemContent{Action: envelope.ActionSwarmDissolved}, nil)
	if err := n.svc.ApplySystem(context.Background(), m); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
	if _, err := n.st.GetSwarm(context.Background(), "swarm-1"); err != nil {
		t.Fatalf("swarm dropped on unauthorized dissolve: %v", err)
	}
}

func TestApplySystemKickedAndDissolved(t *testing.T) {
	t.Run("kicked", func(t *testing.T) {
		n := newNode(t, "agent-self", "https://self.example.com")
		seedSwarm(t, n, store.Swarm{
			SwarmID:   "swarm-1",
			Name:      "ops",
			Master:    "agent-master",
			CreatedAt: testStart,
			JoinedAt:  testStart,
		},
			member("swarm-1", "agent-master", "https://master.example.com", newKey(t)),
			member("swarm-1", "agent-self", "https://self.example.com", n.id.PublicKeyB64()),
		)
		m := systemEnvelope(t, "agent-master", "https://master.example.com", "swarm-1",
			envelope.SystemContent{Action: envelope.ActionKicked, AgentID: "agent-self", Reason: "bye"}, nil)
		if err := n.svc.ApplySystem(context.Background(), m); err != nil {
			t.Fatalf("ApplySystem kicked: %v", err)
		}
		if _, err := n.st.GetSwarm(context.Background(), "swarm-1"); !errors.Is(err, store.ErrSwarmNotFound) {
			t.Fatalf("kicked node kept the swarm, err = %v", err)
		}
	})

	t.Run("dissolved", func(t *testing.T) {
		n := newNode(t, "agent-self", "https://self.example.com")
		seedSwarm(t, n, store.Swarm{
			SwarmID:   "swarm-1",
			Name:      "ops",
			Master:    "agent-master",
			CreatedAt: testStart,
			JoinedAt:  testStart,
		},
			member("swarm-1", "agent-master", "https://master.example.com", newKey(t)),
			member("swarm-1", "agent-self", "https://self.example.com", n.id.PublicKeyB64()),
		)
		m := systemEnvelope(t, "agent-master", "https://master.example.com", "swarm-1",
			envelope.SystemContent{Action: envelope.ActionSwarmDissolved, Reason: "done"}, nil)
		if err := n.svc.ApplySystem(context.Background(), m); err != nil {
			t.Fatalf("ApplySystem swarm_dissolved: %v", err)
		}
		if _, err := n.st.GetSwarm(context.Background(), "swarm-1"); !errors.Is(err, store.ErrSwarmNotFound) {
			t.Fatalf("dissolved swarm survived, err = %v", err)
		}
	})
}

func TestMasterTransferFlow(t *testing.T) {
	targetPeer := newPeerServer(t)
	bystander := newPeerServer(t)

	master := newNode(t, "agent-master", "https://master.example.com")
	seedSwarm(t, master, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", "https://master.example.com", master.id.PublicKeyB64()),
		member("swarm-1", "agent-target", targetPeer.srv.URL, newKey(t)),
		member("swarm-1", "agent-other", bystander.srv.URL, newKey(t)),
	)

	if err := master.svc.Transfer(context.Background(), "swarm-1", "agent-target"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	offered := targetPeer.messages()
	if len(offered) != 1 {
		t.Fatalf("target received %d messages, want 1", len(offered))
	}
	if sc := sysAction(t, offered[0]); sc.Action != envelope.ActionMasterTransfer {
		t.Fatalf("offer = %+v", sc)
	}

	// The target records the offer and answers with an accept.
	target := newNode(t, "agent-target", "https://target.example.com")
	masterPeer := newPeerServer(t)
	seedSwarm(t, target, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", masterPeer.srv.URL, master.id.PublicKeyB64()),
		member("swarm-1", "agent-target", "https://target.example.com", target.id.PublicKeyB64()),
	)
	if err := target.svc.ApplySystem(context.Background(), offered[0]); err != nil {
		t.Fatalf("ApplySystem offer: %v", err)
	}
	if from, ok := target.svc.TransferOffer("swarm-1"); !ok || from != "agent-master" {
		t.Fatalf("TransferOffer = %q, %v", from, ok)
	}
	if err := target.svc.AcceptTransfer(context.Background(), "swarm-1"); err != nil {
		t.Fatalf("AcceptTransfer: %v", err)
	}
	if err := target.svc.AcceptTransfer(context.Background(), "swarm-1"); !errors.Is(err, ErrNoTransferOffer) {
		t.Fatalf("second accept err = %v, want ErrNoTransferOffer", err)
	}
	accepts := masterPeer.messages()
	if len(accepts) != 1 {
		t.Fatalf("master received %d answers, want 1", len(accepts))
	}
	if sc := sysAction(t, accepts[0]); sc.Action != envelope.ActionMasterTransferAck {
		t.Fatalf("answer = %+v", sc)
	}

	// The accept reaches the old master, which hands over and announces.
	ch, cancel := master.bus.Subscribe()
	defer cancel()
	if err := master.svc.ApplySystem(context.Background(), accepts[0]); err != nil {
		t.Fatalf("ApplySystem accept: %v", err)
	}
	sw, err := master.st.GetSwarm(context.Background(), "swarm-1")
	if err != nil {
		t.Fatalf("GetSwarm: %v", err)
	}
	if sw.Master != "agent-target" {
		t.Fatalf("master = %q, want agent-target", sw.Master)
	}
	waitEvent(t, ch, events.EventMasterChanged)

	var changed int
	for _, m := range bystander.messages() {
		if sysAction(t, m).Action == envelope.ActionMasterChanged {
			changed++
		}
	}
	if changed != 1 {
		t.Fatalf("bystander saw %d master_changed announcements, want 1", changed)
	}
}

func TestMasterTransferDeclined(t *testing.T) {
	peer := newPeerServer(t)
	master := newNode(t, "agent-master", "https://master.example.com")
	seedSwarm(t, master, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", "https://master.example.com", master.id.PublicKeyB64()),
		member("swarm-1", "agent-target", peer.srv.URL, newKey(t)),
	)
	if err := master.svc.Transfer(context.Background(), "swarm-1", "agent-target"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	decline := systemEnvelope(t, "agent-target", peer.srv.URL, "swarm-1",
		envelope.SystemContent{Action: envelope.ActionMasterTransferNack, AgentID: "agent-target"}, nil)
	if err := master.svc.ApplySystem(context.Background(), decline); !errors.Is(err, ErrTransferDeclined) {
		t.Fatalf("err = %v, want ErrTransferDeclined", err)
	}
	sw, err := master.st.GetSwarm(context.Background(), "swarm-1")
	if err != nil {
		t.Fatalf("GetSwarm: %v", err)
	}
	if sw.Master != "agent-master" {
		t.Fatalf("master = %q, want unchanged", sw.Master)
	}

	// A stale answer after the offer was consumed is refused.
	if err := master.svc.ApplySystem(context.Background(), decline); !errors.Is(err, ErrNoTransferOffer) {
		t.Fatalf("stale decline err = %v, want ErrNoTransferOffer", err)
	}
}

func TestApplySystemMasterChanged(t *testing.T) {
	n := newNode(t, "agent-self", "https://self.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", "https://master.example.com", newKey(t)),
		member("swarm-1", "agent-self", "https://self.example.com", n.id.PublicKeyB64()),
		member("swarm-1", "agent-next", "https://next.example.com", newKey(t)),
	)

	m := systemEnvelope(t, "agent-master", "https://master.example.com", "swarm-1",
		envelope.SystemContent{Action: envelope.ActionMasterChanged, AgentID: "agent-next"}, nil)
	if err := n.svc.ApplySystem(context.Background(), m); err != nil {
		t.Fatalf("ApplySystem master_changed: %v", err)
	}
	sw, err := n.st.GetSwarm(context.Background(), "swarm-1")
	if err != nil {
		t.Fatalf("GetSwarm: %v", err)
	}
	if sw.Master != "agent-next" {
		t.Fatalf("master = %q, want agent-next", sw.Master)
	}

	// Announcements from the deposed master no longer carry authority.
	m = systemEnvelope(t, "agent-master", "https://master.example.com", "swarm-1",
		envelope.SystemContent{Action: envelope.ActionSwarmDissolved}, nil)
	if err := n.svc.ApplySystem(context.Background(), m); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestSendDirectedAndBroadcast(t *testing.T) {
	peer := newPeerServer(t)
	n := newNode(t, "agent-self", "https://self.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-self",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-self", "https://self.example.com", n.id.PublicKeyB64()),
		member("swarm-1", "agent-peer", peer.srv.URL, newKey(t)),
	)

	sent, err := n.svc.Send(context.Background(), "swarm-1", "agent-peer", "status?", SendOptions{Priority: "high"})
	if err != nil {
		t.Fatalf("Send directed: %v", err)
	}
	if sent.Signature == "" {
		t.Fatal("sent message is unsigned")
	}

	if _, err := n.svc.Send(context.Background(), "swarm-1", envelope.Broadcast, "all hands", SendOptions{}); err != nil {
		t.Fatalf("Send broadcast: %v", err)
	}

	got := peer.messages()
	if len(got) != 2 {
		t.Fatalf("peer received %d messages, want 2", len(got))
	}
	if got[0].Recipient != "agent-peer" || got[0].Content != "status?" || got[0].Priority != "high" {
		t.Fatalf("directed = %+v", got[0])
	}
	if got[1].Recipient != envelope.Broadcast || got[1].Content != "all hands" {
		t.Fatalf("broadcast = %+v", got[1])
	}

	out, err := n.st.GetOutbox(context.Background(), sent.MessageID)
	if err != nil {
		t.Fatalf("GetOutbox: %v", err)
	}
	if out.Status != store.OutboxDelivered {
		t.Fatalf("outbox status = %q, want delivered", out.Status)
	}
}

func TestSendRequiresMembership(t *testing.T) {
	n := newNode(t, "agent-outsider", "https://outsider.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-master",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-master", "https://master.example.com", newKey(t)),
	)
	if _, err := n.svc.Send(context.Background(), "swarm-1", envelope.Broadcast, "hi", SendOptions{}); !errors.Is(err, ErrNotMember) {
		t.Fatalf("err = %v, want ErrNotMember", err)
	}
}

func TestMuteRoundTrip(t *testing.T) {
	n := newNode(t, "agent-self", "https://self.example.com")
	seedSwarm(t, n, store.Swarm{
		SwarmID:   "swarm-1",
		Name:      "ops",
		Master:    "agent-self",
		CreatedAt: testStart,
		JoinedAt:  testStart,
	},
		member("swarm-1", "agent-self", "https://self.example.com", n.id.PublicKeyB64()),
	)

	if err := n.svc.MuteSwarm(context.Background(), "swarm-1", "noisy"); err != nil {
		t.Fatalf("MuteSwarm: %v", err)
	}
	muted, err := n.st.IsSwarmMuted(context.Background(), "swarm-1")
	if err != nil {
		t.Fatalf("IsSwarmMuted: %v", err)
	}
	if !muted {
		t.Fatal("swarm not muted")
	}
	if err := n.svc.UnmuteSwarm(context.Background(), "swarm-1"); err != nil {
		t.Fatalf("UnmuteSwarm: %v", err)
	}
	muted, err = n.st.IsSwarmMuted(context.Background(), "swarm-1")
	if err != nil {
		t.Fatalf("IsSwarmMuted: %v", err)
	}
	if muted {
		t.Fatal("swarm still muted")
	}

	if err := n.svc.MuteAgent(context.Background(), "agent-spammer", "spam"); err != nil {
		t.Fatalf("MuteAgent: %v", err)
	}
	muted, err = n.st.IsAgentMuted(context.Background(), "agent-spammer")
	if err != nil {
		t.Fatalf("IsAgentMuted: %v", err)
	}
	if !muted {
		t.Fatal("agent not muted")
	}
}
