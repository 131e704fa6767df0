package web

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/config"
	"github.com/finml-sage/agent-swarm-protocol/internal/crypto"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/invoke"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/session"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/swarm"
	"github.com/finml-sage/agent-swarm-protocol/internal/transport"
	"github.com/finml-sage/agent-swarm-protocol/internal/wake"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const testWakeSecret = "wake-secret-1"

func testLog() *logging.Logger { return logging.New("error", "text") }

// fakeKeys serves verification keys from memory. Forget promotes a staged
// rotated key, mimicking a cache drop followed by a fresh fetch.
type fakeKeys struct {
	mu      sync.Mutex
	keys    map[string]ed25519.PublicKey
	rotated map[string]ed25519.PublicKey
	forgot  []string
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{
		keys:    make(map[string]ed25519.PublicKey),
		rotated: make(map[string]ed25519.PublicKey),
	}
}

func (f *fakeKeys) Resolve(_ context.Context, agentID, _ string) (ed25519.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[agentID]; ok {
		return k, nil
	}
	return nil, errors.New("no key on file")
}

func (f *fakeKeys) Forget(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, agentID)
	delete(f.keys, agentID)
	if k, ok := f.rotated[agentID]; ok {
		f.keys[agentID] = k
		delete(f.rotated, agentID)
	}
	return nil
}

func (f *fakeKeys) set(agentID string, k ed25519.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[agentID] = k
}

func (f *fakeKeys) stageRotation(agentID string, k ed25519.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated[agentID] = k
}

func (f *fakeKeys) forgotten() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forgot...)
}

// fakeWaker records every message handed to wake evaluation.
type fakeWaker struct {
	decision wake.Decision
	ch       chan *envelope.Message
}

func newFakeWaker() *fakeWaker {
	return &fakeWaker{decision: wake.DecisionQueue, ch: make(chan *envelope.Message, 8)}
}

func (f *fakeWaker) Process(_ context.Context, m *envelope.Message) wake.Decision {
	f.ch <- m
	return f.decision
}

// wait blocks until the wake trigger has seen a message.
func (f *fakeWaker) wait(t *testing.T) *envelope.Message {
	t.Helper()
	select {
	case m := <-f.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("wake trigger never saw the message")
		return nil
	}
}

// quiet asserts no message reached the wake trigger.
func (f *fakeWaker) quiet(t *testing.T) {
	t.Helper()
	select {
	case m := <-f.ch:
		t.Fatalf("wake trigger saw %s, want none", m.MessageID)
	default:
	}
}

// fakeSweeper counts on-demand maintenance sweeps.
type fakeSweeper struct {
	mu sync.Mutex
	n  int
}

func (f *fakeSweeper) Sweep(context.Context) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// failingInvoker errors immediately on every invocation.
type failingInvoker struct{}

func (failingInvoker) Name() string { return "failing" }

func (failingInvoker) Invoke(context.Context, invoke.Payload) error {
	return errors.New("tmux pane vanished")
}

// testNode is a Server wired against a real store and swarm service, with
// fakes at the network edges.
type testNode struct {
	t      *testing.T
	srv    *Server
	st     *store.Store
	swarms *swarm.Service
	id     *crypto.Identity
	clk    *clock.Fake
	keys   *fakeKeys
	waker  *fakeWaker
	sweep  *fakeSweeper
	bus    *events.Bus
	cfg    *config.Config
}

type nodeOpts struct {
	cfg     func(*config.Config)
	invoker invoke.Invoker
}

func newTestNode(t *testing.T) *testNode { return newTestNodeOpts(t, nodeOpts{}) }

func newTestNodeOpts(t *testing.T, o nodeOpts) *testNode {
	t.Helper()
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	id := &crypto.Identity{AgentID: "self-node", Endpoint: "https://self.example.com", Private: priv, Public: pub}

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "node.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(testStart)
	bus := events.New()
	log := testLog()
	cl := transport.NewClient(transport.Options{AgentID: id.AgentID, Timeout: 5 * time.Second, Clock: clk, Log: log})
	dlv := transport.NewDeliverer(cl, st, bus, clk, log)
	swarms := swarm.New(swarm.Options{
		Identity:  id,
		Store:     st,
		Client:    cl,
		Deliverer: dlv,
		Bus:       bus,
		Clock:     clk,
		Log:       log,
	})

	cfg := &config.Config{
		AgentID:             id.AgentID,
		Endpoint:            id.Endpoint,
		ListenAddr:          "127.0.0.1:0",
		RequestTimeout:      5 * time.Second,
		RateMsgPerMin:       60,
		RateJoinPerHour:     10,
		SessionTimeout:      30 * time.Minute,
		WakeSecret:          testWakeSecret,
		WakeEndpointEnabled: true,
		InvokerMethod:       config.InvokerNoop,
	}
	if o.cfg != nil {
		o.cfg(cfg)
	}

	inv := o.invoker
	if inv == nil {
		inv = invoke.NewNoop(log)
	}

	keys := newFakeKeys()
	waker := newFakeWaker()
	sweep := &fakeSweeper{}
	sess := session.NewManager(filepath.Join(dir, "session.json"), cfg.SessionTimeout, clk, log)

	srv := NewServer(Dependencies{
		Identity: id,
		Config:   cfg,
		Store:    st,
		Swarms:   swarms,
		Keys:     keys,
		Wake:     waker,
		Invoker:  inv,
		Sessions: sess,
		Sweeper:  sweep,
		Bus:      bus,
		Clock:    clk,
		Log:      log,
	})
	return &testNode{
		t: t, srv: srv, st: st, swarms: swarms, id: id,
		clk: clk, keys: keys, waker: waker, sweep: sweep, bus: bus, cfg: cfg,
	}
}

// do runs one request through the full handler chain.
func (n *testNode) do(method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	n.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			n.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	n.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (n *testNode) decode(rec *httptest.ResponseRecorder, v any) {
	n.t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		n.t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// errorCode extracts the protocol code from an error envelope.
func (n *testNode) errorCode(rec *httptest.ResponseRecorder) string {
	n.t.Helper()
	var env errorEnvelope
	n.decode(rec, &env)
	return env.Error.Code
}

func peerHeaders(agentID string) map[string]string {
	return map[string]string{
		transport.HeaderAgentID:  agentID,
		transport.HeaderProtocol: envelope.ProtocolVersion,
	}
}

func wakeHeaders() map[string]string {
	return map[string]string{headerWakeSecret: testWakeSecret}
}

// peer is a remote agent identity used to sign inbound traffic.
type peer struct {
	id *crypto.Identity
}

func newPeer(t *testing.T, agentID string) *peer {
	t.Helper()
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return &peer{id: &crypto.Identity{
		AgentID:  agentID,
		Endpoint: "https://" + agentID + ".example.com",
		Private:  priv,
		Public:   pub,
	}}
}

// message builds a signed chat envelope from this peer.
func (p *peer) message(t *testing.T, clk clock.Clock, swarmID, recipient, content string) *envelope.Message {
	t.Helper()
	m, err := envelope.NewBuilder(p.id.AgentID, p.id.Endpoint).
		InSwarm(swarmID).
		To(recipient).
		Content(content).
		WithClock(clk.Now).
		Build()
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := m.Sign(p.id.Private); err != nil {
		t.Fatalf("sign envelope: %v", err)
	}
	return m
}

// systemMessage builds a signed system envelope from this peer.
func (p *peer) systemMessage(t *testing.T, clk clock.Clock, swarmID string, sc envelope.SystemContent, meta map[string]any) *envelope.Message {
	t.Helper()
	content, err := envelope.EncodeSystemContent(sc)
	if err != nil {
		t.Fatalf("encode system content: %v", err)
	}
	b := envelope.NewBuilder(p.id.AgentID, p.id.Endpoint).
		InSwarm(swarmID).
		To(envelope.Broadcast).
		AsType(envelope.TypeSystem).
		Content(content).
		WithClock(clk.Now)
	for k, v := range meta {
		b.WithMetadata(k, v)
	}
	m, err := b.Build()
	if err != nil {
		t.Fatalf("build system envelope: %v", err)
	}
	if err := m.Sign(p.id.Private); err != nil {
		t.Fatalf("sign system envelope: %v", err)
	}
	return m
}

// memberSwarm seeds a swarm mastered by the given peer with this node as
// a plain member, mirroring the state after a completed join.
func (n *testNode) memberSwarm(master *peer) string {
	n.t.Helper()
	ctx := context.Background()
	swarmID := envelope.NewID()
	sw := store.Swarm{
		SwarmID:   swarmID,
		Name:      "test-swarm",
		Master:    master.id.AgentID,
		CreatedAt: n.clk.Now(),
		JoinedAt:  n.clk.Now(),
	}
	members := []store.Member{
		{
			SwarmID:   swarmID,
			AgentID:   master.id.AgentID,
			Endpoint:  master.id.Endpoint,
			PublicKey: master.id.PublicKeyB64(),
			JoinedAt:  n.clk.Now(),
		},
		{
			SwarmID:   swarmID,
			AgentID:   n.id.AgentID,
			Endpoint:  n.id.Endpoint,
			PublicKey: n.id.PublicKeyB64(),
			JoinedAt:  n.clk.Now(),
		},
	}
	if err := n.st.CreateSwarm(ctx, sw, members...); err != nil {
		n.t.Fatalf("CreateSwarm: %v", err)
	}
	return swarmID
}
