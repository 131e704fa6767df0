// Package swarm implements membership: creating swarms, issuing invites,
// joining, leaving, kicking, master transfer, mutes, and the system
// messages that keep every member's mirror of the swarm converged.
//
// Swarm state is symmetric by replication: each member stores the full
// membership locally and folds inbound lifecycle messages into it. Only
// the master may mutate membership; other nodes mirror what the master
// announces.
package swarm

import (
	"context"
	"errors"
	"sync"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
	"github.com/finml-sage/agent-swarm-protocol/internal/crypto"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/events"
	"github.com/finml-sage/agent-swarm-protocol/internal/logging"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/transport"
)

var (
	// ErrNotMaster reports an operation reserved for the swarm master.
	ErrNotMaster = errors.New("swarm: operation requires master authority")
	// ErrNotMember reports a sender or target outside the swarm.
	ErrNotMember = errors.New("swarm: agent is not a member")
	// ErrNotAuthorized reports an operation the caller may not perform.
	ErrNotAuthorized = errors.New("swarm: not authorized")
	// ErrInvitesDisabled reports a member invite on a swarm that forbids them.
	ErrInvitesDisabled = errors.New("swarm: member invites disabled")
	// ErrNoTransferOffer reports an accept or decline without a pending offer.
	ErrNoTransferOffer = errors.New("swarm: no master transfer offer")
	// ErrTransferDeclined reports a master transfer the target turned down.
	ErrTransferDeclined = errors.New("swarm: master transfer declined")
)

// Service owns this node's swarm memberships and the lifecycle traffic
// that maintains them.
type Service struct {
	id  *crypto.Identity
	st  *store.Store
	cl  *transport.Client
	dlv *transport.Deliverer
	bus *events.Bus
	clk clock.Clock
	log *logging.Logger

	// Master transfer offers are held in memory only; a restart drops
	// them and the offer is simply re-sent.
	mu        sync.Mutex
	offersIn  map[string]string // swarm id -> agent offering mastership to us
	offersOut map[string]string // swarm id -> agent we offered mastership to
}

// Options configures a Service.
type Options struct {
	Identity  *crypto.Identity
	Store     *store.Store
	Client    *transport.Client
	Deliverer *transport.Deliverer
	Bus       *events.Bus
	Clock     clock.Clock
	Log       *logging.Logger
}

func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Service{
		id:        opts.Identity,
		st:        opts.Store,
		cl:        opts.Client,
		dlv:       opts.Deliverer,
		bus:       opts.Bus,
		clk:       opts.Clock,
		log:       opts.Log.Component("swarm"),
		offersIn:  make(map[string]string),
		offersOut: make(map[string]string),
	}
}

// SendOptions carries optional envelope fields for Send.
type SendOptions struct {
	Priority  string
	InReplyTo string
	ThreadID  string
}

// Send builds, signs, and delivers a message to one member or the whole
// swarm. This node must itself be a member.
func (s *Service) Send(ctx context.Context, swarmID, recipient, content string, opts SendOptions) (*envelope.Message, error) {
	if _, err := s.st.GetSwarm(ctx, swarmID); err != nil {
		return nil, err
	}
	if _, err := s.st.GetMember(ctx, swarmID, s.id.AgentID); err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			return nil, ErrNotMember
		}
		return nil, err
	}

	b := envelope.NewBuilder(s.id.AgentID, s.id.Endpoint).
		To(recipient).
		InSwarm(swarmID).
		Content(content).
		WithClock(s.clk.Now)
	if opts.Priority != "" {
		b.WithPriority(opts.Priority)
	}
	if opts.InReplyTo != "" {
		b.ReplyingTo(opts.InReplyTo)
	}
	if opts.ThreadID != "" {
		b.InThread(opts.ThreadID)
	}
	m, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := m.Sign(s.id.Private); err != nil {
		return nil, err
	}

	if recipient == envelope.Broadcast {
		members, err := s.st.ListMembers(ctx, swarmID)
		if err != nil {
			return nil, err
		}
		return m, s.dlv.Broadcast(ctx, m, recipientsExcept(members, s.id.AgentID))
	}

	target, err := s.st.GetMember(ctx, swarmID, recipient)
	if err != nil {
		return nil, err
	}
	return m, s.dlv.Deliver(ctx, m, recipient, target.Endpoint)
}

// recipientsExcept maps membership rows to delivery targets, skipping the
// excluded agent ids.
func recipientsExcept(members []store.Member, exclude ...string) []transport.Recipient {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []transport.Recipient
	for _, m := range members {
		if skip[m.AgentID] {
			continue
		}
		out = append(out, transport.Recipient{AgentID: m.AgentID, Endpoint: m.Endpoint})
	}
	return out
}

func (s *Service) publish(t events.EventType, swarmID, agentID, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      t,
		SwarmID:   swarmID,
		AgentID:   agentID,
		Detail:    detail,
		Timestamp: s.clk.Now(),
	})
}
