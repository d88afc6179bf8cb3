package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/dkeye/TutorRTC/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// RoutingMode is fixed when a connection is accepted.
type RoutingMode int

const (
	// OwnerScoped connections carry many sessions of one owner; content
	// messages must name their session.
	OwnerScoped RoutingMode = iota
	// Legacy connections are bound to exactly one session.
	Legacy
)

func (m RoutingMode) String() string {
	switch m {
	case OwnerScoped:
		return "owner_scoped"
	case Legacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Connection is one accepted signaling transport and the session contexts
// opened on it.
type Connection struct {
	ID    string
	Owner domain.OwnerID
	Mode  RoutingMode
	// Bound is the session a legacy connection belongs to.
	Bound domain.SessionID

	signal core.SignalConnection
	policy Policy
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	contexts map[domain.SessionID]*SessionContext
	closed   bool
}

func newConnection(ctx context.Context, id string, owner domain.OwnerID, mode RoutingMode, sig core.SignalConnection, policy Policy) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	return &Connection{
		ID:       id,
		Owner:    owner,
		Mode:     mode,
		signal:   sig,
		policy:   policy,
		logger:   log.With().Str("module", "orch").Str("conn", id).Str("mode", mode.String()).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		contexts: make(map[domain.SessionID]*SessionContext),
	}
}

// Send encodes v and queues it. When the queue is full the policy decides
// whether the message is dropped or the connection closed.
func (c *Connection) Send(v any) {
	frame, err := protocol.Encode(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode outbound")
		return
	}
	err = c.signal.TrySend(frame)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrBackpressure):
		action := c.policy.OnBackpressure(c, v)
		c.logger.Warn().Str("action", action.String()).Str("msg", fmt.Sprintf("%T", v)).Msg("send queue full")
		if action == CloseConnection {
			c.signal.Close()
		}
	default:
		c.logger.Debug().Err(err).Msg("send on closed connection")
	}
}

// SendCandidate and MediaFailed let the connection that sent an offer
// receive the negotiator's later events.
func (c *Connection) SendCandidate(owner domain.OwnerID, cand webrtc.ICECandidateInit) {
	c.Send(protocol.NewCandidate(owner, cand))
}

func (c *Connection) MediaFailed(_ domain.OwnerID, err error) {
	c.Send(protocol.NewError("", domain.NewStageError(domain.StageMedia, err)))
}

func (c *Connection) sendError(ref domain.SessionID, stage domain.Stage, err error) {
	c.Send(protocol.NewError(ref, domain.NewStageError(stage, err)))
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// sessions lists the sessions that have a context on this connection.
func (c *Connection) sessions() []domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.SessionID, 0, len(c.contexts))
	for id := range c.contexts {
		out = append(out, id)
	}
	return out
}

func (c *Connection) sessionContext(id domain.SessionID) (*SessionContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc, ok := c.contexts[id]
	return sc, ok
}

// addContext stores sc unless the connection is closed or another context
// for the same session won the race. The stored context is returned.
func (c *Connection) addContext(sc *SessionContext) (*SessionContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrConnectionClosed
	}
	if existing, ok := c.contexts[sc.Ref.ID]; ok {
		sc.stop()
		return existing, nil
	}
	c.contexts[sc.Ref.ID] = sc
	c.wg.Go(sc.run)
	return sc, nil
}

// dropContext cancels and forgets the context of one session.
func (c *Connection) dropContext(id domain.SessionID) bool {
	c.mu.Lock()
	sc, ok := c.contexts[id]
	delete(c.contexts, id)
	c.mu.Unlock()
	if ok {
		sc.stop()
	}
	return ok
}

// close cancels every session context and waits for the workers. Only the
// first call returns true.
func (c *Connection) close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	contexts := c.contexts
	c.contexts = make(map[domain.SessionID]*SessionContext)
	c.mu.Unlock()

	c.cancel()
	for _, sc := range contexts {
		sc.stop()
	}
	if r := c.wg.WaitAndRecover(); r != nil {
		c.logger.Error().Str("panic", r.String()).Msg("session worker panicked")
	}
	return true
}
