// Package orch routes signaling messages between client connections, the
// session registry, the media negotiator and the response pipeline.
package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/app/media"
	"github.com/dkeye/TutorRTC/internal/app/pipeline"
	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/dkeye/TutorRTC/internal/metrics"
	"github.com/dkeye/TutorRTC/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const defaultOfferTimeout = 15 * time.Second

// Negotiator is the media side of the multiplexer.
type Negotiator interface {
	HandleOffer(ctx context.Context, owner domain.OwnerID, offerSDP string, sig media.Signaler) (media.Answer, error)
	HandleCandidate(owner domain.OwnerID, c webrtc.ICECandidateInit) error
	Teardown(owner domain.OwnerID)
}

type Options struct {
	// QueueSize bounds the pending turns per session context.
	QueueSize    int
	OfferTimeout time.Duration
	ICEServers   []protocol.ICEServer
	Policy       Policy
	Metrics      *metrics.Metrics
}

// Mux is the connection multiplexer.
type Mux struct {
	Registry  *app.Registry
	Resolver  pipeline.ConfigResolver
	Media     Negotiator
	Responder Responder
	Hub       *Hub

	opts Options
	ctx  context.Context
}

func NewMux(ctx context.Context, reg *app.Registry, resolver pipeline.ConfigResolver, neg Negotiator, r Responder, opts Options) *Mux {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 8
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = defaultOfferTimeout
	}
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	m := &Mux{
		Registry:  reg,
		Resolver:  resolver,
		Media:     neg,
		Responder: r,
		Hub:       NewHub(),
		opts:      opts,
		ctx:       ctx,
	}
	reg.OnClose(m.onSessionClosed)
	return m
}

// Connect authenticates a new transport. A raw id of the form "user_<owner>"
// opens an owner-scoped connection authorized by any active session token of
// that owner; anything else is taken as a session id and binds the
// connection to that session. Every failure is domain.ErrAuth.
func (m *Mux) Connect(rawID string, token domain.Token, sig core.SignalConnection) (*Connection, error) {
	var (
		conn *Connection
		ref  domain.SessionRef
		err  error
	)
	if owner, ok := domain.OwnerFromConnectionID(rawID); ok {
		ref, err = m.Registry.Authenticate(token)
		if err != nil || ref.Owner != owner {
			return nil, domain.ErrAuth
		}
		conn = newConnection(m.ctx, owner.ConnectionID(), owner, OwnerScoped, sig, m.opts.Policy)
	} else {
		ref, err = m.Registry.Validate(domain.SessionID(rawID), token)
		if err != nil {
			return nil, domain.ErrAuth
		}
		conn = newConnection(m.ctx, rawID, ref.Owner, Legacy, sig, m.opts.Policy)
		conn.Bound = ref.ID
	}

	m.Hub.Add(conn)
	m.Registry.Touch(ref.ID)
	m.opts.Metrics.ConnectionOpened(conn.Mode.String())
	conn.logger.Info().Str("owner", string(conn.Owner)).Msg("connection accepted")

	conn.Send(protocol.Connected{
		Type:         protocol.TypeConnected,
		ConnectionID: conn.ID,
		Mode:         conn.Mode.String(),
		ICEServers:   m.opts.ICEServers,
	})
	return conn, nil
}

// OnMessage decodes one inbound frame and dispatches it.
func (m *Mux) OnMessage(conn *Connection, raw []byte) {
	if conn.Closed() {
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		m.opts.Metrics.Rejected("decode")
		conn.logger.Warn().Err(err).Msg("bad message")
		conn.sendError("", domain.StageProtocol, err)
		return
	}
	m.opts.Metrics.Message(kindOf(msg))

	switch msg := msg.(type) {
	case protocol.Ping:
		conn.Send(protocol.NewPong())
	case protocol.Content:
		m.handleTurn(conn, msg.SessionRef, turnInput{text: msg.Text})
	case protocol.Audio:
		m.handleTurn(conn, msg.SessionRef, turnInput{audio: msg.Audio, format: msg.Format})
	case protocol.MediaOffer:
		m.handleOffer(conn, msg)
	case protocol.MediaCandidate:
		m.handleCandidate(conn, msg)
	}
}

// handleTurn queues a content or audio message on its session's worker.
func (m *Mux) handleTurn(conn *Connection, ref domain.SessionID, in turnInput) {
	id, err := m.target(conn, ref)
	if err != nil {
		m.opts.Metrics.Rejected("session_ref")
		conn.sendError(ref, domain.StageProtocol, err)
		return
	}

	sc, ok := conn.sessionContext(id)
	if !ok {
		var stage domain.Stage
		sc, stage, err = m.openContext(conn, id)
		if err != nil {
			m.opts.Metrics.Rejected(string(stage))
			conn.sendError(id, stage, err)
			return
		}
	}

	if err := sc.enqueue(in); err != nil {
		m.opts.Metrics.Rejected("queue")
		conn.sendError(id, domain.StageProtocol, err)
		return
	}
	m.Registry.Touch(id)
}

// target picks the session a turn is for.
func (m *Mux) target(conn *Connection, ref domain.SessionID) (domain.SessionID, error) {
	if conn.Mode == Legacy {
		if ref != "" && ref != conn.Bound {
			return "", fmt.Errorf("%w: session_ref does not match this connection", domain.ErrProtocol)
		}
		return conn.Bound, nil
	}
	if ref == "" {
		return "", domain.ErrMissingSessionRef
	}
	return ref, nil
}

func (m *Mux) openContext(conn *Connection, id domain.SessionID) (*SessionContext, domain.Stage, error) {
	ref, err := m.Registry.Lookup(id)
	if err != nil {
		return nil, domain.StageProtocol, err
	}
	if !ref.Active() || ref.Owner != conn.Owner {
		// sessions of other owners look the same as unknown ones
		return nil, domain.StageProtocol, domain.ErrSessionNotFound
	}
	rc, err := m.Resolver.Resolve(ref.Owner, ref.Config)
	if err != nil {
		return nil, domain.StageConfig, err
	}
	sc := newSessionContext(conn.ctx, ref, rc, m.opts.QueueSize, m.Responder, conn, conn.logger)
	sc, err = conn.addContext(sc)
	if err != nil {
		return nil, domain.StageProtocol, err
	}
	conn.logger.Info().Str("session", string(id)).Str("model", rc.ModelID).Msg("session context opened")
	return sc, "", nil
}

func (m *Mux) mediaOwner(conn *Connection, claimed domain.OwnerID) (domain.OwnerID, error) {
	if claimed != "" && claimed != conn.Owner {
		return "", fmt.Errorf("%w: owner_id does not match this connection", domain.ErrProtocol)
	}
	return conn.Owner, nil
}

func (m *Mux) handleOffer(conn *Connection, msg protocol.MediaOffer) {
	owner, err := m.mediaOwner(conn, msg.OwnerID)
	if err != nil {
		m.opts.Metrics.Rejected("owner")
		conn.sendError("", domain.StageProtocol, err)
		return
	}

	ctx, cancel := context.WithTimeout(conn.ctx, m.opts.OfferTimeout)
	defer cancel()
	ans, err := m.Media.HandleOffer(ctx, owner, msg.SDP, conn)
	if err != nil {
		conn.logger.Warn().Err(err).Msg("media offer failed")
		conn.sendError("", domain.StageMedia, err)
		return
	}

	conn.Send(protocol.NewMediaAnswer(ans.SDP))
	for _, c := range ans.Candidates {
		conn.SendCandidate(owner, c)
	}
	m.touchBound(conn)
}

func (m *Mux) handleCandidate(conn *Connection, msg protocol.MediaCandidate) {
	owner, err := m.mediaOwner(conn, msg.OwnerID)
	if err != nil {
		m.opts.Metrics.Rejected("owner")
		conn.sendError("", domain.StageProtocol, err)
		return
	}
	if err := m.Media.HandleCandidate(owner, msg.Init()); err != nil {
		conn.logger.Warn().Err(err).Msg("remote candidate rejected")
		conn.sendError("", domain.StageMedia, err)
		return
	}
	m.touchBound(conn)
}

func (m *Mux) touchBound(conn *Connection) {
	if conn.Mode == Legacy {
		m.Registry.Touch(conn.Bound)
	}
}

// Disconnect releases everything a connection holds. A legacy connection
// takes its session down with it; owner-scoped sessions stay open for the
// next connection. The owner's media goes away with its last connection.
func (m *Mux) Disconnect(conn *Connection) {
	if !conn.close() {
		return
	}
	left := m.Hub.Remove(conn)
	m.opts.Metrics.ConnectionClosed(conn.Mode.String())

	if conn.Mode == Legacy {
		m.Registry.Close(conn.Bound)
	}
	if left == 0 {
		m.Media.Teardown(conn.Owner)
	}
	conn.signal.Close()
	conn.logger.Info().Int("owner_connections", left).Msg("connection closed")
}

// onSessionClosed runs for every session leaving the registry, whatever the
// reason. In-flight work for it is canceled on all of the owner's connections.
func (m *Mux) onSessionClosed(ref domain.SessionRef) {
	for _, conn := range m.Hub.Of(ref.Owner) {
		if conn.dropContext(ref.ID) {
			conn.logger.Info().Str("session", string(ref.ID)).Str("status", ref.Status.String()).Msg("session context canceled")
		}
		if conn.Mode == Legacy && conn.Bound == ref.ID {
			conn.signal.Close()
		}
	}
}

// Shutdown closes every transport. Read loops then call Disconnect.
func (m *Mux) Shutdown() {
	conns := m.Hub.All()
	for _, conn := range conns {
		conn.signal.Close()
	}
	log.Info().Str("module", "orch").Int("connections", len(conns)).Msg("mux shutdown")
}

func kindOf(msg protocol.Inbound) string {
	switch msg.(type) {
	case protocol.Content:
		return protocol.TypeContent
	case protocol.Audio:
		return protocol.TypeAudio
	case protocol.MediaOffer:
		return protocol.TypeMediaOffer
	case protocol.MediaCandidate:
		return protocol.TypeMediaCandidate
	case protocol.Ping:
		return protocol.TypePing
	default:
		return "unknown"
	}
}

var _ media.Signaler = (*Connection)(nil)
