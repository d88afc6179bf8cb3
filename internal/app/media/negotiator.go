package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/dkeye/TutorRTC/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type Options struct {
	PublicIP      string
	MaxFailures   int
	FailureWindow time.Duration
	Metrics       *metrics.Metrics
}

// Answer is a rewritten local answer plus the relay candidates it embeds,
// which are also sent as trickle messages after the answer.
type Answer struct {
	SDP        string
	Candidates []webrtc.ICECandidateInit
}

// Negotiator keeps one media Session per owner.
type Negotiator struct {
	newPeer core.PeerFactory
	idle    *IdleClip
	opts    Options
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[domain.OwnerID]*Session
}

func NewNegotiator(ctx context.Context, newPeer core.PeerFactory, idle *IdleClip, opts Options) *Negotiator {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Negotiator{
		newPeer:  newPeer,
		idle:     idle,
		opts:     opts,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[domain.OwnerID]*Session),
	}
}

func (n *Negotiator) get(owner domain.OwnerID) *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[owner]
}

func (n *Negotiator) getOrCreate(owner domain.OwnerID) (*Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.sessions[owner]; ok {
		return s, nil
	}

	streamID := "tutor-" + string(owner)
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}

	logger := log.With().Str("module", "media").Str("owner", string(owner)).Logger()
	ctx, cancel := context.WithCancel(n.ctx)
	s := &Session{
		owner:      owner,
		videoTrack: video,
		audioTrack: audio,
		video:      newTrackPump("video", video, n.idle, n.idle.FrameDuration(), logger),
		audio:      newTrackPump("audio", audio, silence{}, opusFrameDuration, logger),
		producers:  semaphore.NewWeighted(1),
		cancel:     cancel,
		logger:     logger,
	}
	go s.video.run(ctx)
	go s.audio.run(ctx)

	n.sessions[owner] = s
	n.opts.Metrics.MediaOpened()
	logger.Info().Msg("media session created")
	return s, nil
}

// HandleOffer answers a client offer. Every offer starts a fresh peer
// connection; tracks, idle position and the failure history are kept.
func (n *Negotiator) HandleOffer(ctx context.Context, owner domain.OwnerID, offerSDP string, sig Signaler) (Answer, error) {
	s, err := n.getOrCreate(owner)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", domain.ErrMediaNegotiation, err)
	}
	s.offerMu.Lock()
	defer s.offerMu.Unlock()

	s.mu.Lock()
	old := s.peer
	s.peer = nil
	s.generation++
	gen := s.generation
	s.answered = false
	s.signaler = sig
	s.mu.Unlock()
	if old != nil {
		s.logger.Info().Msg("replacing peer connection")
		s.fallback()
		_ = old.Close()
	}
	n.transition(s, StateOfferReceived)

	peer, err := n.newPeer(owner, s.videoTrack, s.audioTrack)
	if err != nil {
		err = fmt.Errorf("%w: create peer: %v", domain.ErrMediaNegotiation, err)
		n.fail(s, err, false)
		return Answer{}, err
	}
	peer.OnICECandidate(func(c webrtc.ICECandidateInit) { n.onLocalCandidate(s, gen, c) })
	peer.OnStateChange(func(st core.PeerState) { n.onPeerState(s, gen, st) })

	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()

	answer, err := peer.ApplyOffer(ctx, offerSDP)
	if err != nil {
		// retire the generation first: closing fires the peer's closed state
		s.mu.Lock()
		current := s.generation == gen
		if current {
			s.peer = nil
			s.generation++
		}
		s.mu.Unlock()
		_ = peer.Close()
		s.logger.Error().Err(err).Msg("apply offer")
		err = fmt.Errorf("%w: %v", domain.ErrMediaNegotiation, err)
		if current {
			n.fail(s, err, false)
		}
		return Answer{}, err
	}

	rewritten, dropped := RewriteAnswer(answer, n.opts.PublicIP)
	n.opts.Metrics.CandidateDropped(dropped)
	out := Answer{SDP: rewritten, Candidates: ExtractCandidates(rewritten)}

	s.mu.Lock()
	if s.generation == gen {
		s.answered = true
	}
	s.mu.Unlock()
	if s.state.CompareAndSwap(int32(StateOfferReceived), int32(StateAnswerSent)) {
		n.opts.Metrics.MediaTransition(StateAnswerSent.String())
	}

	s.logger.Info().
		Int("relay_candidates", len(out.Candidates)).
		Int("dropped_candidates", dropped).
		Msg("answer ready")
	return out, nil
}

// HandleCandidate applies a remote candidate. Candidates racing with
// teardown are expected and only logged.
func (n *Negotiator) HandleCandidate(owner domain.OwnerID, c webrtc.ICECandidateInit) error {
	s := n.get(owner)
	if s == nil {
		log.Warn().Str("module", "media").Str("owner", string(owner)).Msg("candidate: no media session")
		return nil
	}
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		s.logger.Warn().Msg("candidate: no peer connection")
		return nil
	}
	if err := peer.AddICECandidate(c); err != nil {
		s.logger.Error().Err(err).Msg("add ice candidate")
		return fmt.Errorf("%w: add candidate: %v", domain.ErrMediaNegotiation, err)
	}
	return nil
}

func (n *Negotiator) onLocalCandidate(s *Session, gen uint64, c webrtc.ICECandidateInit) {
	s.mu.Lock()
	current := s.generation == gen
	answered := s.answered
	sig := s.signaler
	s.mu.Unlock()
	// before the answer is out, candidates travel inside it
	if !current || !answered || sig == nil {
		return
	}
	if !IsRelay(c.Candidate) {
		n.opts.Metrics.CandidateDropped(1)
		return
	}
	c.Candidate = "candidate:" + RewriteCandidate(strings.TrimPrefix(c.Candidate, "candidate:"), n.opts.PublicIP)
	sig.SendCandidate(s.owner, c)
}

func (n *Negotiator) onPeerState(s *Session, gen uint64, st core.PeerState) {
	s.mu.Lock()
	current := s.generation == gen
	s.mu.Unlock()
	if !current {
		return
	}
	s.logger.Info().Str("peer_state", st.String()).Msg("peer state")

	switch st {
	case core.PeerChecking:
		n.transition(s, StateIceNegotiating)
	case core.PeerConnected:
		if prev := n.transition(s, StateConnected); prev != StateConnected {
			s.logger.Info().Msg("media connected")
		}
	case core.PeerDisconnected:
		n.transition(s, StateIceNegotiating)
	case core.PeerFailed:
		n.fail(s, fmt.Errorf("%w: ice failed", domain.ErrMediaNegotiation), true)
	case core.PeerClosed:
		n.teardown(s)
	}
}

// fail records a failure and falls back to idle. notify is false when the
// caller already returns err to the signaling side (failed offers).
func (n *Negotiator) fail(s *Session, err error, notify bool) {
	n.transition(s, StateFailed)
	s.fallback()

	count := s.recordFailure(n.now(), n.opts.FailureWindow)
	s.logger.Warn().Err(err).Int("failures", count).Dur("window", n.opts.FailureWindow).Msg("media failed")

	s.mu.Lock()
	sig := s.signaler
	s.mu.Unlock()
	if notify && sig != nil {
		sig.MediaFailed(s.owner, err)
	}
	if count > n.opts.MaxFailures {
		s.logger.Warn().Int("max_failures", n.opts.MaxFailures).Msg("too many failures, tearing down")
		n.teardown(s)
	}
}

func (n *Negotiator) transition(s *Session, st State) State {
	prev := s.setState(st)
	if prev != st {
		n.opts.Metrics.MediaTransition(st.String())
	}
	return prev
}

// InstallProducer swaps the owner's tracks to p. It waits while another
// producer of the same owner is installed.
func (n *Negotiator) InstallProducer(ctx context.Context, owner domain.OwnerID, p *Producer) error {
	s := n.get(owner)
	if s == nil {
		return domain.ErrNoMediaSession
	}
	return s.install(ctx, p)
}

// UninstallProducer returns the tracks p was installed on to idle.
func (n *Negotiator) UninstallProducer(p *Producer) {
	if p.session != nil {
		p.session.uninstall(p)
	}
}

func (n *Negotiator) State(owner domain.OwnerID) (State, bool) {
	s := n.get(owner)
	if s == nil {
		return StateNew, false
	}
	return s.State(), true
}

func (n *Negotiator) Connected(owner domain.OwnerID) bool {
	st, ok := n.State(owner)
	return ok && st == StateConnected
}

// Teardown closes the owner's media session, if any.
func (n *Negotiator) Teardown(owner domain.OwnerID) {
	if s := n.get(owner); s != nil {
		n.teardown(s)
	}
}

func (n *Negotiator) teardown(s *Session) {
	n.mu.Lock()
	if n.sessions[s.owner] != s {
		n.mu.Unlock()
		return
	}
	delete(n.sessions, s.owner)
	n.mu.Unlock()

	s.mu.Lock()
	peer := s.peer
	s.peer = nil
	s.generation++
	s.signaler = nil
	s.mu.Unlock()

	s.fallback()
	s.cancel()
	if peer != nil {
		if err := peer.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close peer")
		}
	}
	n.transition(s, StateClosed)
	n.opts.Metrics.MediaClosed()
	s.logger.Info().Msg("media session closed")
}

// Close tears down every media session.
func (n *Negotiator) Close() {
	n.mu.Lock()
	all := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		all = append(all, s)
	}
	n.mu.Unlock()
	for _, s := range all {
		n.teardown(s)
	}
	n.cancel()
}
