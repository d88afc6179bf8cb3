package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

type State int32

const (
	StateNew State = iota
	StateOfferReceived
	StateAnswerSent
	StateIceNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerSent:
		return "answer_sent"
	case StateIceNegotiating:
		return "ice_negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Signaler carries media events back to the client that made the offer.
type Signaler interface {
	SendCandidate(owner domain.OwnerID, c webrtc.ICECandidateInit)
	MediaFailed(owner domain.OwnerID, err error)
}

// Session is the media side of one owner: one peer connection at a time, and
// the video and audio pumps that outlive peer rebuilds.
type Session struct {
	owner domain.OwnerID
	state atomic.Int32

	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	video      *trackPump
	audio      *trackPump
	// one installed producer at a time
	producers *semaphore.Weighted
	cancel    context.CancelFunc

	offerMu sync.Mutex

	mu         sync.Mutex
	peer       core.PeerConnection
	generation uint64
	answered   bool
	signaler   Signaler
	producer   *Producer
	failures   []time.Time

	logger zerolog.Logger
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) State {
	return State(s.state.Swap(int32(st)))
}

func (s *Session) Owner() domain.OwnerID { return s.owner }

// install blocks until no other producer is installed.
func (s *Session) install(ctx context.Context, p *Producer) error {
	if err := s.producers.Acquire(ctx, 1); err != nil {
		return err
	}
	if s.State() == StateClosed {
		s.producers.Release(1)
		return domain.ErrNoMediaSession
	}
	s.mu.Lock()
	s.producer = p
	s.mu.Unlock()
	p.session = s
	s.video.attach(p.Video)
	s.audio.attach(p.Audio)
	s.logger.Debug().Msg("producer installed")
	return nil
}

func (s *Session) uninstall(p *Producer) {
	s.video.detach(p.Video)
	s.audio.detach(p.Audio)

	s.mu.Lock()
	mine := s.producer == p
	if mine {
		s.producer = nil
	}
	s.mu.Unlock()
	if mine {
		s.producers.Release(1)
		s.logger.Debug().Msg("producer uninstalled")
	}
}

// fallback drops the live producer, if any, so the tracks return to idle.
// The producer keeps its slot until its owner uninstalls it.
func (s *Session) fallback() {
	s.mu.Lock()
	p := s.producer
	s.mu.Unlock()
	if p == nil {
		return
	}
	s.video.detach(p.Video)
	s.audio.detach(p.Audio)
	s.logger.Info().Msg("fell back to idle")
}

// recordFailure returns how many failures happened inside window.
func (s *Session) recordFailure(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.failures[:0]
	for _, t := range s.failures {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	s.failures = append(kept, now)
	return len(s.failures)
}
