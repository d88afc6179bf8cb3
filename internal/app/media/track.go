package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

var ErrFeedDetached = errors.New("live feed detached")

const feedBuffer = 30

// Feed is one live sample stream for one track. A single writer calls Write
// and then Close; the pump reading it marks it done once drained or detached.
type Feed struct {
	ch       chan media.Sample
	done     chan struct{}
	doneOnce sync.Once
	closed   sync.Once
}

func newFeed() *Feed {
	return &Feed{
		ch:   make(chan media.Sample, feedBuffer),
		done: make(chan struct{}),
	}
}

// Write blocks until the sample is queued, the feed is detached or ctx ends.
func (f *Feed) Write(ctx context.Context, s media.Sample) error {
	select {
	case <-f.done:
		return ErrFeedDetached
	default:
	}
	select {
	case f.ch <- s:
		return nil
	case <-f.done:
		return ErrFeedDetached
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals the end of the stream. Queued samples are still played.
func (f *Feed) Close() {
	f.closed.Do(func() { close(f.ch) })
}

// Done is closed once the pump has played everything or dropped the feed.
func (f *Feed) Done() <-chan struct{} { return f.done }

func (f *Feed) finish() {
	f.doneOnce.Do(func() { close(f.done) })
}

// Producer is the live audio and video installed over the idle feed while a
// response plays.
type Producer struct {
	Video *Feed
	Audio *Feed

	session *Session
}

func NewProducer() *Producer {
	return &Producer{Video: newFeed(), Audio: newFeed()}
}

// Close ends both feeds.
func (p *Producer) Close() {
	p.Video.Close()
	p.Audio.Close()
}

// Wait blocks until both feeds are drained or detached.
func (p *Producer) Wait(ctx context.Context) error {
	for _, f := range []*Feed{p.Video, p.Audio} {
		select {
		case <-f.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SampleWriter is the part of a local track the pump writes to.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// trackPump is the only writer of one outbound track. Every tick it takes the
// next sample from the live feed if one is attached and has data, otherwise
// from the idle loop. The idle cursor only moves when an idle sample is sent,
// so after a live feed the loop resumes where it stopped.
//
// Video frames depend on the frames before them, so a video pump never mixes
// idle frames into a live stream: on underrun it sends nothing and the
// client keeps showing the last live frame.
type trackPump struct {
	kind     string
	out      SampleWriter
	idle     idleSource
	fallback time.Duration
	hold     bool

	mu      sync.Mutex
	cursor  int
	live    *Feed
	stopped bool

	logger zerolog.Logger
}

func newTrackPump(kind string, out SampleWriter, idle idleSource, fallback time.Duration, logger zerolog.Logger) *trackPump {
	return &trackPump{
		kind:     kind,
		out:      out,
		idle:     idle,
		fallback: fallback,
		hold:     kind == "video",
		logger:   logger.With().Str("track", kind).Logger(),
	}
}

// next picks the sample to send. ok is false when there is nothing to send:
// a held video underrun, or no live data and an empty idle loop.
func (p *trackPump) next() (s media.Sample, live bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.live != nil {
		select {
		case s, open := <-p.live.ch:
			if open {
				return s, true, true
			}
			p.live.finish()
			p.live = nil
		default:
			if p.hold {
				return media.Sample{}, false, false
			}
			// underrun, silence fills the gap
		}
	}
	if p.idle.Len() == 0 {
		return media.Sample{}, false, false
	}
	s = p.idle.Sample(p.cursor)
	p.cursor = (p.cursor + 1) % p.idle.Len()
	return s, false, true
}

func (p *trackPump) attach(f *Feed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		f.finish()
		return
	}
	if p.live != nil && p.live != f {
		p.live.finish()
	}
	p.live = f
}

// detach drops f if it is still attached; unplayed samples are discarded.
func (p *trackPump) detach(f *Feed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == f {
		p.live = nil
	}
	f.finish()
}

func (p *trackPump) idleCursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *trackPump) tick() time.Duration {
	s, _, ok := p.next()
	if !ok {
		return p.fallback
	}
	if err := p.out.WriteSample(s); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		p.logger.Warn().Err(err).Msg("write sample")
	}
	if s.Duration <= 0 {
		return p.fallback
	}
	return s.Duration
}

// run paces samples by their duration until ctx is done.
func (p *trackPump) run(ctx context.Context) {
	p.logger.Debug().Msg("track pump started")
	defer p.logger.Debug().Msg("track pump stopped")

	deadline := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped = true
			if p.live != nil {
				p.live.finish()
				p.live = nil
			}
			p.mu.Unlock()
			return
		case <-timer.C:
		}

		deadline = deadline.Add(p.tick())
		wait := time.Until(deadline)
		if wait < -time.Second {
			// fell far behind, do not burst
			deadline = time.Now()
			wait = 0
		}
		timer.Reset(max(wait, 0))
	}
}
