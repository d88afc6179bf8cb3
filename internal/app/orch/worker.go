package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/app/pipeline"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/rs/zerolog"
)

var ErrQueueFull = errors.New("too many pending messages for session")

// Responder runs the response pipeline for one turn.
type Responder interface {
	Respond(ctx context.Context, req pipeline.Request, sink pipeline.Sink) error
}

// turnInput is one queued message: text, or audio to transcribe first.
type turnInput struct {
	text   string
	audio  []byte
	format string
}

// SessionContext is the per-connection state of one session. Its worker
// handles content and audio messages strictly one after another, in receipt
// order.
type SessionContext struct {
	Ref    domain.SessionRef
	Config app.ResolvedConfig

	queue     chan turnInput
	responder Responder
	sink      pipeline.Sink
	logger    zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	mu   sync.Mutex
	turn uint64
}

func newSessionContext(parent context.Context, ref domain.SessionRef, rc app.ResolvedConfig, queueSize int, r Responder, sink pipeline.Sink, logger zerolog.Logger) *SessionContext {
	ctx, cancel := context.WithCancel(parent)
	return &SessionContext{
		Ref:       ref,
		Config:    rc,
		queue:     make(chan turnInput, queueSize),
		responder: r,
		sink:      sink,
		logger:    logger.With().Str("session", string(ref.ID)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// enqueue never blocks the read loop.
func (sc *SessionContext) enqueue(in turnInput) error {
	if err := sc.ctx.Err(); err != nil {
		return err
	}
	select {
	case sc.queue <- in:
		return nil
	default:
		return ErrQueueFull
	}
}

func (sc *SessionContext) nextTurn() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.turn++
	return sc.turn
}

func (sc *SessionContext) run() {
	sc.logger.Debug().Msg("session worker started")
	defer sc.logger.Debug().Msg("session worker stopped")
	for {
		select {
		case <-sc.ctx.Done():
			return
		case in := <-sc.queue:
			if sc.ctx.Err() != nil {
				return
			}
			req := pipeline.Request{
				Session:     sc.Ref,
				Text:        in.text,
				Audio:       in.audio,
				AudioFormat: in.format,
				Turn:        sc.nextTurn(),
			}
			if err := sc.responder.Respond(sc.ctx, req, sc.sink); err != nil {
				sc.logger.Debug().Err(err).Uint64("turn", req.Turn).Msg("turn ended with error")
			}
		}
	}
}

func (sc *SessionContext) stop() {
	sc.stopOnce.Do(sc.cancel)
}
