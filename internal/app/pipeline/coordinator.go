// Package pipeline runs the response for one client turn: transcription of
// audio turns, generation, synthesis, rendering and playback on the owner's
// media tracks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/app/media"
	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/dkeye/TutorRTC/internal/metrics"
	"github.com/dkeye/TutorRTC/internal/protocol"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"
)

type ConfigResolver interface {
	Resolve(owner domain.OwnerID, config domain.ConfigID) (app.ResolvedConfig, error)
}

// MediaOutput is the part of the negotiator a response plays through.
type MediaOutput interface {
	Connected(owner domain.OwnerID) bool
	InstallProducer(ctx context.Context, owner domain.OwnerID, p *media.Producer) error
	UninstallProducer(p *media.Producer)
}

// Sink delivers client-facing messages for one request.
type Sink interface {
	Send(v any)
}

// Request is one turn. Audio, when set, is transcribed and replaces Text.
type Request struct {
	Session     domain.SessionRef
	Text        string
	Audio       []byte
	AudioFormat string
	Turn        uint64
}

type Config struct {
	// Transcriber handles audio turns; without one they fail.
	Transcriber   core.Transcriber
	Timeout       time.Duration
	MaxConcurrent int64
	Metrics       *metrics.Metrics
}

type Coordinator struct {
	resolver ConfigResolver
	asr      core.Transcriber
	gen      core.Generator
	synth    core.Synthesizer
	render   core.Renderer
	media    MediaOutput

	timeout time.Duration
	slots   *semaphore.Weighted
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCoordinator wires the collaborators. render may be nil, in which case
// speech plays over the idle video.
func NewCoordinator(resolver ConfigResolver, gen core.Generator, synth core.Synthesizer, render core.Renderer, out MediaOutput, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Coordinator{
		resolver: resolver,
		asr:      cfg.Transcriber,
		gen:      gen,
		synth:    synth,
		render:   render,
		media:    out,
		timeout:  cfg.Timeout,
		slots:    semaphore.NewWeighted(cfg.MaxConcurrent),
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// Respond runs the pipeline and reports every failure to sink as a typed
// error, unless ctx was canceled by the caller (session or connection gone).
func (c *Coordinator) Respond(ctx context.Context, req Request, sink Sink) error {
	ref := req.Session
	logger := log.With().
		Str("module", "pipeline").
		Str("session", string(ref.ID)).
		Str("owner", string(ref.Owner)).
		Uint64("turn", req.Turn).
		Logger()

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	err := c.run(runCtx, req, sink, logger)
	if err == nil {
		logger.Info().Dur("took", time.Since(started)).Msg("response done")
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Info().Err(err).Msg("response canceled")
		return err
	}
	logger.Warn().Err(err).Msg("response failed")
	sink.Send(protocol.NewError(ref.ID, err))
	return err
}

func (c *Coordinator) run(ctx context.Context, req Request, sink Sink, logger zerolog.Logger) error {
	ref := req.Session

	if err := c.slots.Acquire(ctx, 1); err != nil {
		return stageError(ctx, domain.StageGeneration, domain.ErrGeneration, err)
	}
	defer c.slots.Release(1)
	c.metrics.PipelineStarted()
	defer c.metrics.PipelineDone()

	rc, err := c.resolver.Resolve(ref.Owner, ref.Config)
	if err != nil {
		return domain.NewStageError(domain.StageConfig, err)
	}

	prompt := req.Text
	if len(req.Audio) > 0 {
		if prompt, err = c.transcribe(ctx, req); err != nil {
			return err
		}
		sink.Send(protocol.NewTranscription(ref.ID, req.Turn, prompt, c.now()))
		logger.Debug().Int("chars", len(prompt)).Msg("audio transcribed")
	}

	started := time.Now()
	text, err := c.gen.Generate(ctx, rc.ModelID, prompt)
	c.metrics.ObserveStage(string(domain.StageGeneration), started, err)
	if err != nil {
		return stageError(ctx, domain.StageGeneration, domain.ErrGeneration, err)
	}
	sink.Send(protocol.NewTextResult(ref.ID, req.Turn, text, c.now()))
	logger.Debug().Int("chars", len(text)).Msg("text generated")

	if err := ctx.Err(); err != nil {
		return stageError(ctx, domain.StageSynthesis, domain.ErrSynthesis, err)
	}
	started = time.Now()
	speech, err := c.synth.Synthesize(ctx, rc.VoiceID, text)
	c.metrics.ObserveStage(string(domain.StageSynthesis), started, err)
	if err != nil {
		return stageError(ctx, domain.StageSynthesis, domain.ErrSynthesis, err)
	}

	if !c.media.Connected(ref.Owner) {
		sink.Send(protocol.NewAudioResult(ref.ID, req.Turn, speech))
		return nil
	}

	var audio []pmedia.Sample
	if speech.Format == core.SpeechFormatOggOpus {
		if audio, err = oggSamples(speech.Data); err != nil {
			return stageError(ctx, domain.StageSynthesis, domain.ErrSynthesis, err)
		}
	} else {
		// the track only carries Opus, hand the raw audio to the client
		sink.Send(protocol.NewAudioResult(ref.ID, req.Turn, speech))
	}

	if err := ctx.Err(); err != nil {
		return stageError(ctx, domain.StageRender, domain.ErrRender, err)
	}
	return c.play(ctx, rc, ref, speech, audio, logger)
}

func (c *Coordinator) transcribe(ctx context.Context, req Request) (string, error) {
	if c.asr == nil {
		return "", domain.NewStageError(domain.StageTranscription, fmt.Errorf("%w: no transcriber configured", domain.ErrTranscription))
	}
	started := time.Now()
	text, err := c.asr.Transcribe(ctx, req.Audio, req.AudioFormat)
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("%w: no speech recognized", domain.ErrTranscription)
	}
	c.metrics.ObserveStage(string(domain.StageTranscription), started, err)
	if err != nil {
		return "", stageError(ctx, domain.StageTranscription, domain.ErrTranscription, err)
	}
	return strings.TrimSpace(text), nil
}

func (c *Coordinator) play(ctx context.Context, rc app.ResolvedConfig, ref domain.SessionRef, speech core.Speech, audio []pmedia.Sample, logger zerolog.Logger) error {
	started := time.Now()
	var frames core.FrameStream
	if c.render != nil {
		var err error
		frames, err = c.render.Render(ctx, rc.AvatarID, speech)
		if err != nil {
			c.metrics.ObserveStage(string(domain.StageRender), started, err)
			return stageError(ctx, domain.StageRender, domain.ErrRender, err)
		}
		defer frames.Close()
	}

	prod := media.NewProducer()
	if err := c.media.InstallProducer(ctx, ref.Owner, prod); err != nil {
		return stageError(ctx, domain.StageMedia, domain.ErrNoMediaSession, err)
	}
	defer c.media.UninstallProducer(prod)
	logger.Debug().Int("audio_pages", len(audio)).Msg("producer installed")

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		defer prod.Video.Close()
		if frames == nil {
			return nil
		}
		n := 0
		for {
			s, err := frames.Next(ctx)
			if errors.Is(err, io.EOF) {
				c.metrics.ObserveStage(string(domain.StageRender), started, nil)
				logger.Debug().Int("frames", n).Msg("render finished")
				return nil
			}
			if err != nil {
				c.metrics.ObserveStage(string(domain.StageRender), started, err)
				return stageError(ctx, domain.StageRender, domain.ErrRender, err)
			}
			if err := prod.Video.Write(ctx, s); err != nil {
				return feedError(ctx, err)
			}
			n++
		}
	})
	p.Go(func(ctx context.Context) error {
		defer prod.Audio.Close()
		for _, s := range audio {
			if err := prod.Audio.Write(ctx, s); err != nil {
				return feedError(ctx, err)
			}
		}
		return nil
	})
	if err := p.Wait(); err != nil {
		return err
	}

	if err := prod.Wait(ctx); err != nil {
		return feedError(ctx, err)
	}
	return nil
}

func feedError(ctx context.Context, err error) error {
	if errors.Is(err, media.ErrFeedDetached) {
		return domain.NewStageError(domain.StageMedia, fmt.Errorf("%w: media connection lost", domain.ErrMediaNegotiation))
	}
	return stageError(ctx, domain.StageMedia, domain.ErrMediaNegotiation, err)
}

// stageError tags err with its stage. A pipeline deadline is reported as a
// timeout of the stage that was running.
func stageError(ctx context.Context, stage domain.Stage, sentinel, err error) error {
	var se *domain.StageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewStageError(stage, fmt.Errorf("%w: timed out", sentinel))
	}
	if errors.Is(err, sentinel) {
		return domain.NewStageError(stage, err)
	}
	return domain.NewStageError(stage, fmt.Errorf("%w: %v", sentinel, err))
}
