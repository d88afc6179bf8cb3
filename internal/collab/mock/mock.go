// Package mock provides test doubles for the collaborator interfaces using
// function fields.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Interface compliance checks.
var (
	_ core.Transcriber = (*Transcriber)(nil)
	_ core.Generator   = (*Generator)(nil)
	_ core.Synthesizer = (*Synthesizer)(nil)
	_ core.Renderer    = (*Renderer)(nil)
	_ core.FrameStream = (*FrameStream)(nil)
)

// Transcriber is a test double for core.Transcriber.
type Transcriber struct {
	TranscribeFn func(ctx context.Context, audio []byte, format string) (string, error)
}

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	return t.TranscribeFn(ctx, audio, format)
}

// Generator is a test double for core.Generator.
type Generator struct {
	GenerateFn func(ctx context.Context, modelID, text string) (string, error)
}

func (g *Generator) Generate(ctx context.Context, modelID, text string) (string, error) {
	return g.GenerateFn(ctx, modelID, text)
}

// Synthesizer is a test double for core.Synthesizer.
type Synthesizer struct {
	SynthesizeFn func(ctx context.Context, voiceID, text string) (core.Speech, error)
}

func (s *Synthesizer) Synthesize(ctx context.Context, voiceID, text string) (core.Speech, error) {
	return s.SynthesizeFn(ctx, voiceID, text)
}

// Renderer is a test double for core.Renderer.
type Renderer struct {
	RenderFn func(ctx context.Context, avatarID string, speech core.Speech) (core.FrameStream, error)
}

func (r *Renderer) Render(ctx context.Context, avatarID string, speech core.Speech) (core.FrameStream, error) {
	return r.RenderFn(ctx, avatarID, speech)
}

// FrameStream replays Frames and then returns io.EOF.
type FrameStream struct {
	Frames []media.Sample

	mu     sync.Mutex
	pos    int
	closed bool
}

func (s *FrameStream) Next(ctx context.Context) (media.Sample, error) {
	if err := ctx.Err(); err != nil {
		return media.Sample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.Frames) {
		return media.Sample{}, io.EOF
	}
	f := s.Frames[s.pos]
	s.pos++
	return f, nil
}

func (s *FrameStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *FrameStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
