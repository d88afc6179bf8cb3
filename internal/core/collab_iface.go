package core

import (
	"context"

	"github.com/pion/webrtc/v4/pkg/media"
)

// TutorSystemPrompt frames every generated reply.
const TutorSystemPrompt = "You are a professional virtual tutor. Answer the student's questions in a friendly and accurate way."

// Transcriber turns recorded speech into text. format is the audio MIME type.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// Generator produces the tutor's reply text.
type Generator interface {
	Generate(ctx context.Context, modelID, text string) (string, error)
}

// Speech is synthesized audio. Format is a MIME type; "audio/ogg" payloads
// are Ogg/Opus and can be played on the WebRTC audio track.
type Speech struct {
	Data   []byte
	Format string
}

const SpeechFormatOggOpus = "audio/ogg"

// Synthesizer turns text into speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, voiceID, text string) (Speech, error)
}

// FrameStream yields encoded video frames. Next returns io.EOF after the last frame.
type FrameStream interface {
	Next(ctx context.Context) (media.Sample, error)
	Close() error
}

// Renderer produces lip-synced avatar frames for a piece of speech.
type Renderer interface {
	Render(ctx context.Context, avatarID string, speech Speech) (FrameStream, error)
}
