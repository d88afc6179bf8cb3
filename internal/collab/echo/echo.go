// Package echo provides offline collaborators for running the server without
// a model host. Replies repeat the student's text, speech is Opus silence
// sized to the reply and audio is "transcribed" to a description of itself.
package echo

import (
	"bytes"
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

var (
	_ core.Transcriber = Transcriber{}
	_ core.Generator   = Generator{}
	_ core.Synthesizer = Synthesizer{}
)

const (
	opusSampleRate  = 48000
	frameDuration   = 20 * time.Millisecond
	samplesPerFrame = opusSampleRate / 50

	perRune     = 60 * time.Millisecond
	minDuration = 500 * time.Millisecond
	maxDuration = 10 * time.Second
)

var opusSilence = []byte{0xf8, 0xff, 0xfe}

type Transcriber struct{}

func (Transcriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if format == "" {
		format = "audio"
	}
	return fmt.Sprintf("(%d bytes of %s)", len(audio), format), nil
}

type Generator struct{}

func (Generator) Generate(ctx context.Context, modelID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] You said: %q. This is an echo reply.", modelID, text), nil
}

type Synthesizer struct{}

func (Synthesizer) Synthesize(ctx context.Context, _ string, text string) (core.Speech, error) {
	if err := ctx.Err(); err != nil {
		return core.Speech{}, err
	}
	data, err := silence(Duration(text))
	if err != nil {
		return core.Speech{}, err
	}
	return core.Speech{Data: data, Format: core.SpeechFormatOggOpus}, nil
}

// Duration is how long the echo speech for text lasts.
func Duration(text string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * perRune
	return min(max(d, minDuration), maxDuration)
}

// silence encodes d of Opus silence as an Ogg stream, one 20ms packet per page.
func silence(d time.Duration) ([]byte, error) {
	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, opusSampleRate, 1)
	if err != nil {
		return nil, err
	}
	frames := int(d / frameDuration)
	for i := 0; i < frames; i++ {
		pkt := &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32((i + 1) * samplesPerFrame)},
			Payload: opusSilence,
		}
		if err := w.WriteRTP(pkt); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
