// Package media owns the per-owner WebRTC media sessions: answer rewriting,
// relay-only candidate forwarding and the outbound tracks that loop idle
// content until a live producer is installed.
package media

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single Opus packet that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// idleSource is a looped read-only sample sequence.
type idleSource interface {
	Len() int
	Sample(i int) media.Sample
}

// IdleClip holds the VP8 frames of the looping idle video. It is loaded once
// and shared by every media session without locking.
type IdleClip struct {
	frames   [][]byte
	frameDur time.Duration
}

// LoadIdleClip reads an IVF stream. fps sets the playback rate.
func LoadIdleClip(r io.Reader, fps int) (*IdleClip, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("idle clip: invalid fps %d", fps)
	}
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return nil, fmt.Errorf("idle clip: %w", err)
	}
	if header.FourCC != "VP80" {
		return nil, fmt.Errorf("idle clip: unsupported codec %q", header.FourCC)
	}

	clip := &IdleClip{frameDur: time.Second / time.Duration(fps)}
	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("idle clip: frame %d: %w", len(clip.frames), err)
		}
		clip.frames = append(clip.frames, frame)
	}
	return clip, nil
}

// EmptyIdleClip is used when no clip is configured; the video track then
// stays silent until a live producer is installed.
func EmptyIdleClip(fps int) *IdleClip {
	if fps <= 0 {
		fps = 25
	}
	return &IdleClip{frameDur: time.Second / time.Duration(fps)}
}

func (c *IdleClip) Len() int { return len(c.frames) }

func (c *IdleClip) FrameDuration() time.Duration { return c.frameDur }

func (c *IdleClip) Sample(i int) media.Sample {
	return media.Sample{Data: c.frames[i], Duration: c.frameDur}
}

type silence struct{}

func (silence) Len() int { return 1 }

func (silence) Sample(int) media.Sample {
	return media.Sample{Data: opusSilence, Duration: opusFrameDuration}
}
