// Package worker talks to the GPU worker that synthesizes speech and renders
// lip-synced avatar video.
//
// POST /asr    body: audio, MIME type in Content-Type  -> {"text": "..."}
// POST /tts    {"voice": "...", "text": "..."}     -> audio body, MIME type in Content-Type
// POST /render?avatar=<id>  body: speech audio     -> IVF (VP8) stream
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"
)

var (
	_ core.Transcriber = (*Client)(nil)
	_ core.Synthesizer = (*Client)(nil)
	_ core.Renderer    = (*Client)(nil)
)

var ErrEmptyAudio = errors.New("worker: empty audio")

const defaultFrameDuration = 40 * time.Millisecond

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

type asrResponse struct {
	Text string `json:"text"`
}

func (c *Client) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/asr", bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	if format == "" {
		format = "application/octet-stream"
	}
	req.Header.Set("Content-Type", format)

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out asrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("worker: decode transcription: %w", err)
	}
	return out.Text, nil
}

type ttsRequest struct {
	Voice string `json:"voice"`
	Text  string `json:"text"`
}

func (c *Client) Synthesize(ctx context.Context, voiceID, text string) (core.Speech, error) {
	body, err := json.Marshal(ttsRequest{Voice: voiceID, Text: text})
	if err != nil {
		return core.Speech{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(body))
	if err != nil {
		return core.Speech{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return core.Speech{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Speech{}, fmt.Errorf("worker: read audio: %w", err)
	}
	if len(data) == 0 {
		return core.Speech{}, ErrEmptyAudio
	}
	return core.Speech{Data: data, Format: mediaType(resp.Header.Get("Content-Type"))}, nil
}

// Render uploads the speech and streams back the avatar frames. The returned
// stream owns the response body.
func (c *Client) Render(ctx context.Context, avatarID string, speech core.Speech) (core.FrameStream, error) {
	u := c.baseURL + "/render?" + url.Values{"avatar": {avatarID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(speech.Data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", speech.Format)
	req.Header.Set("Accept", "video/x-ivf")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	fs, err := newIVFStream(resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	log.Debug().Str("module", "worker").Str("avatar", avatarID).Dur("frame", fs.frameDur).Msg("render stream open")
	return fs, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("worker error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}

// ivfStream adapts an IVF body to core.FrameStream.
type ivfStream struct {
	body     io.ReadCloser
	reader   *ivfreader.IVFReader
	frameDur time.Duration

	mu     sync.Mutex
	closed bool
}

func newIVFStream(body io.ReadCloser) (*ivfStream, error) {
	r, header, err := ivfreader.NewWith(body)
	if err != nil {
		return nil, fmt.Errorf("worker: render stream: %w", err)
	}
	if header.FourCC != "VP80" {
		return nil, fmt.Errorf("worker: render stream: unsupported codec %q", header.FourCC)
	}
	return &ivfStream{body: body, reader: r, frameDur: frameDuration(header)}, nil
}

// frameDuration derives the per-frame duration from the IVF time base, which
// the worker sets to 1/fps.
func frameDuration(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return defaultFrameDuration
	}
	return time.Duration(uint64(time.Second) * uint64(h.TimebaseNumerator) / uint64(h.TimebaseDenominator))
}

func (s *ivfStream) Next(ctx context.Context) (media.Sample, error) {
	if err := ctx.Err(); err != nil {
		return media.Sample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.Sample{}, io.EOF
	}
	frame, _, err := s.reader.ParseNextFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return media.Sample{}, io.EOF
		}
		return media.Sample{}, fmt.Errorf("worker: render frame: %w", err)
	}
	return media.Sample{Data: frame, Duration: s.frameDur}, nil
}

func (s *ivfStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
