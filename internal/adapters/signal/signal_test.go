package signal

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/app/media"
	"github.com/dkeye/TutorRTC/internal/app/orch"
	"github.com/dkeye/TutorRTC/internal/app/pipeline"
	"github.com/dkeye/TutorRTC/internal/collab/mock"
	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct{}

func (staticResolver) Resolve(domain.OwnerID, domain.ConfigID) (app.ResolvedConfig, error) {
	return app.ResolvedConfig{ModelID: "tutor-model", VoiceID: "v", AvatarID: "a"}, nil
}

type server struct {
	*httptest.Server
	reg *app.Registry
}

func newServer(t *testing.T, limiter *OwnerRateLimiter) *server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := app.NewRegistry(10, time.Hour, nil)
	neg := media.NewNegotiator(ctx, func(domain.OwnerID, ...webrtc.TrackLocal) (core.PeerConnection, error) {
		return nil, errors.New("no media in this test")
	}, media.EmptyIdleClip(25), media.Options{PublicIP: "203.0.113.7"})
	t.Cleanup(neg.Close)

	gen := &mock.Generator{GenerateFn: func(_ context.Context, model, text string) (string, error) {
		return model + " says: " + strings.ToUpper(text), nil
	}}
	synth := &mock.Synthesizer{SynthesizeFn: func(context.Context, string, string) (core.Speech, error) {
		return core.Speech{Data: []byte("RIFF0000WAVE"), Format: "audio/wav"}, nil
	}}
	coord := pipeline.NewCoordinator(staticResolver{}, gen, synth, nil, neg, pipeline.Config{Timeout: 5 * time.Second})
	mux := orch.NewMux(ctx, reg, staticResolver{}, neg, coord, orch.Options{})
	ctl := NewSignalWSController(mux, Options{PingPeriod: time.Second, Limiter: limiter})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/:connection_id", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(mux.Shutdown)
	return &server{Server: srv, reg: reg}
}

func (s *server) dial(t *testing.T, rawID string, tok domain.Token) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/" + rawID + "?token=" + string(tok)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var m map[string]any
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func TestContentRoundTripOverWebSocket(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	id, tok, err := s.reg.Create("u1", "13")
	require.NoError(t, err)

	ws := s.dial(t, "user_u1", tok)
	welcome := read(t, ws)
	assert.Equal(t, "connected", welcome["type"])
	assert.Equal(t, "owner_scoped", welcome["mode"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "content", "text": "hello", "session_ref": id}))

	text := read(t, ws)
	assert.Equal(t, "text_result", text["type"])
	assert.Equal(t, "tutor-model says: HELLO", text["text"])
	assert.Equal(t, "assistant", text["role"])
	assert.Equal(t, string(id), text["session_ref"])
	assert.EqualValues(t, 1, text["turn"])
	_, err = time.Parse(time.RFC3339, text["timestamp"].(string))
	assert.NoError(t, err)

	audio := read(t, ws)
	assert.Equal(t, "audio_result", audio["type"])
	assert.Equal(t, "audio/wav", audio["format"])
	assert.NotEmpty(t, audio["audio"])
}

func TestBadTokenClosesWithPolicyViolation(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	_, _, err := s.reg.Create("u1", "13")
	require.NoError(t, err)

	ws := s.dial(t, "user_u1", "forged")
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), err.Error())
}

func TestLegacyDisconnectClosesSession(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	id, tok, err := s.reg.Create("u1", "13")
	require.NoError(t, err)

	ws := s.dial(t, string(id), tok)
	assert.Equal(t, "legacy", read(t, ws)["mode"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "content", "text": "hi"}))
	assert.Equal(t, "text_result", read(t, ws)["type"])

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		_, err := s.reg.Lookup(id)
		return errors.Is(err, domain.ErrSessionNotFound)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRateLimitedFramesAreRejected(t *testing.T) {
	t.Parallel()

	s := newServer(t, NewOwnerRateLimiter(0.001, 1))
	_, tok, err := s.reg.Create("u1", "13")
	require.NoError(t, err)

	ws := s.dial(t, "user_u1", tok)
	read(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", read(t, ws)["type"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	rejected := read(t, ws)
	assert.Equal(t, "error", rejected["type"])
	assert.Equal(t, "protocol", rejected["stage"])
	assert.Contains(t, rejected["message"], ErrRateLimited.Error())
}

func TestOwnerRateLimiter(t *testing.T) {
	t.Parallel()

	rl := NewOwnerRateLimiter(0.001, 2)
	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"), "buckets are per owner")

	rl.Forget("u1")
	assert.True(t, rl.Allow("u1"))
}
