package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/app/media"
	"github.com/dkeye/TutorRTC/internal/app/pipeline"
	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/dkeye/TutorRTC/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (s *fakeSignal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrConnectionClosed
	}
	if s.full {
		return core.ErrBackpressure
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSignal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSignal) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSignal) messages(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.frames))
	for _, f := range s.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func (s *fakeSignal) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range s.messages(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type call struct {
	session domain.SessionID
	text    string
	turn    uint64
}

// responder records calls and answers with a text_result. Audio turns are
// recorded as "audio:<data>". delays holds calls by text; block, when set,
// holds every call for that session until its context ends.
type responder struct {
	mu       sync.Mutex
	calls    []call
	delays   map[string]time.Duration
	block    domain.SessionID
	canceled chan domain.SessionID
}

func (r *responder) Respond(ctx context.Context, req pipeline.Request, sink pipeline.Sink) error {
	text := req.Text
	if len(req.Audio) > 0 {
		text = "audio:" + string(req.Audio)
	}
	r.mu.Lock()
	r.calls = append(r.calls, call{session: req.Session.ID, text: text, turn: req.Turn})
	delay := r.delays[text]
	r.mu.Unlock()

	if req.Session.ID == r.block {
		<-ctx.Done()
		if r.canceled != nil {
			r.canceled <- req.Session.ID
		}
		return ctx.Err()
	}
	time.Sleep(delay)
	sink.Send(protocol.NewTextResult(req.Session.ID, req.Turn, "re: "+text, time.Now()))
	return nil
}

func (r *responder) recorded() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type resolver struct{}

func (resolver) Resolve(_ domain.OwnerID, config domain.ConfigID) (app.ResolvedConfig, error) {
	if config == "missing" {
		return app.ResolvedConfig{}, domain.ErrUnknownConfig
	}
	return app.ResolvedConfig{ModelID: "m-" + string(config)}, nil
}

type negotiator struct {
	mu        sync.Mutex
	offers    int
	remote    []webrtc.ICECandidateInit
	torn      []domain.OwnerID
	offerErr  error
	signalers []media.Signaler
}

func (n *negotiator) HandleOffer(_ context.Context, _ domain.OwnerID, _ string, sig media.Signaler) (media.Answer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers++
	n.signalers = append(n.signalers, sig)
	if n.offerErr != nil {
		return media.Answer{}, n.offerErr
	}
	mid := "0"
	idx := uint16(0)
	return media.Answer{
		SDP:        "v=0\r\n",
		Candidates: []webrtc.ICECandidateInit{{Candidate: "candidate:2 1 udp 1 203.0.113.7 3478 typ relay", SDPMid: &mid, SDPMLineIndex: &idx}},
	}, nil
}

func (n *negotiator) HandleCandidate(_ domain.OwnerID, c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.remote = append(n.remote, c)
	return nil
}

func (n *negotiator) Teardown(owner domain.OwnerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.torn = append(n.torn, owner)
}

func (n *negotiator) teardowns() []domain.OwnerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.OwnerID(nil), n.torn...)
}

type fixture struct {
	reg  *app.Registry
	mux  *Mux
	resp *responder
	neg  *negotiator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:  app.NewRegistry(10, time.Hour, nil),
		resp: &responder{},
		neg:  &negotiator{},
	}
	f.mux = NewMux(context.Background(), f.reg, resolver{}, f.neg, f.resp, Options{
		QueueSize:  4,
		ICEServers: []protocol.ICEServer{{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"}},
	})
	return f
}

func (f *fixture) session(t *testing.T, owner domain.OwnerID, config domain.ConfigID) (domain.SessionID, domain.Token) {
	t.Helper()
	id, tok, err := f.reg.Create(owner, config)
	require.NoError(t, err)
	return id, tok
}

func (f *fixture) connect(t *testing.T, rawID string, tok domain.Token) (*Connection, *fakeSignal) {
	t.Helper()
	sig := &fakeSignal{}
	conn, err := f.mux.Connect(rawID, tok, sig)
	require.NoError(t, err)
	t.Cleanup(func() { f.mux.Disconnect(conn) })
	return conn, sig
}

func content(text string, ref domain.SessionID) []byte {
	b, _ := json.Marshal(map[string]any{"type": "content", "text": text, "session_ref": ref})
	return b
}

func TestConnectModes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id, tok := f.session(t, "u1", "13")
	_, otherTok := f.session(t, "u2", "13")

	conn, sig := f.connect(t, "user_u1", tok)
	assert.Equal(t, OwnerScoped, conn.Mode)
	assert.Equal(t, domain.OwnerID("u1"), conn.Owner)

	welcome := sig.ofType(t, protocol.TypeConnected)
	require.Len(t, welcome, 1)
	assert.Equal(t, "user_u1", welcome[0]["connection_id"])
	assert.Equal(t, "owner_scoped", welcome[0]["mode"])
	assert.Len(t, welcome[0]["ice_servers"], 1)

	legacy, _ := f.connect(t, string(id), tok)
	assert.Equal(t, Legacy, legacy.Mode)
	assert.Equal(t, id, legacy.Bound)

	for _, tc := range []struct {
		raw string
		tok domain.Token
	}{
		{"user_u1", otherTok},
		{"user_u1", "nope"},
		{string(id), otherTok},
		{string(id), ""},
		{"unknown-session", tok},
	} {
		_, err := f.mux.Connect(tc.raw, tc.tok, &fakeSignal{})
		assert.ErrorIs(t, err, domain.ErrAuth, tc.raw)
	}
	assert.Equal(t, 2, f.mux.Hub.Count())
}

func TestOwnerScopedContentNeedsSessionRef(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, tok := f.session(t, "u1", "13")
	conn, sig := f.connect(t, "user_u1", tok)

	f.mux.OnMessage(conn, []byte(`{"type":"content","text":"hi"}`))

	errs := sig.ofType(t, protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "protocol", errs[0]["stage"])
	assert.Contains(t, errs[0]["message"], "session_ref")
	assert.Empty(t, f.resp.recorded())
}

func TestPerSessionOrdering(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// m1 is slower than m2; results must still come back in receipt order
	f.resp.delays = map[string]time.Duration{"m1": 50 * time.Millisecond}
	id, tok := f.session(t, "u1", "13")
	conn, sig := f.connect(t, "user_u1", tok)

	f.mux.OnMessage(conn, content("m1", id))
	f.mux.OnMessage(conn, content("m2", id))

	require.Eventually(t, func() bool { return len(sig.ofType(t, protocol.TypeTextResult)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []call{{id, "m1", 1}, {id, "m2", 2}}, f.resp.recorded())

	results := sig.ofType(t, protocol.TypeTextResult)
	assert.Equal(t, "re: m1", results[0]["text"])
	assert.Equal(t, "re: m2", results[1]["text"])
	assert.Equal(t, string(id), results[0]["session_ref"])
}

func TestAudioTurnsShareTheSessionQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.resp.delays = map[string]time.Duration{"m1": 30 * time.Millisecond}
	id, tok := f.session(t, "u1", "13")
	conn, sig := f.connect(t, "user_u1", tok)

	audio, _ := json.Marshal(map[string]any{"type": "audio", "audio": []byte("OggS"), "format": "audio/ogg", "session_ref": id})
	f.mux.OnMessage(conn, content("m1", id))
	f.mux.OnMessage(conn, audio)

	require.Eventually(t, func() bool { return len(sig.ofType(t, protocol.TypeTextResult)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []call{{id, "m1", 1}, {id, "audio:OggS", 2}}, f.resp.recorded())

	// audio without a session_ref is rejected like content
	f.mux.OnMessage(conn, []byte(`{"type":"audio","audio":"T2dnUw=="}`))
	errs := sig.ofType(t, protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0]["message"], "session_ref")
}

func TestSessionsRunIndependently(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	slow, tok := f.session(t, "u1", "13")
	fast, _ := f.session(t, "u1", "14")
	f.resp.block = slow
	conn, sig := f.connect(t, "user_u1", tok)

	f.mux.OnMessage(conn, content("stuck", slow))
	f.mux.OnMessage(conn, content("quick", fast))

	require.Eventually(t, func() bool { return len(sig.ofType(t, protocol.TypeTextResult)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, string(fast), sig.ofType(t, protocol.TypeTextResult)[0]["session_ref"])
	assert.ElementsMatch(t, []domain.SessionID{slow, fast}, conn.sessions())
}

func TestContentForForeignOrUnknownSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, tok := f.session(t, "u1", "13")
	foreign, _ := f.session(t, "u2", "13")
	missingCfg, _ := f.session(t, "u1", "missing")
	conn, sig := f.connect(t, "user_u1", tok)

	f.mux.OnMessage(conn, content("hi", foreign))
	f.mux.OnMessage(conn, content("hi", "does-not-exist"))
	f.mux.OnMessage(conn, content("hi", missingCfg))

	errs := sig.ofType(t, protocol.TypeError)
	require.Len(t, errs, 3)
	assert.Equal(t, errs[0]["message"], errs[1]["message"], "foreign sessions look unknown")
	assert.Equal(t, "protocol", errs[0]["stage"])
	assert.Equal(t, "config", errs[2]["stage"])
	assert.Empty(t, f.resp.recorded())
}

func TestLegacyConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id, tok := f.session(t, "u1", "13")
	other, _ := f.session(t, "u1", "14")
	conn, sig := f.connect(t, string(id), tok)

	// no session_ref needed, a different one is refused
	f.mux.OnMessage(conn, []byte(`{"type":"content","text":"hi"}`))
	f.mux.OnMessage(conn, content("hi", other))

	require.Eventually(t, func() bool { return len(sig.ofType(t, protocol.TypeTextResult)) == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, sig.ofType(t, protocol.TypeError), 1)

	f.mux.Disconnect(conn)
	_, err := f.reg.Lookup(id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = f.reg.Lookup(other)
	assert.NoError(t, err)
	assert.True(t, sig.isClosed())
	assert.Equal(t, []domain.OwnerID{"u1"}, f.neg.teardowns())
}

func TestOwnerScopedDisconnectKeepsSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id, tok := f.session(t, "u1", "13")
	first, _ := f.connect(t, "user_u1", tok)
	second, _ := f.connect(t, "user_u1", tok)

	f.mux.Disconnect(first)
	assert.Empty(t, f.neg.teardowns(), "media stays while the owner has a connection")
	f.mux.Disconnect(second)
	assert.Equal(t, []domain.OwnerID{"u1"}, f.neg.teardowns())

	_, err := f.reg.Lookup(id)
	assert.NoError(t, err)

	// disconnecting twice is harmless
	f.mux.Disconnect(second)
	assert.Len(t, f.neg.teardowns(), 1)
}

func TestSessionCloseCancelsInFlightWork(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id, tok := f.session(t, "u1", "13")
	f.resp.block = id
	f.resp.canceled = make(chan domain.SessionID, 1)

	owned, _ := f.connect(t, "user_u1", tok)
	legacy, legacySig := f.connect(t, string(id), tok)

	f.mux.OnMessage(owned, content("long", id))
	require.Eventually(t, func() bool { return len(f.resp.recorded()) == 1 }, time.Second, 5*time.Millisecond)

	f.reg.Close(id)

	select {
	case got := <-f.resp.canceled:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("in-flight pipeline not canceled")
	}
	assert.Empty(t, owned.sessions())
	assert.True(t, legacySig.isClosed(), "legacy connection of a closed session is closed")
	assert.False(t, legacy.Closed(), "the read loop finishes the disconnect")
}

func TestMediaMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, tok := f.session(t, "u1", "13")
	conn, sig := f.connect(t, "user_u1", tok)

	f.mux.OnMessage(conn, []byte(`{"type":"media_offer","sdp":"v=0","owner_id":"u1"}`))
	f.mux.OnMessage(conn, []byte(`{"type":"media_candidate","candidate":"candidate:1 1 udp 1 198.51.100.1 9 typ relay","owner_id":"u1","sdpMid":"0","sdpMLineIndex":0}`))
	f.mux.OnMessage(conn, []byte(`{"type":"media_offer","sdp":"v=0","owner_id":"u2"}`))

	msgs := sig.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, protocol.TypeConnected, msgs[0]["type"])
	assert.Equal(t, protocol.TypeMediaAnswer, msgs[1]["type"])
	assert.Equal(t, protocol.TypeMediaCandidate, msgs[2]["type"])
	assert.Equal(t, "u1", msgs[2]["owner_id"])
	assert.Equal(t, "0", msgs[2]["sdpMid"])
	assert.Equal(t, protocol.TypeError, msgs[3]["type"])
	assert.Equal(t, "protocol", msgs[3]["stage"])

	f.neg.mu.Lock()
	assert.Equal(t, 1, f.neg.offers)
	require.Len(t, f.neg.remote, 1)
	assert.Equal(t, "0", *f.neg.remote[0].SDPMid)
	sig0 := f.neg.signalers[0]
	f.neg.mu.Unlock()

	// later negotiator events reach the offering connection
	sig0.MediaFailed("u1", domain.ErrMediaNegotiation)
	last := sig.messages(t)[len(sig.messages(t))-1]
	assert.Equal(t, "media", last["stage"])
}

func TestOfferFailureIsMediaError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.neg.offerErr = errors.New("boom")
	_, tok := f.session(t, "u1", "13")
	conn, sig := f.connect(t, "user_u1", tok)

	f.mux.OnMessage(conn, []byte(`{"type":"media_offer","sdp":"v=0"}`))
	errs := sig.ofType(t, protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "media", errs[0]["stage"])
	assert.Empty(t, sig.ofType(t, protocol.TypeMediaAnswer))
}

func TestPingAndBadFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, tok := f.session(t, "u1", "13")
	conn, sig := f.connect(t, "user_u1", tok)

	f.mux.OnMessage(conn, []byte(`{"type":"ping"}`))
	f.mux.OnMessage(conn, []byte(`{not json`))
	f.mux.OnMessage(conn, []byte(`{"type":"shout"}`))

	assert.Len(t, sig.ofType(t, protocol.TypePong), 1)
	errs := sig.ofType(t, protocol.TypeError)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, "protocol", e["stage"])
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id, tok := f.session(t, "u1", "13")
	f.resp.block = id
	conn, sig := f.connect(t, "user_u1", tok)

	// one message is taken by the worker, four fill the queue
	f.mux.OnMessage(conn, content("m0", id))
	require.Eventually(t, func() bool { return len(f.resp.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	for range 5 {
		f.mux.OnMessage(conn, content("more", id))
	}

	errs := sig.ofType(t, protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0]["message"], ErrQueueFull.Error())
}

func TestBackpressurePolicy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, tok := f.session(t, "u1", "13")
	conn, sig := f.connect(t, "user_u1", tok)

	sig.mu.Lock()
	sig.full = true
	sig.mu.Unlock()

	conn.Send(protocol.NewPong())
	assert.False(t, sig.isClosed(), "pong is dropped")

	conn.Send(protocol.NewTextResult("s1", 1, "hello", time.Now()))
	assert.True(t, sig.isClosed(), "undeliverable result closes the connection")
}
