package rtc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurationIsRelayOnly(t *testing.T) {
	t.Parallel()

	cfg := Configuration(app.ICESettings{
		ServerTURN: "turn:127.0.0.1:3478?transport=udp",
		ClientTURN: "turn:turn.example.org:3478",
		Username:   "tutor",
		Credential: "secret",
	})
	assert.Equal(t, webrtc.ICETransportPolicyRelay, cfg.ICETransportPolicy)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"turn:127.0.0.1:3478?transport=udp"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, "tutor", cfg.ICEServers[0].Username)

	assert.Empty(t, Configuration(app.ICESettings{}).ICEServers)
}

func TestPeerStateMapping(t *testing.T) {
	t.Parallel()

	for in, want := range map[webrtc.PeerConnectionState]core.PeerState{
		webrtc.PeerConnectionStateConnecting:   core.PeerChecking,
		webrtc.PeerConnectionStateConnected:    core.PeerConnected,
		webrtc.PeerConnectionStateDisconnected: core.PeerDisconnected,
		webrtc.PeerConnectionStateFailed:       core.PeerFailed,
		webrtc.PeerConnectionStateClosed:       core.PeerClosed,
	} {
		got, ok := peerState(in)
		assert.True(t, ok, in.String())
		assert.Equal(t, want, got, in.String())
	}
	_, ok := peerState(webrtc.PeerConnectionStateNew)
	assert.False(t, ok)
}

func TestApplyOfferAnswersWithLocalTracks(t *testing.T) {
	t.Parallel()

	factory, err := NewFactory(app.ICESettings{PortMin: 40000, PortMax: 40100})
	require.NoError(t, err)

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "tutor-u1")
	require.NoError(t, err)
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "tutor-u1")
	require.NoError(t, err)

	peer, err := factory("u1", video, audio)
	require.NoError(t, err)
	defer peer.Close()

	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer client.Close()
	_, err = client.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	require.NoError(t, err)
	_, err = client.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	require.NoError(t, err)
	offer, err := client.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, client.SetLocalDescription(offer))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answer, err := peer.ApplyOffer(ctx, offer.SDP)
	require.NoError(t, err)

	assert.Contains(t, answer, "m=video")
	assert.Contains(t, answer, "m=audio")
	assert.Contains(t, answer, "a=sendonly")
	assert.NotContains(t, answer, "typ host", "relay policy gathers no host candidates")
	assert.True(t, strings.Contains(answer, "VP8") && strings.Contains(answer, "opus"))

	assert.Error(t, peer.AddICECandidate(webrtc.ICECandidateInit{Candidate: "garbage"}))
}

func TestApplyOfferRejectsBadSDP(t *testing.T) {
	t.Parallel()

	factory, err := NewFactory(app.ICESettings{})
	require.NoError(t, err)
	peer, err := factory("u1")
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.ApplyOffer(context.Background(), "not an sdp")
	assert.Error(t, err)
}
