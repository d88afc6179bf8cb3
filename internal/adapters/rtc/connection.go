// Package rtc adapts pion peer connections to the media negotiator.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// NewAPI builds the pion API shared by every peer connection: default codecs
// and interceptors, and ICE restricted to the configured UDP port range.
func NewAPI(ice app.ICESettings) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if ice.PortMin > 0 && ice.PortMax >= ice.PortMin {
		if err := se.SetEphemeralUDPPortRange(ice.PortMin, ice.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// Configuration gathers relay candidates only, through the TURN address the
// server itself can reach.
func Configuration(ice app.ICESettings) webrtc.Configuration {
	cfg := webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyRelay}
	if ice.ServerTURN != "" {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       []string{ice.ServerTURN},
			Username:   ice.Username,
			Credential: ice.Credential,
		})
	}
	return cfg
}

// NewFactory returns a core.PeerFactory producing WebRTCConnections.
func NewFactory(ice app.ICESettings) (core.PeerFactory, error) {
	api, err := NewAPI(ice)
	if err != nil {
		return nil, err
	}
	cfg := Configuration(ice)
	return func(owner domain.OwnerID, tracks ...webrtc.TrackLocal) (core.PeerConnection, error) {
		return NewWebRTCConnection(api, cfg, owner, tracks...)
	}, nil
}

type WebRTCConnection struct {
	pc    *webrtc.PeerConnection
	owner domain.OwnerID

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(core.PeerState)
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, owner domain.OwnerID, tracks ...webrtc.TrackLocal) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{pc: pc, owner: owner}

	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("owner", string(owner)).Str("peer_connection_state", s.String()).Msg("Peer state")
		st, ok := peerState(s)
		if !ok {
			return
		}
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(st)
		}
	})

	return c, nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func peerState(s webrtc.PeerConnectionState) (core.PeerState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.PeerChecking, true
	case webrtc.PeerConnectionStateConnected:
		return core.PeerConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return core.PeerDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return core.PeerFailed, true
	case webrtc.PeerConnectionStateClosed:
		return core.PeerClosed, true
	default:
		return 0, false
	}
}

// ApplyOffer sets the remote offer, creates the answer and waits for ICE
// gathering so the returned SDP carries every local candidate.
func (c *WebRTCConnection) ApplyOffer(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description")
	}
	return local.SDP, nil
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *WebRTCConnection) OnStateChange(fn func(core.PeerState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *WebRTCConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("owner", string(c.owner)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("owner", string(c.owner)).Msg("closed")
	return nil
}
