package core

import (
	"context"

	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/pion/webrtc/v4"
)

// PeerState is the connection-level state reported by the media layer.
type PeerState int

const (
	PeerChecking PeerState = iota
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerChecking:
		return "checking"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerConnection is the slice of a WebRTC peer connection the negotiator needs.
type PeerConnection interface {
	// ApplyOffer sets the remote offer and returns the local answer once ICE
	// gathering has completed.
	ApplyOffer(ctx context.Context, offerSDP string) (string, error)
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange sets a callback for connection state changes.
	OnStateChange(func(PeerState))
	// Close should stop all underlying media resources.
	Close() error
}

// PeerFactory builds a peer connection that already carries the given local tracks.
type PeerFactory func(owner domain.OwnerID, tracks ...webrtc.TrackLocal) (PeerConnection, error)
