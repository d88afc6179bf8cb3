// Package protocol defines the JSON messages exchanged over the multiplexed
// signaling channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/pion/webrtc/v4"
)

const (
	TypeContent        = "content"
	TypeAudio          = "audio"
	TypeTranscription  = "transcription"
	TypeMediaOffer     = "media_offer"
	TypeMediaAnswer    = "media_answer"
	TypeMediaCandidate = "media_candidate"
	TypeTextResult     = "text_result"
	TypeAudioResult    = "audio_result"
	TypeError          = "error"
	TypeConnected      = "connected"
	TypePing           = "ping"
	TypePong           = "pong"
)

// Inbound is one decoded client message. The concrete type is one of
// Content, Audio, MediaOffer, MediaCandidate or Ping.
type Inbound interface {
	inbound()
}

type Content struct {
	Text       string           `json:"text"`
	SessionRef domain.SessionID `json:"session_ref,omitempty"`
}

// Audio is a recorded utterance. It is transcribed and then answered like
// Content. Audio is base64 in JSON.
type Audio struct {
	Audio      []byte           `json:"audio"`
	Format     string           `json:"format,omitempty"`
	SessionRef domain.SessionID `json:"session_ref,omitempty"`
}

type MediaOffer struct {
	SDP     string         `json:"sdp"`
	OwnerID domain.OwnerID `json:"owner_id"`
}

type MediaCandidate struct {
	Candidate     string         `json:"candidate"`
	OwnerID       domain.OwnerID `json:"owner_id,omitempty"`
	SDPMid        *string        `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16        `json:"sdpMLineIndex,omitempty"`
}

// Init converts the message into the form pion expects.
func (m MediaCandidate) Init() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     m.Candidate,
		SDPMid:        m.SDPMid,
		SDPMLineIndex: m.SDPMLineIndex,
	}
}

type Ping struct{}

func (Content) inbound()        {}
func (Audio) inbound()          {}
func (MediaOffer) inbound()     {}
func (MediaCandidate) inbound() {}
func (Ping) inbound()           {}

// Decode parses raw into its Inbound variant. Errors wrap domain.ErrProtocol.
func Decode(raw []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: bad json: %v", domain.ErrProtocol, err)
	}

	switch env.Type {
	case TypeContent:
		var m Content
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: bad content payload: %v", domain.ErrProtocol, err)
		}
		if m.Text == "" {
			return nil, fmt.Errorf("%w: empty text", domain.ErrProtocol)
		}
		return m, nil
	case TypeAudio:
		var m Audio
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: bad audio payload: %v", domain.ErrProtocol, err)
		}
		if len(m.Audio) == 0 {
			return nil, fmt.Errorf("%w: empty audio", domain.ErrProtocol)
		}
		return m, nil
	case TypeMediaOffer:
		var m MediaOffer
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: bad media_offer payload: %v", domain.ErrProtocol, err)
		}
		if m.SDP == "" {
			return nil, fmt.Errorf("%w: empty sdp", domain.ErrProtocol)
		}
		return m, nil
	case TypeMediaCandidate:
		var m MediaCandidate
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: bad media_candidate payload: %v", domain.ErrProtocol, err)
		}
		return m, nil
	case TypePing:
		return Ping{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", domain.ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrProtocol, env.Type)
	}
}

type MediaAnswer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type OutCandidate struct {
	Type          string         `json:"type"`
	Candidate     string         `json:"candidate"`
	OwnerID       domain.OwnerID `json:"owner_id"`
	SDPMid        *string        `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16        `json:"sdpMLineIndex,omitempty"`
}

type TextResult struct {
	Type       string           `json:"type"`
	Text       string           `json:"text"`
	Role       string           `json:"role"`
	Timestamp  string           `json:"timestamp"`
	SessionRef domain.SessionID `json:"session_ref,omitempty"`
	Turn       uint64           `json:"turn"`
}

// Transcription echoes what the student said in an audio message.
type Transcription struct {
	Type       string           `json:"type"`
	Text       string           `json:"text"`
	Role       string           `json:"role"`
	Timestamp  string           `json:"timestamp"`
	SessionRef domain.SessionID `json:"session_ref,omitempty"`
	Turn       uint64           `json:"turn"`
}

type AudioResult struct {
	Type       string           `json:"type"`
	Audio      []byte           `json:"audio"`
	Format     string           `json:"format"`
	SessionRef domain.SessionID `json:"session_ref,omitempty"`
	Turn       uint64           `json:"turn"`
}

type Error struct {
	Type       string           `json:"type"`
	Message    string           `json:"message"`
	Stage      domain.Stage     `json:"stage,omitempty"`
	SessionRef domain.SessionID `json:"session_ref,omitempty"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Connected struct {
	Type         string      `json:"type"`
	ConnectionID string      `json:"connection_id"`
	Mode         string      `json:"mode"`
	ICEServers   []ICEServer `json:"ice_servers"`
}

type Pong struct {
	Type string `json:"type"`
}

func NewMediaAnswer(sdp string) MediaAnswer {
	return MediaAnswer{Type: TypeMediaAnswer, SDP: sdp}
}

func NewCandidate(owner domain.OwnerID, c webrtc.ICECandidateInit) OutCandidate {
	return OutCandidate{
		Type:          TypeMediaCandidate,
		Candidate:     c.Candidate,
		OwnerID:       owner,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

func NewTextResult(ref domain.SessionID, turn uint64, text string, at time.Time) TextResult {
	return TextResult{
		Type:       TypeTextResult,
		Text:       text,
		Role:       RoleAssistant,
		Timestamp:  at.UTC().Format(time.RFC3339),
		SessionRef: ref,
		Turn:       turn,
	}
}

func NewTranscription(ref domain.SessionID, turn uint64, text string, at time.Time) Transcription {
	return Transcription{
		Type:       TypeTranscription,
		Text:       text,
		Role:       RoleUser,
		Timestamp:  at.UTC().Format(time.RFC3339),
		SessionRef: ref,
		Turn:       turn,
	}
}

func NewAudioResult(ref domain.SessionID, turn uint64, speech core.Speech) AudioResult {
	return AudioResult{
		Type:       TypeAudioResult,
		Audio:      speech.Data,
		Format:     speech.Format,
		SessionRef: ref,
		Turn:       turn,
	}
}

// NewError builds an error message; the stage is taken from err when it
// carries one.
func NewError(ref domain.SessionID, err error) Error {
	stage, _ := domain.StageOf(err)
	return Error{
		Type:       TypeError,
		Message:    err.Error(),
		Stage:      stage,
		SessionRef: ref,
	}
}

func NewPong() Pong { return Pong{Type: TypePong} }

// Encode marshals an outbound message into a frame.
func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
