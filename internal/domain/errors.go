package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuth              = errors.New("invalid or expired token")
	ErrCapacityExceeded  = errors.New("maximum sessions reached")
	ErrSessionNotFound   = errors.New("session not found")
	ErrMissingSessionRef = errors.New("session_ref is required in owner-scoped mode")
	ErrProtocol          = errors.New("protocol error")
	ErrUnknownConfig     = errors.New("unknown tutor config")
	ErrMediaNegotiation  = errors.New("media negotiation failed")
	ErrNoMediaSession    = errors.New("no media session")
	ErrTranscription     = errors.New("speech transcription failed")
	ErrGeneration        = errors.New("text generation failed")
	ErrSynthesis         = errors.New("speech synthesis failed")
	ErrRender            = errors.New("frame rendering failed")
)

// Stage names which step produced an error message sent to the client.
type Stage string

const (
	StageProtocol      Stage = "protocol"
	StageConfig        Stage = "config"
	StageTranscription Stage = "transcription"
	StageGeneration    Stage = "generation"
	StageSynthesis     Stage = "synthesis"
	StageRender        Stage = "render"
	StageMedia         Stage = "media"
)

// StageError wraps a pipeline failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func NewStageError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

// StageOf extracts the stage of err, if it carries one.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
