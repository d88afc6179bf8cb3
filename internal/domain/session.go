package domain

import "time"

type (
	SessionID string
	ConfigID  string
	Token     string
)

type SessionStatus int

const (
	StatusActive SessionStatus = iota
	StatusExpired
	StatusClosed
)

func (s SessionStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one logical tutoring conversation. Only the session registry
// mutates it; everybody else works with SessionRef copies.
type Session struct {
	ID           SessionID
	Owner        OwnerID
	Config       ConfigID
	Token        Token
	CreatedAt    time.Time
	LastActivity time.Time
	Status       SessionStatus
}

// Ref returns a value snapshot without the token.
func (s *Session) Ref() SessionRef {
	return SessionRef{
		ID:           s.ID,
		Owner:        s.Owner,
		Config:       s.Config,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		Status:       s.Status,
	}
}

// SessionRef is a read-only view handed out by the registry.
type SessionRef struct {
	ID           SessionID     `json:"session_id"`
	Owner        OwnerID       `json:"owner_id"`
	Config       ConfigID      `json:"config_id"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Status       SessionStatus `json:"-"`
}

func (r SessionRef) Active() bool { return r.Status == StatusActive }
