package orch

import "github.com/dkeye/TutorRTC/internal/protocol"

// BackpressureAction says what to do with a message that did not fit into a
// connection's send queue.
type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	CloseConnection
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop"
	case CloseConnection:
		return "close"
	default:
		return "unknown"
	}
}

type Policy interface {
	OnBackpressure(conn *Connection, msg any) BackpressureAction
}

// SimplePolicy drops messages the client can live without and closes the
// connection when a result or an error cannot be delivered.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(_ *Connection, msg any) BackpressureAction {
	switch msg.(type) {
	case protocol.Pong, protocol.OutCandidate:
		return DropFrame
	default:
		return CloseConnection
	}
}
