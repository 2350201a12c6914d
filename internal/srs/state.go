package srs

import (
	"errors"
	"time"
)

// State is the position of a client in its session lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncEstablished
	StateStreaming
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncEstablished:
		return "sync_established"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Established reports whether a session is usable for streaming.
func (s State) Established() bool {
	return s == StateSyncEstablished || s == StateStreaming || s == StateDraining
}

// Session is a point-in-time copy of a client's session state.
type Session struct {
	State             State
	GUID              string
	UnitName          string
	UnitID            uint32
	OpenedAt          time.Time
	LastHeartbeat     time.Time
	ReconnectAttempts int
	NextPacketID      uint64
}

// Transition records a state change. Err is set when a failure caused it.
type Transition struct {
	StationID   string
	FrequencyHz int64
	From        State
	To          State
	GUID        string
	At          time.Time
	Err         error
}

// ErrNetworkSession marks handshake, heartbeat and channel failures. The
// session is gone and the caller reconnects with backoff.
var ErrNetworkSession = errors.New("network session error")

// SessionError carries the station and state a session failure happened in.
type SessionError struct {
	Station string
	State   State
	Op      string
	Cause   error
}

func (e *SessionError) Error() string {
	msg := "srs " + e.Op + " for station " + e.Station + " in state " + e.State.String()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrNetworkSession}
	}
	return []error{ErrNetworkSession, e.Cause}
}
