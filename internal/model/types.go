package model

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// ConnState is the lifecycle state of the hub connection.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnAuthorising  ConnState = "authorising"
	ConnAuthorised   ConnState = "authorised"
	ConnFailed       ConnState = "failed"
	ConnTimedOut     ConnState = "timed_out"
)

// Live reports whether a transport is open in this state.
func (s ConnState) Live() bool {
	return s == ConnConnected || s == ConnAuthorising || s == ConnAuthorised
}

type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportWebSocket TransportKind = "ws"
)

// ConnectionParams are the reconnect parameters kept under user.connection.*.
type ConnectionParams struct {
	Host      string
	Port      int
	Transport TransportKind
	Program   string
	Username  string
}

func (p ConnectionParams) Address() string {
	return net.JoinHostPort(strings.TrimSpace(p.Host), strconv.Itoa(p.Port))
}

func (p ConnectionParams) Valid() bool {
	return strings.TrimSpace(p.Host) != "" && p.Port > 0 && p.Port <= 65535
}

// Credentials authorise a connection. The password is never persisted.
type Credentials struct {
	Program  string
	Username string
	Password string
}

// StatusChange is published on every connection state transition.
type StatusChange struct {
	From      ConnState
	To        ConnState
	At        time.Time
	Err       error
	SessionID string
	// UserInitiated is set when the transition came from an explicit
	// Disconnect or Close.
	UserInitiated bool
	// ReconnectFailed is set on the final Disconnected transition after the
	// single automatic reconnect attempt did not succeed.
	ReconnectFailed bool
}

// JournalEntry is one persisted command outcome.
type JournalEntry struct {
	SessionID   string
	CommandID   int
	Text        string
	State       string
	Error       string
	SubmittedAt time.Time
	FinishedAt  *time.Time
}
