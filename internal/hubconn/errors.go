package hubconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/g960059/tronclient/internal/model"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrConnectionLost = errors.New("connection lost")
	ErrAuthentication = errors.New("authentication failed")
	ErrTimeout        = errors.New("timed out")
	ErrInvalidState   = errors.New("invalid connection state")
	ErrClosed         = errors.New("client closed")
)

// NotConnectedError is returned by Send and Abort unless the connection is
// authorised.
type NotConnectedError struct {
	State model.ConnState
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("not connected: connection is %s", e.State)
}

func (e *NotConnectedError) Unwrap() error { return ErrNotConnected }

// ConnectionLostError rejects every command still outstanding when the
// transport goes away.
type ConnectionLostError struct {
	Cause         error
	UserInitiated bool
}

func (e *ConnectionLostError) Error() string {
	switch {
	case e.UserInitiated:
		return "connection lost: disconnected by user"
	case e.Cause != nil:
		return fmt.Sprintf("connection lost: %v", e.Cause)
	default:
		return "connection lost"
	}
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnectionLost}
	}
	return []error{ErrConnectionLost, e.Cause}
}

type AuthenticationError struct {
	Program  string
	Username string
	Message  string
	Cause    error
}

func (e *AuthenticationError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "rejected by hub"
	}
	return fmt.Sprintf("authenticate %s/%s: %s", e.Program, e.Username, msg)
}

func (e *AuthenticationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrAuthentication}
	}
	return []error{ErrAuthentication, e.Cause}
}

type TimeoutError struct {
	Op      string
	Address string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %s", e.Op, e.Address, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
