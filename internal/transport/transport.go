package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/g960059/tronclient/internal/model"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport closed")

// Conn is a bidirectional line stream to the hub. ReadLine must be called
// from a single goroutine; WriteLine is safe for concurrent use.
type Conn interface {
	// ReadLine returns the next line without its terminator.
	ReadLine() (string, error)
	// Buffered reports whether another line can be read without blocking
	// on the network.
	Buffered() bool
	WriteLine(line string) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}

// ForKind returns the dialer for a configured transport.
func ForKind(kind model.TransportKind) (Dialer, error) {
	switch kind {
	case model.TransportTCP, "":
		return &TCPDialer{}, nil
	case model.TransportWebSocket:
		return &WebSocketDialer{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
