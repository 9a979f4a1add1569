package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

const maxLineBytes = 1 << 20

var ErrLineTooLong = errors.New("line exceeds limit")

type TCPDialer struct {
	KeepAlive bool
}

func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	var nd net.Dialer
	if !d.KeepAlive {
		nd.KeepAlive = -1
	}
	c, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", address, err)
	}
	return NewLineConn(c), nil
}

// LineConn frames a byte stream into newline-terminated lines.
type LineConn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu    sync.Mutex
	closed sync.Once
}

func NewLineConn(c net.Conn) *LineConn {
	return &LineConn{conn: c, r: bufio.NewReaderSize(c, 64*1024)}
}

// ReadLine returns the next line without its terminator. A line longer than
// the limit is discarded up to its newline and reported as ErrLineTooLong;
// the connection stays usable.
func (c *LineConn) ReadLine() (string, error) {
	var sb strings.Builder
	discarded := 0
	for {
		chunk, err := c.r.ReadSlice('\n')
		if discarded == 0 && sb.Len()+len(chunk) > maxLineBytes {
			discarded = sb.Len()
			sb.Reset()
		}
		if discarded > 0 {
			discarded += len(chunk)
		} else {
			sb.Write(chunk)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && (sb.Len() > 0 || discarded > 0) {
			break
		}
		return "", err
	}
	if discarded > 0 {
		return "", fmt.Errorf("%w: dropped %d bytes", ErrLineTooLong, discarded)
	}
	return strings.TrimRight(sb.String(), "\r\n"), nil
}

func (c *LineConn) Buffered() bool {
	return c.r.Buffered() > 0
}

func (c *LineConn) WriteLine(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := io.WriteString(c.conn, line)
	return err
}

func (c *LineConn) Close() error {
	err := ErrClosed
	c.closed.Do(func() {
		err = c.conn.Close()
	})
	return err
}
