package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer connects through a hub websocket bridge. Each text message
// carries one or more lines.
type WebSocketDialer struct {
	Path             string
	HandshakeTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	path := d.Path
	if path == "" {
		path = "/"
	}
	u := url.URL{Scheme: "ws", Host: address, Path: path}
	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", u.String(), err)
	}
	return NewWebSocketConn(conn), nil
}

type WebSocketConn struct {
	conn    *websocket.Conn
	pending []string

	wmu    sync.Mutex
	closed sync.Once
}

func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	conn.SetReadLimit(maxLineBytes)
	return &WebSocketConn{conn: conn}
}

func (c *WebSocketConn) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(string(data), "\r\n"), "\n") {
			c.pending = append(c.pending, strings.TrimRight(line, "\r"))
		}
	}
	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

func (c *WebSocketConn) Buffered() bool {
	return len(c.pending) > 0
}

func (c *WebSocketConn) WriteLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(strings.TrimRight(line, "\r\n")))
}

func (c *WebSocketConn) Close() error {
	err := ErrClosed
	c.closed.Do(func() {
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}
