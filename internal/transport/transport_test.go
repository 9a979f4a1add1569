package transport

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tronclient/internal/model"
)

func TestTCPLineConnReadsAndWritesLines(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	received := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Write([]byte(".hub 0 i version=\"1.0\"\r\ntcc 1 : \n"))
		line, _ := bufio.NewReader(c).ReadString('\n')
		received <- line
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := (&TCPDialer{}).Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	line, err := conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `.hub 0 i version="1.0"`, line)
	line, err = conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "tcc 1 : ", line)
	assert.False(t, conn.Buffered())

	require.NoError(t, conn.WriteLine("1 tcc status"))
	select {
	case got := <-received:
		assert.Equal(t, "1 tcc status\n", got)
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not receive the line")
	}
}

func TestTCPDialFailureIsWrapped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = (&TCPDialer{}).Dial(context.Background(), addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial tcp")
}

func TestLineConnCloseIsIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewLineConn(a)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClosed)
}

func TestOversizedLineIsDroppedAndConnectionStaysUsable(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewLineConn(a)
	defer c.Close()

	go func() {
		_, _ = b.Write([]byte(strings.Repeat("x", maxLineBytes+100) + "\n"))
		_, _ = b.Write([]byte("tcc 0 i ok=1\n"))
	}()

	_, err := c.ReadLine()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLineTooLong)
	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "tcc 0 i ok=1", line)
}

func TestWebSocketConnSplitsMessagesIntoLines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte("tcc 0 i axes=1,2\nmcp 0 i ffs=open\n"))
		_, data, err := c.ReadMessage()
		if err == nil {
			received <- string(data)
		}
		_, _, _ = c.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := (&WebSocketDialer{}).Dial(ctx, strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	defer conn.Close()

	line, err := conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "tcc 0 i axes=1,2", line)
	assert.True(t, conn.Buffered())
	line, err = conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "mcp 0 i ffs=open", line)
	assert.False(t, conn.Buffered())

	require.NoError(t, conn.WriteLine("7 mcp status\n"))
	select {
	case got := <-received:
		assert.Equal(t, "7 mcp status", got)
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not receive the message")
	}
}

func TestForKind(t *testing.T) {
	d, err := ForKind(model.TransportTCP)
	require.NoError(t, err)
	assert.IsType(t, &TCPDialer{}, d)
	d, err = ForKind(model.TransportWebSocket)
	require.NoError(t, err)
	assert.IsType(t, &WebSocketDialer{}, d)
	_, err = ForKind("udp")
	assert.Error(t, err)
}
