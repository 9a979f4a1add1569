package testutil

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// HubHandler answers one command. It returns false to fall back to the
// default reply, "<actor> <id> : ".
type HubHandler func(c *HubConn, id int, text string) bool

// Hub is a scripted in-process hub on a loopback TCP port. It answers the
// auth knock/login handshake itself.
type Hub struct {
	Nonce    string
	Password string

	ln     net.Listener
	group  *errgroup.Group
	cancel context.CancelFunc

	mu       sync.Mutex
	handler  HubHandler
	conns    map[*HubConn]struct{}
	accepted int
	received []string
	changed  chan struct{}
}

type HubConn struct {
	hub  *Hub
	conn net.Conn
	wmu  sync.Mutex
}

// Reply writes one raw line to this connection.
func (c *HubConn) Reply(line string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, _ = c.conn.Write([]byte(strings.TrimRight(line, "\n") + "\n"))
}

func NewHub(t testing.TB) *Hub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	h := &Hub{
		Nonce:    "0123456789abcdef",
		Password: "secret",
		ln:       ln,
		group:    group,
		cancel:   cancel,
		conns:    map[*HubConn]struct{}{},
		changed:  make(chan struct{}),
	}
	group.Go(func() error { return h.acceptLoop(ctx) })
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func (h *Hub) Addr() (string, int) {
	addr := h.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (h *Hub) SetHandler(fn HubHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

// Push writes line to every open connection.
func (h *Hub) Push(line string) {
	for _, c := range h.open() {
		c.Reply(line)
	}
}

// DropAll closes every open connection from the hub side.
func (h *Hub) DropAll() {
	for _, c := range h.open() {
		_ = c.conn.Close()
	}
}

func (h *Hub) Accepted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

// Received returns every command line seen so far, without the id.
func (h *Hub) Received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.received...)
}

// WaitFor polls cond until it holds or timeout elapses.
func (h *Hub) WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("hub condition not met within %s", timeout)
		}
		h.mu.Lock()
		ch := h.changed
		h.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (h *Hub) Close() error {
	h.cancel()
	err := h.ln.Close()
	h.DropAll()
	if werr := h.group.Wait(); werr != nil && !errors.Is(werr, net.ErrClosed) && !errors.Is(werr, context.Canceled) {
		return werr
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (h *Hub) open() []*HubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*HubConn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *Hub) acceptLoop(ctx context.Context) error {
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		hc := &HubConn{hub: h, conn: conn}
		h.mu.Lock()
		h.conns[hc] = struct{}{}
		h.accepted++
		h.notifyLocked()
		h.mu.Unlock()
		h.group.Go(func() error {
			h.serve(hc)
			return nil
		})
	}
}

func (h *Hub) serve(c *HubConn) {
	defer func() {
		_ = c.conn.Close()
		h.mu.Lock()
		delete(h.conns, c)
		h.notifyLocked()
		h.mu.Unlock()
	}()
	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		idRaw, text, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(idRaw)
		if err != nil {
			continue
		}
		h.mu.Lock()
		h.received = append(h.received, text)
		handler := h.handler
		h.notifyLocked()
		h.mu.Unlock()

		if h.answerAuth(c, id, text) {
			continue
		}
		if handler != nil && handler(c, id, text) {
			continue
		}
		actor, _, _ := strings.Cut(text, " ")
		c.Reply(fmt.Sprintf("%s %d : ", actor, id))
	}
}

func (h *Hub) answerAuth(c *HubConn, id int, text string) bool {
	switch {
	case text == "auth knock":
		c.Reply(fmt.Sprintf("auth %d : KnockKnock=%q", id, h.Nonce))
		return true
	case strings.HasPrefix(text, "auth login "):
		sum := sha1.Sum([]byte(h.Nonce + h.Password))
		want := hex.EncodeToString(sum[:])
		if strings.Contains(text, "password="+want) {
			c.Reply(fmt.Sprintf("auth %d : loggedIn=true", id))
		} else {
			c.Reply(fmt.Sprintf("auth %d f why=\"bad password\"", id))
		}
		return true
	}
	return false
}
