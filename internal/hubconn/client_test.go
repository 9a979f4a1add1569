package hubconn_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tronclient/internal/command"
	"github.com/g960059/tronclient/internal/config"
	"github.com/g960059/tronclient/internal/hubconn"
	"github.com/g960059/tronclient/internal/keywords"
	"github.com/g960059/tronclient/internal/model"
	"github.com/g960059/tronclient/internal/testutil"
	"github.com/g960059/tronclient/internal/transport"
)

const waitFor = 3 * time.Second

type statusLog struct {
	mu      sync.Mutex
	changes []model.StatusChange
}

func recordStatus(c *hubconn.Client) *statusLog {
	l := &statusLog{}
	c.SubscribeStatus(func(ch model.StatusChange) {
		l.mu.Lock()
		l.changes = append(l.changes, ch)
		l.mu.Unlock()
	})
	return l
}

func (l *statusLog) states() []model.ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.ConnState, 0, len(l.changes))
	for _, ch := range l.changes {
		out = append(out, ch.To)
	}
	return out
}

func (l *statusLog) find(pred func(model.StatusChange) bool) (model.StatusChange, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.changes {
		if pred(ch) {
			return ch, true
		}
	}
	return model.StatusChange{}, false
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.CommandTimeout = 2 * time.Second
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.Program = "APO"
	cfg.Username = "alice"
	return cfg
}

func newClient(t *testing.T, opts hubconn.Options) *hubconn.Client {
	t.Helper()
	if opts.Config.Port == 0 {
		opts.Config = testConfig()
	}
	c := hubconn.New(opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connectAndAuthorise(t *testing.T, c *hubconn.Client, hub *testutil.Hub) {
	t.Helper()
	host, port := hub.Addr()
	require.NoError(t, c.Connect(context.Background(), host, port))
	ok, err := c.Authorise(context.Background(), model.Credentials{Password: hub.Password})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.ConnAuthorised, c.Status())
}

func TestConnectAndAuthoriseWalksStates(t *testing.T) {
	hub := testutil.NewHub(t)
	c := newClient(t, hubconn.Options{})
	log := recordStatus(c)

	connectAndAuthorise(t, c, hub)
	assert.Equal(t, []model.ConnState{
		model.ConnConnecting,
		model.ConnConnected,
		model.ConnAuthorising,
		model.ConnAuthorised,
	}, log.states())
	assert.NotEmpty(t, c.SessionID())

	received := hub.Received()
	require.Len(t, received, 2)
	assert.Equal(t, "auth knock", received[0])
	assert.Equal(t, "auth login program=APO username=alice password="+hubconn.PasswordHash(hub.Nonce, hub.Password), received[1])
}

func TestSendRequiresAuthorisedConnection(t *testing.T) {
	hub := testutil.NewHub(t)
	c := newClient(t, hubconn.Options{})

	_, err := c.Send(context.Background(), "tcc status", hubconn.SendOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, hubconn.ErrNotConnected))
	var nce *hubconn.NotConnectedError
	require.True(t, errors.As(err, &nce))
	assert.Equal(t, model.ConnDisconnected, nce.State)

	host, port := hub.Addr()
	require.NoError(t, c.Connect(context.Background(), host, port))
	_, err = c.Send(context.Background(), "tcc status", hubconn.SendOptions{})
	assert.True(t, errors.Is(err, hubconn.ErrNotConnected))

	err = c.Connect(context.Background(), host, port)
	assert.True(t, errors.Is(err, hubconn.ErrInvalidState))
}

func TestReplyResolvesCommandFiveAndUpdatesStore(t *testing.T) {
	hub := testutil.NewHub(t)
	hub.SetHandler(func(hc *testutil.HubConn, id int, text string) bool {
		if text == "cmd go" {
			hc.Reply(fmt.Sprintf("cmd %d : temp=21.5; status=OK", id))
			return true
		}
		return false
	})
	c := newClient(t, hubconn.Options{})
	connectAndAuthorise(t, c, hub)

	var (
		mu    sync.Mutex
		batch []keywords.Keyword
	)
	c.SubscribeKeywords([]string{"cmd.temp", "cmd.status"}, func(kws []keywords.Keyword) {
		mu.Lock()
		batch = append(batch, kws...)
		mu.Unlock()
	})

	for i := 0; i < 2; i++ {
		_, err := c.Call(context.Background(), "tcc ping")
		require.NoError(t, err)
	}
	cmd, err := c.Send(context.Background(), "cmd go", hubconn.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, cmd.ID)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cmd.Wait(ctx))
	assert.Equal(t, command.StateDone, cmd.State())

	temp, ok := c.Get("cmd.temp")
	require.True(t, ok)
	require.Len(t, temp.Values, 1)
	n, isNum := temp.Values[0].Number()
	assert.True(t, isNum)
	assert.Equal(t, 21.5, n)
	status, ok := c.Get("cmd.status")
	require.True(t, ok)
	assert.Equal(t, "OK", status.Values[0].String())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batch, 2, "keywords are delivered before the command resolves")
	assert.Equal(t, "cmd.temp", batch[0].Key())
}

func TestFailedReplyRejectsCommand(t *testing.T) {
	hub := testutil.NewHub(t)
	hub.SetHandler(func(hc *testutil.HubConn, id int, text string) bool {
		if strings.HasPrefix(text, "mcp ffs") {
			hc.Reply(fmt.Sprintf("mcp %d w text=\"ffs slow\"", id))
			hc.Reply(fmt.Sprintf("mcp %d f text=\"ffs jammed\"", id))
			return true
		}
		return false
	})
	c := newClient(t, hubconn.Options{})
	connectAndAuthorise(t, c, hub)

	cmd, err := c.Call(context.Background(), "mcp ffs open")
	require.Error(t, err)
	assert.True(t, errors.Is(err, command.ErrCommandFailed))
	assert.Equal(t, command.StateFailed, cmd.State())
	assert.Len(t, cmd.Replies(), 2)
}

func TestDisconnectRejectsOutstandingAndMarksStoreStale(t *testing.T) {
	hub := testutil.NewHub(t)
	hub.SetHandler(func(hc *testutil.HubConn, id int, text string) bool {
		return strings.HasPrefix(text, "hold")
	})
	c := newClient(t, hubconn.Options{})
	log := recordStatus(c)
	connectAndAuthorise(t, c, hub)

	hub.Push("tcc 0 i airTemp=5.5")
	require.Eventually(t, func() bool {
		_, ok := c.Get("tcc.airTemp")
		return ok
	}, waitFor, 5*time.Millisecond)

	const n = 3
	cmds := make([]*command.Command, 0, n)
	for i := 0; i < n; i++ {
		cmd, err := c.Send(context.Background(), fmt.Sprintf("hold %d", i), hubconn.SendOptions{})
		require.NoError(t, err)
		cmds = append(cmds, cmd)
	}
	hub.WaitFor(t, waitFor, func() bool { return len(hub.Received()) == 2+n })
	require.Equal(t, n, c.Outstanding())

	var rejected int
	c.SubscribeCommands(func(tr command.Transition) {
		if tr.To == command.StateFailed && errors.Is(tr.Err, hubconn.ErrConnectionLost) {
			rejected++
		}
	})
	c.Disconnect()

	assert.Equal(t, n, rejected)
	for _, cmd := range cmds {
		err := cmd.Err()
		require.Error(t, err)
		assert.True(t, errors.Is(err, hubconn.ErrConnectionLost))
		var lost *hubconn.ConnectionLostError
		require.True(t, errors.As(err, &lost))
		assert.True(t, lost.UserInitiated)
	}
	assert.Equal(t, 0, c.Outstanding())
	assert.Equal(t, model.ConnDisconnected, c.Status())

	kw, ok := c.Get("tcc.airTemp")
	require.True(t, ok, "store must not be cleared")
	assert.True(t, kw.Stale)

	last, ok := log.find(func(ch model.StatusChange) bool { return ch.To == model.ConnDisconnected })
	require.True(t, ok)
	assert.True(t, last.UserInitiated)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.Accepted(), "user disconnect must not reconnect")
}

func TestUnsubscribedCallbackIsNotInvoked(t *testing.T) {
	hub := testutil.NewHub(t)
	hub.SetHandler(func(hc *testutil.HubConn, id int, text string) bool {
		if text == "tcc move" {
			hc.Reply(fmt.Sprintf("tcc %d : axes=1,2", id))
			return true
		}
		return false
	})
	c := newClient(t, hubconn.Options{})
	connectAndAuthorise(t, c, hub)

	var mu sync.Mutex
	calls := 0
	sub := c.SubscribeKeywords([]string{"tcc.axes"}, func([]keywords.Keyword) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	sub.Unsubscribe()

	_, err := c.Call(context.Background(), "tcc move")
	require.NoError(t, err)
	_, ok := c.Get("tcc.axes")
	require.True(t, ok)
	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()
}

func TestMalformedLinesAreDropped(t *testing.T) {
	hub := testutil.NewHub(t)
	c := newClient(t, hubconn.Options{})
	connectAndAuthorise(t, c, hub)

	hub.Push("garbage")
	hub.Push(`tcc 0 i bad="unterminated`)
	hub.Push("tcc 0 i good=1")
	require.Eventually(t, func() bool {
		_, ok := c.Get("tcc.good")
		return ok
	}, waitFor, 5*time.Millisecond)
	_, ok := c.Get("tcc.bad")
	assert.False(t, ok)
	assert.Equal(t, model.ConnAuthorised, c.Status())
}

func TestAuthoriseRejectionDisconnectsWithoutReconnect(t *testing.T) {
	hub := testutil.NewHub(t)
	c := newClient(t, hubconn.Options{})
	log := recordStatus(c)
	host, port := hub.Addr()
	require.NoError(t, c.Connect(context.Background(), host, port))

	ok, err := c.Authorise(context.Background(), model.Credentials{Password: "wrong"})
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hubconn.ErrAuthentication))
	var authErr *hubconn.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "bad password", authErr.Message)
	assert.Equal(t, model.ConnDisconnected, c.Status())
	assert.Contains(t, log.states(), model.ConnFailed)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.Accepted())

	_, err = c.Authorise(context.Background(), model.Credentials{Password: hub.Password})
	assert.True(t, errors.Is(err, hubconn.ErrNotConnected))
}

func TestUnexpectedLossReconnectsOnceAndReauthorises(t *testing.T) {
	hub := testutil.NewHub(t)
	hub.SetHandler(func(hc *testutil.HubConn, id int, text string) bool {
		return text == "hold"
	})
	store, _ := testutil.NewStore(t)
	c := newClient(t, hubconn.Options{Params: store, Journal: store})
	log := recordStatus(c)
	connectAndAuthorise(t, c, hub)
	firstSession := c.SessionID()

	held, err := c.Send(context.Background(), "hold", hubconn.SendOptions{})
	require.NoError(t, err)
	hub.WaitFor(t, waitFor, func() bool { return len(hub.Received()) == 3 })

	hub.DropAll()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err = held.Wait(ctx)
	require.Error(t, err)
	var lost *hubconn.ConnectionLostError
	require.True(t, errors.As(err, &lost))
	assert.False(t, lost.UserInitiated)

	require.Eventually(t, func() bool {
		return hub.Accepted() == 2 && c.Status() == model.ConnAuthorised
	}, waitFor, 5*time.Millisecond)
	assert.NotEqual(t, firstSession, c.SessionID())

	cmd, err := c.Call(context.Background(), "tcc status")
	require.NoError(t, err)
	assert.Greater(t, cmd.ID, held.ID, "ids keep increasing across reconnects")

	_, failed := log.find(func(ch model.StatusChange) bool { return ch.ReconnectFailed })
	assert.False(t, failed)
}

func TestReconnectFailureIsReported(t *testing.T) {
	hub := testutil.NewHub(t)
	c := newClient(t, hubconn.Options{})
	log := recordStatus(c)
	connectAndAuthorise(t, c, hub)

	require.NoError(t, hub.Close())
	require.Eventually(t, func() bool {
		_, ok := log.find(func(ch model.StatusChange) bool { return ch.ReconnectFailed })
		return ok
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, model.ConnDisconnected, c.Status())
}

func TestConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	blocking := transport.DialerFunc(func(ctx context.Context, address string) (transport.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newClient(t, hubconn.Options{Config: cfg, Dialer: blocking})
	log := recordStatus(c)

	err := c.Connect(context.Background(), "127.0.0.1", 6093)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hubconn.ErrTimeout))
	var te *hubconn.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "connect", te.Op)
	assert.Equal(t, []model.ConnState{model.ConnConnecting, model.ConnTimedOut, model.ConnDisconnected}, log.states())
	assert.Equal(t, model.ConnDisconnected, c.Status())
}

func TestCommandsAreJournaledRedacted(t *testing.T) {
	hub := testutil.NewHub(t)
	store, ctx := testutil.NewStore(t)
	c := newClient(t, hubconn.Options{Params: store, Journal: store})
	connectAndAuthorise(t, c, hub)

	_, err := c.Call(context.Background(), "tcc status")
	require.NoError(t, err)

	entries, err := store.ListJournal(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	byText := map[string]model.JournalEntry{}
	for _, e := range entries {
		assert.Equal(t, c.SessionID(), e.SessionID)
		byText[e.Text] = e
	}
	status, ok := byText["tcc status"]
	require.True(t, ok)
	assert.Equal(t, "done", status.State)
	assert.NotNil(t, status.FinishedAt)
	for text := range byText {
		assert.NotContains(t, text, hubconn.PasswordHash(hub.Nonce, hub.Password))
	}

	p, ok, err := store.LoadConnection(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	host, port := hub.Addr()
	assert.Equal(t, host, p.Host)
	assert.Equal(t, port, p.Port)
	assert.Equal(t, "alice", p.Username)
}

func TestPasswordHash(t *testing.T) {
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", hubconn.PasswordHash("a", "bc"))
}

type transitionLog struct {
	mu  sync.Mutex
	all []command.Transition
}

func recordCommands(c *hubconn.Client) *transitionLog {
	l := &transitionLog{}
	c.SubscribeCommands(func(tr command.Transition) {
		l.mu.Lock()
		l.all = append(l.all, tr)
		l.mu.Unlock()
	})
	return l
}

// terminalIndex returns the position of id's terminal transition, or -1.
func (l *transitionLog) terminalIndex(id int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, tr := range l.all {
		if tr.ID == id && tr.To.Terminal() {
			return i
		}
	}
	return -1
}

func (l *transitionLog) texts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.all))
	for _, tr := range l.all {
		out = append(out, tr.Text)
	}
	return out
}

// abortingHub holds original until stopText arrives, then acknowledges the
// abort and fails the original.
func abortingHub(t *testing.T, original, stopText string) *testutil.Hub {
	t.Helper()
	hub := testutil.NewHub(t)
	var mu sync.Mutex
	origID := 0
	hub.SetHandler(func(hc *testutil.HubConn, id int, text string) bool {
		switch text {
		case original:
			mu.Lock()
			origID = id
			mu.Unlock()
			return true
		case stopText:
			mu.Lock()
			held := origID
			mu.Unlock()
			actor, _, _ := strings.Cut(text, " ")
			hc.Reply(fmt.Sprintf("%s %d : ", actor, id))
			hc.Reply(fmt.Sprintf("%s %d f text=\"exposure aborted\"", actor, held))
			return true
		}
		return false
	})
	return hub
}

func TestAbortOfAwaitedCommandCancelsItAfterItsOwnReply(t *testing.T) {
	hub := abortingHub(t, "boss exposure science", "boss exposure stop")
	c := newClient(t, hubconn.Options{})
	connectAndAuthorise(t, c, hub)
	log := recordCommands(c)

	orig, err := c.Send(context.Background(), "boss exposure science", hubconn.SendOptions{Await: true})
	require.NoError(t, err)
	hub.WaitFor(t, waitFor, func() bool { return len(hub.Received()) == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	abort, err := c.Abort(ctx, orig.ID, "boss exposure stop")
	require.NoError(t, err)

	wctx, wcancel := context.WithTimeout(context.Background(), waitFor)
	defer wcancel()
	err = orig.Wait(wctx)
	var ce *command.CommandError
	require.True(t, errors.As(err, &ce))
	assert.True(t, ce.Cancelled)
	assert.Equal(t, command.StateCancelled, orig.State())
	require.NoError(t, abort.Wait(wctx))
	assert.Less(t, log.terminalIndex(abort.ID), log.terminalIndex(orig.ID), "original resolves from its own reply after the abort")

	cmd, err := c.Call(context.Background(), "boss status")
	require.NoError(t, err)
	assert.Equal(t, abort.ID+1, cmd.ID)
}

func TestAbortTextFindsOutstandingCommand(t *testing.T) {
	hub := abortingHub(t, "tcc track", "tcc stop")
	c := newClient(t, hubconn.Options{})
	connectAndAuthorise(t, c, hub)

	orig, err := c.Send(context.Background(), "tcc track", hubconn.SendOptions{})
	require.NoError(t, err)
	_, err = c.AbortText(context.Background(), "tcc track", "tcc stop")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.Error(t, orig.Wait(ctx))
	assert.Equal(t, command.StateCancelled, orig.State())

	_, err = c.AbortText(context.Background(), "tcc track", "tcc stop")
	assert.True(t, errors.Is(err, command.ErrUnknownCommand))
}

func TestAwaitSerializesSends(t *testing.T) {
	hub := testutil.NewHub(t)
	type held struct {
		hc *testutil.HubConn
		id int
	}
	first := make(chan held, 1)
	hub.SetHandler(func(hc *testutil.HubConn, id int, text string) bool {
		if text == "mcp ffs close" {
			first <- held{hc: hc, id: id}
			return true
		}
		return false
	})
	c := newClient(t, hubconn.Options{})
	connectAndAuthorise(t, c, hub)

	closing, err := c.Send(context.Background(), "mcp ffs close", hubconn.SendOptions{Await: true})
	require.NoError(t, err)
	var h held
	select {
	case h = <-first:
	case <-time.After(waitFor):
		t.Fatalf("hub never saw the awaited command")
	}

	sent := make(chan *command.Command, 1)
	go func() {
		cmd, err := c.Send(context.Background(), "mcp ffs status", hubconn.SendOptions{})
		if err == nil {
			sent <- cmd
		}
	}()
	time.Sleep(100 * time.Millisecond)
	assert.NotContains(t, hub.Received(), "mcp ffs status")

	h.hc.Reply(fmt.Sprintf("mcp %d : ", h.id))
	select {
	case cmd := <-sent:
		assert.Equal(t, closing.ID+1, cmd.ID)
	case <-time.After(waitFor):
		t.Fatalf("second send did not proceed after the first resolved")
	}
	assert.Equal(t, command.StateDone, closing.State())
}

func TestDisconnectWhileConnectingEndsDisconnected(t *testing.T) {
	hub := testutil.NewHub(t)
	release := make(chan struct{})
	dialing := make(chan struct{}, 1)
	dialer := transport.DialerFunc(func(ctx context.Context, address string) (transport.Conn, error) {
		select {
		case dialing <- struct{}{}:
		default:
		}
		<-release
		return (&transport.TCPDialer{}).Dial(context.Background(), address)
	})
	c := newClient(t, hubconn.Options{Dialer: dialer})
	log := recordStatus(c)
	host, port := hub.Addr()

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background(), host, port) }()
	select {
	case <-dialing:
	case <-time.After(waitFor):
		t.Fatalf("dial never started")
	}
	c.Disconnect()
	assert.Equal(t, model.ConnDisconnected, c.Status())

	close(release)
	var err error
	select {
	case err = <-errc:
	case <-time.After(waitFor):
		t.Fatalf("connect did not return")
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, hubconn.ErrConnectionLost))
	assert.Equal(t, model.ConnDisconnected, c.Status())
	assert.Equal(t, []model.ConnState{model.ConnConnecting, model.ConnDisconnected}, log.states())

	connectAndAuthorise(t, c, hub)
}

func TestDisconnectWhileStreamingLeavesOnlyStaleKeywords(t *testing.T) {
	hub := testutil.NewHub(t)
	c := newClient(t, hubconn.Options{})

	for round := 0; round < 10; round++ {
		connectAndAuthorise(t, c, hub)
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				hub.Push(fmt.Sprintf("tcc 0 i k%d=%d", i%50, i))
			}
		}()
		require.Eventually(t, func() bool {
			for _, kw := range c.Snapshot() {
				if !kw.Stale {
					return true
				}
			}
			return false
		}, waitFor, time.Millisecond)

		c.Disconnect()
		for _, kw := range c.Snapshot() {
			require.True(t, kw.Stale, "%s fresh after disconnect in round %d", kw.Key(), round)
		}
		close(stop)
		<-done
	}
}

func TestCommandEventsCarryRedactedText(t *testing.T) {
	hub := testutil.NewHub(t)
	c := newClient(t, hubconn.Options{})
	log := recordCommands(c)
	connectAndAuthorise(t, c, hub)

	digest := hubconn.PasswordHash(hub.Nonce, hub.Password)
	sawLogin := false
	for _, text := range log.texts() {
		assert.NotContains(t, text, digest)
		if strings.HasPrefix(text, "auth login") {
			sawLogin = true
			assert.Contains(t, text, "password=[REDACTED]")
		}
	}
	assert.True(t, sawLogin)
}

func TestOversizedReplyIsDroppedWithoutDisconnecting(t *testing.T) {
	hub := testutil.NewHub(t)
	c := newClient(t, hubconn.Options{})
	connectAndAuthorise(t, c, hub)

	hub.Push("tcc 0 i huge=" + strings.Repeat("9", 1<<20+16))
	hub.Push("tcc 0 i after=1")
	require.Eventually(t, func() bool {
		_, ok := c.Get("tcc.after")
		return ok
	}, waitFor, 5*time.Millisecond)
	_, ok := c.Get("tcc.huge")
	assert.False(t, ok)
	assert.Equal(t, model.ConnAuthorised, c.Status())
	assert.Equal(t, 1, hub.Accepted())
}
