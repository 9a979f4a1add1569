package hubconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/tronclient/internal/command"
	"github.com/g960059/tronclient/internal/config"
	"github.com/g960059/tronclient/internal/fanout"
	"github.com/g960059/tronclient/internal/keywords"
	"github.com/g960059/tronclient/internal/model"
	"github.com/g960059/tronclient/internal/security"
	"github.com/g960059/tronclient/internal/transport"
)

// ParamStore persists the parameters used for automatic reconnection.
type ParamStore interface {
	LoadConnection(ctx context.Context) (model.ConnectionParams, bool, error)
	SaveConnection(ctx context.Context, p model.ConnectionParams) error
}

// Journal records command outcomes.
type Journal interface {
	RecordCommand(ctx context.Context, e model.JournalEntry) error
}

type Options struct {
	Config config.Config
	Logger *slog.Logger
	// Dialer overrides the dialer chosen from the connection transport.
	Dialer  transport.Dialer
	Params  ParamStore
	Journal Journal
	Now     func() time.Time
}

type SendOptions struct {
	// Await holds the command lock until this command resolves.
	Await bool
}

// Client is the hub connection and the state derived from it. Construct one
// per process and Close it on shutdown.
type Client struct {
	cfg     config.Config
	logger  *slog.Logger
	dialer  transport.Dialer
	params  ParamStore
	journal Journal
	now     func() time.Time

	store   *keywords.Store
	tracker *command.Tracker
	bus     *fanout.Bus

	life     context.Context
	stop     context.CancelFunc
	bg       sync.WaitGroup
	closeOne sync.Once

	mu           sync.Mutex
	state        model.ConnState
	conn         transport.Conn
	gen          uint64
	last         model.ConnectionParams
	creds        *model.Credentials
	sessionID    string
	reconnecting bool
	closed       bool
	dial         *dialAttempt
}

// dialAttempt lets Disconnect abandon a connect that is still dialing.
type dialAttempt struct {
	cancel  context.CancelFunc
	aborted bool
}

func New(opts Options) *Client {
	cfg := opts.Config
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.DefaultConfig().ConnectTimeout
	}
	if cfg.TickMaxLines <= 0 {
		cfg.TickMaxLines = config.DefaultConfig().TickMaxLines
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	life, stop := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		dialer:  opts.Dialer,
		params:  opts.Params,
		journal: opts.Journal,
		now:     now,
		store:   keywords.NewStore(),
		bus:     fanout.NewBus(logger),
		life:    life,
		stop:    stop,
		state:   model.ConnDisconnected,
		last:    cfg.Params(),
	}
	c.tracker = command.NewTracker(command.Options{
		Now:          now,
		OnTransition: c.onTransition,
		Logger:       logger,
		Redact:       security.RedactCommand,
	})
	return c
}

func (c *Client) Status() model.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Params returns the parameters of the current or most recent connection.
func (c *Client) Params() model.ConnectionParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Connect dials host:port with the configured transport.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	p := c.last
	c.mu.Unlock()
	p.Host = host
	p.Port = port
	return c.ConnectParams(ctx, p)
}

// ConnectParams dials using p. It is valid from Disconnected, Failed and
// TimedOut; a failed attempt always ends in Disconnected.
func (c *Client) ConnectParams(ctx context.Context, p model.ConnectionParams) error {
	if p.Transport == "" {
		p.Transport = c.cfg.Transport
	}
	if !p.Valid() {
		return fmt.Errorf("invalid connection parameters %q", p.Address())
	}
	dialer, err := c.dialerFor(p.Transport)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Live() || c.state == model.ConnConnecting {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, state)
	}
	from := c.state
	c.state = model.ConnConnecting
	c.last = p
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	attempt := &dialAttempt{cancel: cancel}
	c.dial = attempt
	c.mu.Unlock()
	c.publish(model.StatusChange{From: from, To: model.ConnConnecting})

	addr := p.Address()
	conn, err := dialer.Dial(dctx, addr)
	timedOut := err != nil && errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	c.mu.Lock()
	if c.dial == attempt {
		c.dial = nil
	}
	if attempt.aborted {
		c.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		c.logger.Info("connect abandoned by disconnect", "address", addr)
		return &ConnectionLostError{Cause: err, UserInitiated: true}
	}
	if err != nil {
		c.mu.Unlock()
		to := model.ConnFailed
		if timedOut {
			to = model.ConnTimedOut
			err = &TimeoutError{Op: "connect", Address: addr, After: c.cfg.ConnectTimeout}
		}
		c.logger.Warn("connect failed", "address", addr, "transport", string(p.Transport), "error", err)
		c.fail(model.ConnConnecting, to, err)
		return err
	}
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		c.fail(model.ConnConnecting, model.ConnFailed, ErrClosed)
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.sessionID = uuid.NewString()
	session := c.sessionID
	c.state = model.ConnConnected
	c.tracker.Attach(conn)
	c.mu.Unlock()

	c.logger.Info("connected", "address", addr, "transport", string(p.Transport), "session", session)
	c.publish(model.StatusChange{From: model.ConnConnecting, To: model.ConnConnected, SessionID: session})

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.readLoop(conn, gen)
	}()
	c.saveParams(p)
	return nil
}

// Send submits text as a command. It returns once the line is written; use
// the returned command to wait for the outcome.
func (c *Client) Send(ctx context.Context, text string, opts SendOptions) (*command.Command, error) {
	if state := c.Status(); state != model.ConnAuthorised {
		return nil, &NotConnectedError{State: state}
	}
	return c.tracker.Submit(ctx, text, command.SubmitOptions{Await: opts.Await})
}

// Call sends text and waits for it to resolve, bounded by CommandTimeout when
// one is configured. A timed out wait leaves the command outstanding.
func (c *Client) Call(ctx context.Context, text string) (*command.Command, error) {
	cmd, err := c.Send(ctx, text, SendOptions{})
	if err != nil {
		return nil, err
	}
	wctx := ctx
	if c.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}
	if err := cmd.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return cmd, &TimeoutError{Op: "command", Address: cmd.Text, After: c.cfg.CommandTimeout}
		}
		return cmd, err
	}
	return cmd, nil
}

// Abort asks the hub to stop command id by sending abortText. The original
// command resolves from its own terminal reply.
func (c *Client) Abort(ctx context.Context, id int, abortText string) (*command.Command, error) {
	if state := c.Status(); state != model.ConnAuthorised {
		return nil, &NotConnectedError{State: state}
	}
	return c.tracker.Abort(ctx, id, abortText)
}

// AbortText aborts the newest outstanding command whose text is original.
func (c *Client) AbortText(ctx context.Context, original, abortText string) (*command.Command, error) {
	cmd, ok := c.tracker.Find(original)
	if !ok {
		return nil, fmt.Errorf("%w: %q", command.ErrUnknownCommand, original)
	}
	return c.Abort(ctx, cmd.ID, abortText)
}

// Disconnect closes the transport without reconnecting. A connect still
// dialing is abandoned and its connection closed once the dial returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if attempt := c.dial; attempt != nil && c.state == model.ConnConnecting {
		attempt.aborted = true
		attempt.cancel()
		c.dial = nil
		c.state = model.ConnDisconnected
		c.mu.Unlock()
		c.publish(model.StatusChange{From: model.ConnConnecting, To: model.ConnDisconnected, UserInitiated: true})
		return
	}
	gen := c.gen
	c.mu.Unlock()
	c.teardown(gen, nil, endUser)
}

// Close disconnects, stops any reconnect attempt and clears the keyword
// store. It is safe to call more than once but not from a subscriber
// callback.
func (c *Client) Close() error {
	c.closeOne.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.creds = nil
		c.mu.Unlock()
		c.stop()
		c.Disconnect()
		c.bg.Wait()
		c.store.Reset()
	})
	return nil
}

func (c *Client) Get(key string) (keywords.Keyword, bool) {
	return c.store.Get(key)
}

func (c *Client) GetMany(keys []string) map[string]keywords.Keyword {
	return c.store.GetMany(keys)
}

func (c *Client) Snapshot() []keywords.Keyword {
	return c.store.Snapshot()
}

func (c *Client) Outstanding() int {
	return c.tracker.Outstanding()
}

func (c *Client) Subscribe(f fanout.Filter, fn func(fanout.Event)) *fanout.Subscription {
	return c.bus.Subscribe(f, fn)
}

func (c *Client) SubscribeKeywords(keys []string, fn func([]keywords.Keyword)) *fanout.Subscription {
	return c.bus.SubscribeKeywords(keys, fn)
}

func (c *Client) SubscribeStatus(fn func(model.StatusChange)) *fanout.Subscription {
	return c.bus.SubscribeStatus(fn)
}

func (c *Client) SubscribeCommands(fn func(command.Transition)) *fanout.Subscription {
	return c.bus.SubscribeCommands(fn)
}

func (c *Client) dialerFor(kind model.TransportKind) (transport.Dialer, error) {
	if c.dialer != nil {
		return c.dialer, nil
	}
	return transport.ForKind(kind)
}

// fail moves an attempt that never produced a live connection through the
// failure state to Disconnected.
func (c *Client) fail(from, to model.ConnState, err error) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()
	c.publish(model.StatusChange{From: from, To: to, Err: err})
	c.mu.Lock()
	if c.state == to {
		c.state = model.ConnDisconnected
	}
	c.mu.Unlock()
	c.publish(model.StatusChange{From: to, To: model.ConnDisconnected, Err: err})
}

type endReason int

const (
	endLost endReason = iota
	endUser
	endRejected
)

// teardown ends connection generation gen. Keywords are marked stale and
// every outstanding command is rejected before Disconnected is published.
// Only an unexpected loss of a live connection schedules a reconnect. It
// reports false when gen is no longer current.
func (c *Client) teardown(gen uint64, cause error, reason endReason) bool {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return false
	}
	from := c.state
	conn := c.conn
	session := c.sessionID
	c.conn = nil
	c.gen++
	c.state = model.ConnDisconnected
	reconnect := reason == endLost && !c.closed && from.Live()
	c.tracker.Attach(nil)
	c.mu.Unlock()

	_ = conn.Close()
	c.bus.Flush()
	stale := c.store.MarkStale()
	userInitiated := reason == endUser
	lost := &ConnectionLostError{Cause: cause, UserInitiated: userInitiated}
	rejected := c.tracker.FailAll(lost)

	var statusErr error
	switch reason {
	case endUser:
		c.logger.Info("disconnected", "session", session, "rejected", rejected, "stale", stale)
	case endRejected:
		statusErr = cause
		c.logger.Info("closed after rejected handshake", "session", session, "rejected", rejected)
	default:
		statusErr = lost
		c.logger.Warn("connection lost", "session", session, "error", cause, "rejected", rejected, "stale", stale)
	}
	c.publish(model.StatusChange{From: from, To: model.ConnDisconnected, Err: statusErr, SessionID: session, UserInitiated: userInitiated})

	if reconnect {
		c.startReconnect(lost)
	}
	return true
}

func (c *Client) startReconnect(cause error) {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()
		if err := c.reconnect(c.life); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("reconnect failed", "error", err, "cause", cause)
			c.publish(model.StatusChange{
				From:            model.ConnDisconnected,
				To:              model.ConnDisconnected,
				Err:             err,
				ReconnectFailed: true,
			})
		}
	}()
}

// reconnect makes the single automatic attempt: stored parameters when the
// param store has them, the last used ones otherwise, then re-authorises with
// the credentials of the lost session.
func (c *Client) reconnect(ctx context.Context) error {
	if err := sleepWithContext(ctx, c.cfg.ReconnectDelay); err != nil {
		return err
	}
	c.mu.Lock()
	p := c.last
	var creds *model.Credentials
	if c.creds != nil {
		cp := *c.creds
		creds = &cp
	}
	c.mu.Unlock()

	if c.params != nil {
		stored, ok, err := c.params.LoadConnection(ctx)
		if err != nil {
			c.logger.Warn("load stored connection", "error", err)
		} else if ok {
			p = stored
		}
	}
	c.logger.Info("reconnecting", "address", p.Address(), "transport", string(p.Transport))
	if err := c.ConnectParams(ctx, p); err != nil {
		return fmt.Errorf("reconnect %s: %w", p.Address(), err)
	}
	if creds == nil {
		return nil
	}
	if _, err := c.Authorise(ctx, *creds); err != nil {
		return fmt.Errorf("reauthorise: %w", err)
	}
	return nil
}

func (c *Client) saveParams(p model.ConnectionParams) {
	if c.params == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.life, 2*time.Second)
	defer cancel()
	if err := c.params.SaveConnection(ctx, p); err != nil {
		c.logger.Warn("save connection params", "error", err)
	}
}

func (c *Client) publish(change model.StatusChange) {
	if change.At.IsZero() {
		change.At = c.now()
	}
	c.logger.Debug("status", "from", string(change.From), "to", string(change.To))
	c.bus.PublishStatus(change)
}

func (c *Client) onTransition(tr command.Transition) {
	published := tr
	published.Text = security.RedactCommand(tr.Text)
	c.bus.PublishCommand(published)
	if c.journal == nil {
		return
	}
	if tr.To != command.StateQueued && !tr.To.Terminal() {
		return
	}
	session := c.SessionID()
	if session == "" {
		return
	}
	entry := model.JournalEntry{
		SessionID:   session,
		CommandID:   tr.ID,
		Text:        tr.Text,
		State:       tr.To.String(),
		SubmittedAt: tr.At,
	}
	if tr.To.Terminal() {
		at := tr.At
		entry.FinishedAt = &at
	}
	if tr.Err != nil {
		entry.Error = tr.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.journal.RecordCommand(ctx, entry); err != nil {
		c.logger.Warn("journal command", "id", tr.ID, "error", err)
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
