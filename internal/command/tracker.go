package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g960059/tronclient/internal/cmdlock"
	"github.com/g960059/tronclient/internal/reply"
)

// Writer delivers one formatted command line to the hub.
type Writer interface {
	WriteLine(line string) error
}

// Transition reports a command state change.
type Transition struct {
	ID   int
	Text string
	From State
	To   State
	Err  error
	At   time.Time
}

type Options struct {
	Lock         *cmdlock.Lock
	Now          func() time.Time
	OnTransition func(Transition)
	Logger       *slog.Logger
	// Redact rewrites command text before it is logged.
	Redact func(string) string
}

type SubmitOptions struct {
	// Await keeps the command lock until this command resolves, so the next
	// submission waits for it to finish.
	Await bool
}

// Tracker owns the outstanding commands of a client. Ids start at 1 and are
// never reused for the lifetime of the tracker.
type Tracker struct {
	lock         *cmdlock.Lock
	now          func() time.Time
	onTransition func(Transition)
	logger       *slog.Logger
	redact       func(string) string

	mu          sync.Mutex
	writer      Writer
	nextID      int
	outstanding map[int]*Command
	// awaiting is the id of the Await command holding the lock, or 0.
	awaiting int
}

func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		lock:         opts.Lock,
		now:          opts.Now,
		onTransition: opts.OnTransition,
		logger:       opts.Logger,
		redact:       opts.Redact,
		outstanding:  map[int]*Command{},
	}
	if t.lock == nil {
		t.lock = cmdlock.New()
	}
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if t.redact == nil {
		t.redact = func(s string) string { return s }
	}
	return t
}

func (t *Tracker) Lock() *cmdlock.Lock {
	return t.lock
}

// Attach sets the writer used by Submit. Passing nil detaches.
func (t *Tracker) Attach(w Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writer = w
}

// Submit allocates an id, registers the command and writes it. It returns as
// soon as the line is written; use Command.Wait for the outcome.
func (t *Tracker) Submit(ctx context.Context, text string, opts SubmitOptions) (*Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("command text is required")
	}
	tok, err := t.lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire command lock: %w", err)
	}
	return t.submit(text, tok, opts.Await)
}

// submit registers and writes text while tok holds the lock. The zero token
// writes without the lock; Release ignores it.
func (t *Tracker) submit(text string, tok cmdlock.Token, await bool) (*Command, error) {
	t.mu.Lock()
	w := t.writer
	if w == nil {
		t.mu.Unlock()
		t.lock.Release(tok)
		return nil, ErrNoTransport
	}
	t.nextID++
	cmd := newCommand(t.nextID, text, t.now())
	if await && tok != 0 {
		t.awaiting = cmd.ID
		cmd.onResolve = func() {
			t.mu.Lock()
			if t.awaiting == cmd.ID {
				t.awaiting = 0
			}
			t.mu.Unlock()
			t.lock.Release(tok)
		}
	}
	t.outstanding[cmd.ID] = cmd
	t.mu.Unlock()

	t.emit(Transition{ID: cmd.ID, Text: cmd.Text, From: StateQueued, To: StateQueued, At: cmd.SubmittedAt})

	if err := w.WriteLine(reply.FormatCommand(cmd.ID, cmd.Text)); err != nil {
		t.mu.Lock()
		delete(t.outstanding, cmd.ID)
		t.mu.Unlock()
		werr := fmt.Errorf("write command %d: %w", cmd.ID, err)
		t.finish(cmd, StateFailed, werr)
		t.lock.Release(tok)
		return nil, werr
	}
	t.logger.Debug("command sent", "id", cmd.ID, "text", t.redact(cmd.Text))
	if !await {
		t.lock.Release(tok)
	}
	return cmd, nil
}

// Dispatch routes a reply to its command. It reports whether the reply
// belonged to an outstanding command.
func (t *Tracker) Dispatch(r reply.Reply) bool {
	if r.CommandID == 0 {
		return false
	}
	t.mu.Lock()
	cmd, ok := t.outstanding[r.CommandID]
	if ok && r.Code.Terminal() {
		delete(t.outstanding, r.CommandID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	from, promoted := cmd.addReply(r)
	if promoted {
		t.emit(Transition{ID: cmd.ID, Text: cmd.Text, From: from, To: StateRunning, At: t.now()})
	}
	if !r.Code.Terminal() {
		return true
	}
	if !r.Code.Failure() {
		t.finish(cmd, StateDone, nil)
		return true
	}
	cancelled := cmd.AbortRequested()
	state := StateFailed
	if cancelled {
		state = StateCancelled
	}
	t.finish(cmd, state, &CommandError{
		ID:        cmd.ID,
		Text:      cmd.Text,
		Code:      r.Code,
		Message:   failureMessage(r),
		Cancelled: cancelled,
	})
	return true
}

// Abort marks command id as abort-requested and submits abortText as a
// separate command. The original still resolves only from its own replies.
// When the lock is held by an awaited command, the abort is written without
// it: that command can only resolve once the hub has seen the abort.
func (t *Tracker) Abort(ctx context.Context, id int, abortText string) (*Command, error) {
	abortText = strings.TrimSpace(abortText)
	if abortText == "" {
		return nil, fmt.Errorf("abort text is required")
	}
	t.mu.Lock()
	cmd, ok := t.outstanding[id]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, id)
	}
	cmd.mu.Lock()
	cmd.abortRequested = true
	cmd.mu.Unlock()

	if tok, ok := t.lock.TryAcquire(); ok {
		return t.submit(abortText, tok, false)
	}
	t.mu.Lock()
	awaiting := t.awaiting
	t.mu.Unlock()
	if awaiting != 0 {
		return t.submit(abortText, 0, false)
	}
	tok, err := t.lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire command lock: %w", err)
	}
	return t.submit(abortText, tok, false)
}

// FailAll rejects every outstanding command with err and returns how many
// were rejected.
func (t *Tracker) FailAll(err error) int {
	t.mu.Lock()
	pending := make([]*Command, 0, len(t.outstanding))
	for _, cmd := range t.outstanding {
		pending = append(pending, cmd)
	}
	t.outstanding = map[int]*Command{}
	t.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	n := 0
	for _, cmd := range pending {
		if t.finish(cmd, StateFailed, err) {
			n++
		}
	}
	return n
}

func (t *Tracker) Get(id int) (*Command, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd, ok := t.outstanding[id]
	return cmd, ok
}

// Find returns the most recent outstanding command with the given text.
func (t *Tracker) Find(text string) (*Command, bool) {
	text = strings.TrimSpace(text)
	t.mu.Lock()
	defer t.mu.Unlock()
	var best *Command
	for _, cmd := range t.outstanding {
		if cmd.Text == text && (best == nil || cmd.ID > best.ID) {
			best = cmd
		}
	}
	return best, best != nil
}

func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// finish resolves cmd and notifies observers before waiters are released.
func (t *Tracker) finish(cmd *Command, state State, err error) bool {
	at := t.now()
	from, ok := cmd.resolve(state, err, at)
	if !ok {
		return false
	}
	if err != nil {
		t.logger.Debug("command rejected", "id", cmd.ID, "text", t.redact(cmd.Text), "state", state.String(), "error", err)
	}
	t.emit(Transition{ID: cmd.ID, Text: cmd.Text, From: from, To: state, Err: err, At: at})
	cmd.settle()
	return true
}

func (t *Tracker) emit(tr Transition) {
	if t.onTransition != nil {
		t.onTransition(tr)
	}
}
