package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/g960059/tronclient/internal/config"
	"github.com/g960059/tronclient/internal/fanout"
	"github.com/g960059/tronclient/internal/hubconn"
	"github.com/g960059/tronclient/internal/keywords"
	"github.com/g960059/tronclient/internal/logging"
	"github.com/g960059/tronclient/internal/model"
	"github.com/g960059/tronclient/internal/prefs"
	"github.com/g960059/tronclient/internal/reply"
	"github.com/g960059/tronclient/internal/transport"
	"github.com/g960059/tronclient/internal/uistate"
)

const passwordEnv = "TRON_PASSWORD"

type Runner struct {
	out    io.Writer
	errOut io.Writer
	in     io.Reader
	now    func() time.Time
	// password returns the hub password; tests replace it.
	password func(prompt string) (string, error)
	dialer   transport.Dialer

	outMu sync.Mutex
}

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	r := &Runner{
		out:    out,
		errOut: errOut,
		in:     os.Stdin,
		now:    time.Now,
	}
	r.password = r.promptPassword
	return r
}

type globals struct {
	configPath string
	host       string
	port       int
	transport  string
	program    string
	username   string
	dbPath     string
	logLevel   string
}

type env struct {
	cfg    config.Config
	logger *slog.Logger
	store  *prefs.Store
	params model.ConnectionParams
}

func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tronctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var g globals
	fs.StringVar(&g.configPath, "config", config.Path(), "config file")
	fs.StringVar(&g.host, "host", "", "hub host")
	fs.IntVar(&g.port, "port", 0, "hub port")
	fs.StringVar(&g.transport, "transport", "", "tcp or ws")
	fs.StringVar(&g.program, "program", "", "program name")
	fs.StringVar(&g.username, "username", "", "user name")
	fs.StringVar(&g.dbPath, "db", "", "preferences database")
	fs.StringVar(&g.logLevel, "log-level", "", "debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status", "send", "get", "watch", "prefs", "journal":
	default:
		r.printUsage()
		return 2
	}

	e, err := r.setup(ctx, g)
	if err != nil {
		return r.handleErr(err)
	}
	defer e.close()

	switch rest[0] {
	case "status":
		return r.runStatus(ctx, e, rest[1:])
	case "send":
		return r.runSend(ctx, e, rest[1:])
	case "get":
		return r.runGet(ctx, e, rest[1:])
	case "watch":
		return r.runWatch(ctx, e, rest[1:])
	case "prefs":
		return r.runPrefs(ctx, e, rest[1:])
	default:
		return r.runJournal(ctx, e, rest[1:])
	}
}

// setup resolves configuration: flags, then stored preferences, then the
// config file and defaults.
func (r *Runner) setup(ctx context.Context, g globals) (*env, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.DBPath = g.dbPath
	}
	level, err := logging.Resolve(g.logLevel, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logging.New(r.errOut, level)}
	store, err := prefs.OpenMigrated(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}
	e.store = store

	p := cfg.Params()
	if stored, ok, err := store.LoadConnection(ctx); err != nil {
		e.logger.Warn("ignoring stored connection", "error", err)
	} else if ok {
		if stored.Program == "" {
			stored.Program = p.Program
		}
		if stored.Username == "" {
			stored.Username = p.Username
		}
		p = stored
	}
	if g.host != "" {
		p.Host = g.host
	}
	if g.port != 0 {
		p.Port = g.port
	}
	if g.transport != "" {
		p.Transport = model.TransportKind(g.transport)
	}
	if g.program != "" {
		p.Program = g.program
	}
	if g.username != "" {
		p.Username = g.username
	}
	e.params = p
	return e, nil
}

func (r *Runner) connect(ctx context.Context, e *env) (*hubconn.Client, error) {
	client := hubconn.New(hubconn.Options{
		Config:  e.cfg,
		Logger:  e.logger,
		Dialer:  r.dialer,
		Params:  e.store,
		Journal: e.store,
	})
	if err := client.ConnectParams(ctx, e.params); err != nil {
		_ = client.Close()
		return nil, err
	}
	password, err := r.password(fmt.Sprintf("password for %s@%s: ", e.params.Username, e.params.Host))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("read password: %w", err)
	}
	if _, err := client.Authorise(ctx, model.Credentials{
		Program:  e.params.Program,
		Username: e.params.Username,
		Password: password,
	}); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (r *Runner) runStatus(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	offline := fs.Bool("offline", false, "print stored parameters without connecting")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	r.printf("hub: %s (%s)\n", e.params.Address(), e.params.Transport)
	r.printf("program: %s\nusername: %s\n", e.params.Program, e.params.Username)
	if *offline {
		return 0
	}
	client, err := r.connect(ctx, e)
	if err != nil {
		r.printf("status: %s\n", model.ConnDisconnected)
		return r.handleErr(err)
	}
	defer client.Close()
	r.printf("status: %s\nsession: %s\n", client.Status(), client.SessionID())
	return 0
}

func (r *Runner) runSend(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	quiet := fs.Bool("quiet", false, "print only the outcome")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: tronctl send [--quiet] <actor> <command...>")
		return 2
	}
	client, err := r.connect(ctx, e)
	if err != nil {
		return r.handleErr(err)
	}
	defer client.Close()

	cmd, err := client.Call(ctx, text)
	if cmd != nil && !*quiet {
		for _, rep := range cmd.Replies() {
			r.printf("%s\n", rep.Raw)
		}
	}
	if err != nil {
		return r.handleErr(err)
	}
	r.printf("command %d %s\n", cmd.ID, cmd.State())
	return 0
}

func (r *Runner) runGet(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tronctl get <actor.keyword>...")
		return 2
	}
	for _, key := range args {
		if _, _, ok := keywords.SplitKey(key); !ok {
			_, _ = fmt.Fprintf(r.errOut, "error: invalid keyword %q, want actor.keyword\n", key)
			return 2
		}
	}
	client, err := r.connect(ctx, e)
	if err != nil {
		return r.handleErr(err)
	}
	defer client.Close()

	missing := 0
	for _, key := range args {
		actor, name, _ := keywords.SplitKey(key)
		cmd, err := client.Call(ctx, fmt.Sprintf("keys getFor=%s %s", actor, name))
		if errors.Is(err, hubconn.ErrNotConnected) || errors.Is(err, hubconn.ErrConnectionLost) {
			return r.handleErr(err)
		}
		if kw, ok := client.Get(key); ok {
			r.printKeyword(kw)
			continue
		}
		if cmd != nil {
			if entry, ok := findEntry(cmd.Replies(), name); ok {
				r.printf("%s=%s\n", key, reply.FormatValues(entry.Values))
				continue
			}
		}
		r.printf("%s: not set\n", key)
		missing++
	}
	if missing > 0 {
		return 1
	}
	return 0
}

func (r *Runner) runWatch(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	duration := fs.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	client, err := r.connect(ctx, e)
	if err != nil {
		return r.handleErr(err)
	}
	defer client.Close()

	var mu sync.Mutex
	state := uistate.Initial()
	state.Conn = client.Status()
	state.SessionID = client.SessionID()
	lost := make(chan string, 1)
	filter := fanout.Filter{Kinds: []fanout.EventKind{fanout.EventStatus, fanout.EventKeywords}, Keys: fs.Args()}
	sub := client.Subscribe(filter, func(ev fanout.Event) {
		mu.Lock()
		prev := state
		state = uistate.Reduce(state, ev)
		next := state
		mu.Unlock()
		switch ev.Kind {
		case fanout.EventKeywords:
			for _, kw := range ev.Keywords {
				r.printRow(next.Keywords[kw.Key()])
			}
		case fanout.EventStatus:
			if next.Conn != prev.Conn {
				r.printf("status: %s -> %s\n", prev.Conn, next.Conn)
			}
			if next.OfferReconnect && !prev.OfferReconnect {
				select {
				case lost <- next.LastError:
				default:
				}
			}
		}
	})
	defer sub.Unsubscribe()

	wctx := ctx
	if *duration > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	select {
	case <-wctx.Done():
		return 0
	case msg := <-lost:
		return r.handleErr(fmt.Errorf("reconnect failed: %s; run the command again to reconnect", msg))
	}
}

func (r *Runner) runPrefs(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		all, err := e.store.All(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			r.printf("%s=%s\n", k, all[k])
		}
		return 0
	case "get":
		if len(args) != 2 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tronctl prefs get <key>")
			return 2
		}
		v, err := e.store.Get(ctx, args[1])
		if err != nil {
			return r.handleErr(err)
		}
		r.printf("%s\n", v)
		return 0
	case "set":
		if len(args) != 3 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tronctl prefs set <key> <value>")
			return 2
		}
		if args[1] == prefs.KeyPort {
			if _, err := strconv.Atoi(args[2]); err != nil {
				return r.handleErr(fmt.Errorf("port must be an integer: %q", args[2]))
			}
		}
		if err := e.store.Set(ctx, args[1], args[2]); err != nil {
			return r.handleErr(err)
		}
		return 0
	case "unset":
		if len(args) != 2 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tronctl prefs unset <key>")
			return 2
		}
		if err := e.store.Delete(ctx, args[1]); err != nil {
			return r.handleErr(err)
		}
		return 0
	default:
		_, _ = fmt.Fprintln(r.errOut, "usage: tronctl prefs <list|get|set|unset>")
		return 2
	}
}

func (r *Runner) runJournal(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 20, "entries to show")
	prune := fs.Bool("prune", false, "drop entries beyond journal_limit")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *prune {
		n, err := e.store.PruneJournal(ctx, e.cfg.JournalLimit)
		if err != nil {
			return r.handleErr(err)
		}
		r.printf("pruned %s entries\n", humanize.Comma(n))
	}
	entries, err := e.store.ListJournal(ctx, *limit)
	if err != nil {
		return r.handleErr(err)
	}
	for _, entry := range entries {
		session := entry.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
		line := fmt.Sprintf("%s #%d %-9s %s (%s)", session, entry.CommandID, entry.State, entry.Text, r.age(entry.SubmittedAt))
		if entry.Error != "" {
			line += ": " + entry.Error
		}
		r.printf("%s\n", line)
	}
	return 0
}

func (r *Runner) printKeyword(kw keywords.Keyword) {
	r.printRow(uistate.Row{Key: kw.Key(), Display: reply.FormatValues(kw.Values), SeenAt: kw.SeenAt, Stale: kw.Stale})
}

func (r *Runner) printRow(row uistate.Row) {
	stale := ""
	if row.Stale {
		stale = " [stale]"
	}
	r.printf("%s=%s (%s)%s\n", row.Key, row.Display, r.age(row.SeenAt), stale)
}

func (r *Runner) age(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, r.now(), "ago", "from now")
}

func (r *Runner) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *Runner) promptPassword(prompt string) (string, error) {
	if v, ok := os.LookupEnv(passwordEnv); ok {
		return v, nil
	}
	if f, ok := r.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(r.errOut, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(r.errOut)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(r.in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func findEntry(replies []reply.Reply, name string) (reply.Entry, bool) {
	for i := len(replies) - 1; i >= 0; i-- {
		if e, ok := replies[i].Keyword(name); ok {
			return e, true
		}
	}
	return reply.Entry{}, false
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: tronctl [--config <path>] [--host <host>] [--port <port>] [--transport tcp|ws] [--program <p>] [--username <u>] [--db <path>] [--log-level <level>] <status|send|get|watch|prefs|journal> ...")
}
