package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/tronclient/internal/model"
	"github.com/g960059/tronclient/internal/security"
)

var ErrNotFound = errors.New("not found")

const (
	KeyHost      = "user.connection.host"
	KeyPort      = "user.connection.port"
	KeyTransport = "user.connection.transport"
	KeyProgram   = "user.connection.program"
	KeyUsername  = "user.connection.username"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// OpenMigrated opens path and applies pending migrations.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	s, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, s.db); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get pref %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("pref key is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO prefs(key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value=excluded.value,
	updated_at=excluded.updated_at
`, key, value, ts(s.now()))
	if err != nil {
		return fmt.Errorf("set pref %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM prefs WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete pref %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// All returns every preference keyed by name.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM prefs ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list prefs: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan pref: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// LoadConnection reads the stored reconnect parameters. ok is false when no
// usable host and port are stored.
func (s *Store) LoadConnection(ctx context.Context) (model.ConnectionParams, bool, error) {
	all, err := s.All(ctx)
	if err != nil {
		return model.ConnectionParams{}, false, err
	}
	p := model.ConnectionParams{
		Host:      all[KeyHost],
		Transport: model.TransportKind(all[KeyTransport]),
		Program:   all[KeyProgram],
		Username:  all[KeyUsername],
	}
	if raw := all[KeyPort]; raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return model.ConnectionParams{}, false, fmt.Errorf("stored port %q: %w", raw, err)
		}
		p.Port = port
	}
	if p.Transport == "" {
		p.Transport = model.TransportTCP
	}
	return p, p.Valid(), nil
}

func (s *Store) SaveConnection(ctx context.Context, p model.ConnectionParams) error {
	if !p.Valid() {
		return fmt.Errorf("invalid connection params %q", p.Address())
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save connection: %w", err)
	}
	now := ts(s.now())
	values := [][2]string{
		{KeyHost, strings.TrimSpace(p.Host)},
		{KeyPort, strconv.Itoa(p.Port)},
		{KeyTransport, string(p.Transport)},
		{KeyProgram, p.Program},
		{KeyUsername, p.Username},
	}
	for _, kv := range values {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO prefs(key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value=excluded.value,
	updated_at=excluded.updated_at
`, kv[0], kv[1], now); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("save %s: %w", kv[0], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save connection: %w", err)
	}
	return nil
}

// RecordCommand upserts a journal row. Command text is redacted before it is
// written; text that cannot be safely redacted is stored empty.
func (s *Store) RecordCommand(ctx context.Context, e model.JournalEntry) error {
	if strings.TrimSpace(e.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if e.CommandID <= 0 {
		return fmt.Errorf("command_id must be positive")
	}
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = s.now()
	}
	var errText any
	if e.Error != "" {
		errText = security.RedactCommand(e.Error)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_journal(session_id, command_id, text, state, error, submitted_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, command_id) DO UPDATE SET
	state=excluded.state,
	error=excluded.error,
	finished_at=excluded.finished_at
`, e.SessionID, e.CommandID, security.RedactForStorage(e.Text), e.State, errText, ts(e.SubmittedAt), nullableTS(e.FinishedAt))
	if err != nil {
		return fmt.Errorf("record command %d: %w", e.CommandID, err)
	}
	return nil
}

// ListJournal returns the newest entries first.
func (s *Store) ListJournal(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, command_id, text, state, error, submitted_at, finished_at
FROM command_journal
ORDER BY submitted_at DESC, command_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()
	out := []model.JournalEntry{}
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneJournal keeps the newest keep rows and returns how many were removed.
func (s *Store) PruneJournal(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM command_journal
WHERE rowid NOT IN (
	SELECT rowid FROM command_journal
	ORDER BY submitted_at DESC, command_id DESC
	LIMIT ?
)
`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanJournal(scanner interface{ Scan(dest ...any) error }) (model.JournalEntry, error) {
	var (
		e           model.JournalEntry
		errText     sql.NullString
		submittedAt string
		finishedAt  sql.NullString
	)
	if err := scanner.Scan(&e.SessionID, &e.CommandID, &e.Text, &e.State, &errText, &submittedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.JournalEntry{}, ErrNotFound
		}
		return model.JournalEntry{}, fmt.Errorf("scan journal: %w", err)
	}
	e.Error = errText.String
	t, err := parseTS(submittedAt)
	if err != nil {
		return model.JournalEntry{}, fmt.Errorf("parse submitted_at: %w", err)
	}
	e.SubmittedAt = t
	if finishedAt.Valid {
		t, err := parseTS(finishedAt.String)
		if err != nil {
			return model.JournalEntry{}, fmt.Errorf("parse finished_at: %w", err)
		}
		e.FinishedAt = &t
	}
	return e, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
