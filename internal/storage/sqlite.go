package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "slashbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps every kind in its own table. Saves replace the whole
// table inside one transaction.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the sqlite driver")
	}
	// A directory path gets a database file inside it.
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, "slashbot.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &Error{Op: "open", Kind: "db", Err: err}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &Error{Op: "open", Kind: "db", Err: err}
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, &Error{Op: "migrate", Kind: "db", Err: err}
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// replace runs fn inside a transaction that first empties table.
func (s *sqliteStore) replace(ctx context.Context, k Kind, table string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Kind: k, Op: "save", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		_ = tx.Rollback()
		return &Error{Kind: k, Op: "save", Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return &Error{Kind: k, Op: "save", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Kind: k, Op: "save", Err: err}
	}
	return nil
}

func (s *sqliteStore) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, title FROM chats ORDER BY id`)
	if err != nil {
		return nil, &Error{Kind: KindChats, Op: "load", Err: err}
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var c ChatRecord
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title); err != nil {
			return nil, &Error{Kind: KindChats, Op: "load", Err: err}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Kind: KindChats, Op: "load", Err: err}
	}
	return out, nil
}

func (s *sqliteStore) SaveChats(ctx context.Context, chats []ChatRecord) error {
	return s.replace(ctx, KindChats, "chats", func(tx *sql.Tx) error {
		for _, c := range chats {
			if _, err := tx.ExecContext(ctx, `INSERT INTO chats(id, kind, title) VALUES(?,?,?)`, c.ID, c.Kind, c.Title); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) LoadSettings(ctx context.Context) (SettingsRecord, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM settings WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return SettingsRecord{}, false, nil
	}
	if err != nil {
		return SettingsRecord{}, false, &Error{Kind: KindSettings, Op: "load", Err: err}
	}
	var rec SettingsRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		s.log.Warn("settings row malformed; using defaults", logx.Err(err))
		return SettingsRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *sqliteStore) SaveSettings(ctx context.Context, rec SettingsRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return &Error{Kind: KindSettings, Op: "save", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings(id, body) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`, string(b))
	if err != nil {
		return &Error{Kind: KindSettings, Op: "save", Err: err}
	}
	return nil
}

func (s *sqliteStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM jobs ORDER BY position`)
	if err != nil {
		return nil, &Error{Kind: KindJobs, Op: "load", Err: err}
	}
	defer rows.Close()

	var raw []json.RawMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, &Error{Kind: KindJobs, Op: "load", Err: err}
		}
		raw = append(raw, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Kind: KindJobs, Op: "load", Err: err}
	}
	return decodeJobRecords(raw, s.log), nil
}

func (s *sqliteStore) SaveJobs(ctx context.Context, jobs []JobRecord) error {
	return s.replace(ctx, KindJobs, "jobs", func(tx *sql.Tx) error {
		for i, j := range jobs {
			b, err := json.Marshal(j)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO jobs(id, position, body) VALUES(?,?,?)`, j.ID, i, string(b)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, source, actor, action, target, chat_id, ok, err, summary)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Source, nullStr(e.Actor), e.Action, nullStr(e.Target),
		e.ChatID, ok, nullStr(e.Error), nullStr(e.Summary),
	)
	if err != nil {
		return &Error{Kind: KindAudit, Op: "append", Err: err}
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
