package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/Guzinn01/disp-whtas/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the file and schema as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
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

// ---- contacts ----

func (s *sqliteStore) ReplaceContacts(ctx context.Context, rows []Contact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Phones already marked sent keep that status across re-imports.
	sent := map[string]bool{}
	rs, err := tx.QueryContext(ctx, `SELECT phone FROM contacts WHERE status = ?`, ContactSent)
	if err != nil {
		return err
	}
	for rs.Next() {
		var phone string
		if err := rs.Scan(&phone); err != nil {
			_ = rs.Close()
			return err
		}
		sent[phone] = true
	}
	if err := rs.Err(); err != nil {
		_ = rs.Close()
		return err
	}
	_ = rs.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts`); err != nil {
		return err
	}
	for i, c := range rows {
		status := c.Status
		if status == "" {
			status = ContactPrepared
		}
		if sent[c.Phone] {
			status = ContactSent
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contacts(phone, name, status, pos) VALUES(?,?,?,?)`,
			c.Phone, c.Name, status, i,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListContacts(ctx context.Context) ([]Contact, error) {
	return s.listContacts(ctx, `SELECT name, phone, status FROM contacts ORDER BY pos`)
}

func (s *sqliteStore) ListPrepared(ctx context.Context) ([]Contact, error) {
	return s.listContacts(ctx,
		`SELECT name, phone, status FROM contacts WHERE status = ? ORDER BY pos`, ContactPrepared)
}

func (s *sqliteStore) listContacts(ctx context.Context, query string, args ...any) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Name, &c.Phone, &c.Status); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateContactStatus(ctx context.Context, phone, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET status = ? WHERE phone = ?`, status, phone)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- sessions ----

func (s *sqliteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, name, COALESCE(phone_number, ''), status FROM sessions ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.PhoneNumber, &sess.Status); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, name, COALESCE(phone_number, ''), status FROM sessions WHERE session_id = ?`,
		id).Scan(&sess.ID, &sess.Name, &sess.PhoneNumber, &sess.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *sqliteStore) UpsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, name, phone_number, status, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   name=excluded.name, phone_number=excluded.phone_number,
		   status=excluded.status, updated_at=excluded.updated_at`,
		sess.ID, sess.Name, nullStr(sess.PhoneNumber), sess.Status,
		time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	return err
}

func (s *sqliteStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
		status, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, target, ok, fail, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Action, nullStr(e.Target),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`,
		before.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
