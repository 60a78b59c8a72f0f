package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DBInterface is implemented by both *sqlx.DB and *sqlx.Tx.
type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

// SQLStore implements storage.Store on Postgres or SQLite. Queries are written
// with '?' placeholders and rebound for the driver.
type SQLStore struct {
	db *sqlx.DB
}

const sessionColumns = "id, topic, output_format, input_tokens, output_tokens, final_report, status, error_msg, created_at, updated_at, completed_at"

const auditColumns = "id, session_id, step_name, status, input_snapshot, output_snapshot, token_in, token_out, model, duration_ms, error_msg, note, started_at, completed_at"

// sqliteSchema mirrors migrations/000001_init.up.sql.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    topic         TEXT NOT NULL,
    output_format TEXT NOT NULL DEFAULT '',
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    final_report  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    error_msg     TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL,
    completed_at  TIMESTAMP
);
CREATE TABLE IF NOT EXISTS session_tasks (
    session_id TEXT NOT NULL,
    position   INTEGER NOT NULL,
    name       TEXT NOT NULL,
    result     TEXT NOT NULL,
    PRIMARY KEY (session_id, position),
    UNIQUE (session_id, name)
);
CREATE TABLE IF NOT EXISTS audit_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL,
    step_name       TEXT NOT NULL,
    status          TEXT NOT NULL,
    input_snapshot  TEXT NOT NULL DEFAULT '',
    output_snapshot TEXT NOT NULL DEFAULT '',
    token_in        INTEGER NOT NULL DEFAULT 0,
    token_out       INTEGER NOT NULL DEFAULT 0,
    model           TEXT NOT NULL DEFAULT '',
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    error_msg       TEXT NOT NULL DEFAULT '',
    note            TEXT NOT NULL DEFAULT '',
    started_at      TIMESTAMP NOT NULL,
    completed_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS audit_log_session_idx ON audit_log (session_id, id);
`

// NewPostgresStore connects to an already migrated Postgres database.
func NewPostgresStore(connStr string) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// NewSQLiteStore opens (or creates) the database file at path and applies the schema.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction and commits only if fn succeeds.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx DBInterface) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) CreateSession(ctx context.Context, sess models.Session) error {
	return s.withTx(ctx, func(tx DBInterface) error {
		_, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO sessions ("+sessionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
			sess.ID, sess.Topic, sess.OutputFormat, sess.InputTokens, sess.OutputTokens, sess.FinalReport,
			sess.Status, sess.ErrorMsg, sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt)
		if err != nil {
			return fmt.Errorf("create session %s: %w", sess.ID, err)
		}
		return insertTasks(ctx, tx, sess.ID, sess.Tasks, 0)
	})
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind("SELECT "+sessionColumns+" FROM sessions WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	tasks, err := loadTasks(ctx, s.db, id)
	if err != nil {
		return models.Session{}, err
	}
	sess.Tasks = tasks
	return sess, nil
}

// SaveSession updates the session row and appends the task records not yet
// stored, after checking that the stored ones are an unchanged prefix.
func (s *SQLStore) SaveSession(ctx context.Context, sess models.Session) error {
	return s.withTx(ctx, func(tx DBInterface) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE sessions SET topic = ?, output_format = ?, input_tokens = ?,
			output_tokens = ?, final_report = ?, status = ?, error_msg = ?, updated_at = ?, completed_at = ? WHERE id = ?`),
			sess.Topic, sess.OutputFormat, sess.InputTokens, sess.OutputTokens, sess.FinalReport,
			sess.Status, sess.ErrorMsg, sess.UpdatedAt, sess.CompletedAt, sess.ID)
		if err != nil {
			return fmt.Errorf("save session %s: %w", sess.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.ErrNotFound
		}

		stored, err := loadTasks(ctx, tx, sess.ID)
		if err != nil {
			return err
		}
		if len(sess.Tasks) < len(stored) {
			return fmt.Errorf("session %s: cannot drop stored task records", sess.ID)
		}
		for i, t := range stored {
			if sess.Tasks[i] != t {
				return fmt.Errorf("session %s: task record %d (%s) cannot be rewritten", sess.ID, i, t.Name)
			}
		}
		return insertTasks(ctx, tx, sess.ID, sess.Tasks[len(stored):], len(stored))
	})
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx DBInterface) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM session_tasks WHERE session_id = ?"), id); err != nil {
			return fmt.Errorf("delete tasks of session %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM sessions WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

type taskRow struct {
	SessionID string `db:"session_id"`
	Name      string `db:"name"`
	Result    string `db:"result"`
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	sessions := []models.Session{}
	if err := s.db.SelectContext(ctx, &sessions, "SELECT "+sessionColumns+" FROM sessions ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT session_id, name, result FROM session_tasks ORDER BY session_id, position"); err != nil {
		return nil, fmt.Errorf("list session tasks: %w", err)
	}
	tasks := make(map[string][]models.TaskRecord)
	for _, r := range rows {
		tasks[r.SessionID] = append(tasks[r.SessionID], models.TaskRecord{Name: r.Name, Result: r.Result})
	}
	for i := range sessions {
		sessions[i].Tasks = tasks[sessions[i].ID]
		if sessions[i].Tasks == nil {
			sessions[i].Tasks = []models.TaskRecord{}
		}
	}
	return sessions, nil
}

func (s *SQLStore) AppendAudit(ctx context.Context, rec models.AuditRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`INSERT INTO audit_log (session_id, step_name, status, input_snapshot,
		output_snapshot, token_in, token_out, model, duration_ms, error_msg, note, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		rec.SessionID, rec.StepName, rec.Status, rec.InputSnapshot, rec.OutputSnapshot, rec.TokenIn, rec.TokenOut,
		rec.Model, rec.DurationMs, rec.ErrorMsg, rec.Note, rec.StartedAt, rec.CompletedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append audit for session %s: %w", rec.SessionID, err)
	}
	return id, nil
}

func (s *SQLStore) UpdateAudit(ctx context.Context, rec models.AuditRecord) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE audit_log SET status = ?, input_snapshot = ?, output_snapshot = ?,
		token_in = ?, token_out = ?, model = ?, duration_ms = ?, error_msg = ?, note = ?, completed_at = ?
		WHERE id = ? AND session_id = ?`),
		rec.Status, rec.InputSnapshot, rec.OutputSnapshot, rec.TokenIn, rec.TokenOut, rec.Model,
		rec.DurationMs, rec.ErrorMsg, rec.Note, rec.CompletedAt, rec.ID, rec.SessionID)
	if err != nil {
		return fmt.Errorf("update audit %d: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListAudit(ctx context.Context, sessionID string) ([]models.AuditRecord, error) {
	rows := []models.AuditRecord{}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind("SELECT "+auditColumns+" FROM audit_log WHERE session_id = ? ORDER BY id"), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list audit for session %s: %w", sessionID, err)
	}
	return rows, nil
}

func (s *SQLStore) PurgeAudit(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM audit_log WHERE session_id = ?"), sessionID)
	if err != nil {
		return fmt.Errorf("purge audit for session %s: %w", sessionID, err)
	}
	return nil
}

func loadTasks(ctx context.Context, db DBInterface, sessionID string) ([]models.TaskRecord, error) {
	tasks := []models.TaskRecord{}
	err := db.SelectContext(ctx, &tasks, db.Rebind("SELECT name, result FROM session_tasks WHERE session_id = ? ORDER BY position"), sessionID)
	if err != nil {
		return nil, fmt.Errorf("load tasks of session %s: %w", sessionID, err)
	}
	return tasks, nil
}

func insertTasks(ctx context.Context, db DBInterface, sessionID string, tasks []models.TaskRecord, offset int) error {
	for i, t := range tasks {
		_, err := db.ExecContext(ctx, db.Rebind("INSERT INTO session_tasks (session_id, position, name, result) VALUES (?, ?, ?, ?)"),
			sessionID, offset+i, t.Name, t.Result)
		if err != nil {
			return fmt.Errorf("insert task %s of session %s: %w", t.Name, sessionID, err)
		}
	}
	return nil
}
