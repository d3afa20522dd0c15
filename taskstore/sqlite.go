package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"mcpa2a/a2a"
	loggerv2 "mcpa2a/logger/v2"
)

// SQLiteStore persists tasks in a SQLite database. Status, messages and
// artifacts are stored as JSON documents.
type SQLiteStore struct {
	db     *sql.DB
	locks  *keyedMutex
	logger loggerv2.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path. The path
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string, logger loggerv2.Logger) (*SQLiteStore, error) {
	logger = loggerv2.OrNoop(logger).With(loggerv2.String("component", "taskstore"))

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: an in-memory database is per connection, and writers
	// are serialized by SQLite anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, locks: newKeyedMutex(), logger: logger, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	logger.Info("SQLite task store initialized", loggerv2.String("path", path))
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			state TEXT NOT NULL,
			status_json TEXT NOT NULL,
			metadata_json TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			message_json TEXT NOT NULL,
			PRIMARY KEY (task_id, seq),
			FOREIGN KEY (task_id) REFERENCES tasks(id)
		);

		CREATE TABLE IF NOT EXISTS task_artifacts (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			artifact_json TEXT NOT NULL,
			PRIMARY KEY (task_id, seq),
			FOREIGN KEY (task_id) REFERENCES tasks(id)
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) Upsert(ctx context.Context, params a2a.TaskSendParams) (*a2a.Task, bool, error) {
	unlock := s.locks.Lock(params.ID)
	defer unlock()

	var out *a2a.Task
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := loadTask(ctx, tx, params.ID)
		if err == nil {
			out = t
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		t = newTask(params, s.now())
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
		if err := appendRows(ctx, tx, "task_history", "message_json", t.ID, toAny(t.History)); err != nil {
			return err
		}
		out, created = t, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*a2a.Task, error) {
	var out *a2a.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := loadTask(ctx, tx, id)
		out = t
		return err
	})
	return out, err
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status a2a.TaskStatus, artifacts []a2a.Artifact) (*a2a.Task, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var out *a2a.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		state, err := loadState(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(state, status.State) {
			return transitionError(state, status.State)
		}
		if status.Timestamp.IsZero() {
			status.Timestamp = s.now()
		}
		if err := updateStatusRow(ctx, tx, id, status); err != nil {
			return err
		}
		if err := appendRows(ctx, tx, "task_artifacts", "artifact_json", id, toAny(artifacts)); err != nil {
			return err
		}
		if status.Message != nil {
			if err := appendRows(ctx, tx, "task_history", "message_json", id, []any{status.Message}); err != nil {
				return err
			}
		}
		out, err = loadTask(ctx, tx, id)
		return err
	})
	return out, err
}

func (s *SQLiteStore) Resubmit(ctx context.Context, id string, msg a2a.Message) (*a2a.Task, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var out *a2a.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		state, err := loadState(ctx, tx, id)
		if err != nil {
			return err
		}
		if state != a2a.TaskStateInputRequired {
			return transitionError(state, a2a.TaskStateSubmitted)
		}
		status := a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: s.now()}
		if err := updateStatusRow(ctx, tx, id, status); err != nil {
			return err
		}
		if err := appendRows(ctx, tx, "task_history", "message_json", id, []any{msg}); err != nil {
			return err
		}
		out, err = loadTask(ctx, tx, id)
		return err
	})
	return out, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]*a2a.Task, error) {
	var out []*a2a.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks ORDER BY id`)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			t, err := loadTask(ctx, tx, id)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", loggerv2.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertTask(ctx context.Context, q querier, t *a2a.Task) error {
	status, err := json.Marshal(t.Status)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	var metadata []byte
	if t.Metadata != nil {
		if metadata, err = json.Marshal(t.Metadata); err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
	}
	now := t.Status.Timestamp.UTC().Format(time.RFC3339Nano)
	_, err = q.ExecContext(ctx,
		`INSERT INTO tasks (id, session_id, state, status_json, metadata_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, string(t.Status.State), string(status), nullString(metadata), now, now)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func updateStatusRow(ctx context.Context, q querier, id string, status a2a.TaskStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`UPDATE tasks SET state = ?, status_json = ?, updated_at = ? WHERE id = ?`,
		string(status.State), string(data), status.Timestamp.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	return nil
}

// appendRows adds docs after the highest sequence number already stored
// for the task. table and column are package constants, never user input.
func appendRows(ctx context.Context, q querier, table, column, id string, docs []any) error {
	if len(docs) == 0 {
		return nil
	}
	var next int64
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(seq), -1) + 1 FROM %s WHERE task_id = ?`, table), id).Scan(&next)
	if err != nil {
		return fmt.Errorf("reading %s sequence: %w", table, err)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (task_id, seq, %s) VALUES (?, ?, ?)`, table, column)
	for i, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding %s row: %w", table, err)
		}
		if _, err := q.ExecContext(ctx, insert, id, next+int64(i), string(data)); err != nil {
			return fmt.Errorf("inserting %s row: %w", table, err)
		}
	}
	return nil
}

func loadState(ctx context.Context, q querier, id string) (a2a.TaskState, error) {
	var state string
	err := q.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading task state: %w", err)
	}
	return a2a.TaskState(state), nil
}

func loadTask(ctx context.Context, q querier, id string) (*a2a.Task, error) {
	var (
		t        a2a.Task
		status   string
		metadata sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, session_id, status_json, metadata_json FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.SessionID, &status, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading task: %w", err)
	}
	if err := json.Unmarshal([]byte(status), &t.Status); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}

	if err := loadRows(ctx, q, `SELECT message_json FROM task_history WHERE task_id = ? ORDER BY seq`, id, func(data []byte) error {
		var m a2a.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		t.History = append(t.History, m)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if err := loadRows(ctx, q, `SELECT artifact_json FROM task_artifacts WHERE task_id = ? ORDER BY seq`, id, func(data []byte) error {
		var a a2a.Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		t.Artifacts = append(t.Artifacts, a)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("reading artifacts: %w", err)
	}
	return &t, nil
}

func loadRows(ctx context.Context, q querier, query, id string, fn func([]byte) error) error {
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		if err := fn([]byte(doc)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func toAny[T any](items []T) []any {
	out := make([]any, len(items))
	for i := range items {
		out[i] = items[i]
	}
	return out
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
