package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// migration is one named schema step. Names gate the _migrations ledger:
// each migration runs at most once, all pending ones inside one transaction.
type migration struct {
	name string
	stmt string
}

var migrations = []migration{
	{
		name: "001_credentials",
		stmt: `
			CREATE TABLE IF NOT EXISTS credentials (
				agent_name TEXT PRIMARY KEY,
				token      TEXT NOT NULL UNIQUE,
				owner_id   INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL
			);`,
	},
	{
		name: "002_tasks",
		stmt: `
			CREATE TABLE IF NOT EXISTS tasks (
				task_id           TEXT PRIMARY KEY,
				from_user         TEXT NOT NULL,
				to_agent          TEXT NOT NULL,
				content           TEXT NOT NULL,
				status            TEXT NOT NULL,
				result            TEXT NOT NULL DEFAULT '',
				created_at        TIMESTAMP NOT NULL,
				completed_at      TIMESTAMP,
				chat_id           INTEGER NOT NULL DEFAULT 0,
				message_id        INTEGER NOT NULL DEFAULT 0,
				conversation_id   TEXT NOT NULL DEFAULT '',
				parent_task_id    TEXT NOT NULL DEFAULT '',
				result_message_id INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_tasks_to_agent ON tasks(to_agent, created_at);
			CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id);`,
	},
	{
		name: "003_pending_tasks",
		stmt: `
			CREATE TABLE IF NOT EXISTS pending_tasks (
				position   INTEGER PRIMARY KEY AUTOINCREMENT,
				agent_name TEXT NOT NULL,
				task_id    TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
				UNIQUE(agent_name, task_id)
			);`,
	},
	{
		name: "004_status_panels",
		stmt: `
			CREATE TABLE IF NOT EXISTS status_panels (
				chat_id    INTEGER PRIMARY KEY,
				message_id INTEGER NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);`,
	},
}

// SQLStore is the SQLite-backed Store.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens (creating if needed) the SQLite database named by databaseURL
// and applies pending migrations. databaseURL accepts a bare path, a file:
// URL, or a DSN with driver options.
func OpenSQL(databaseURL string) (*SQLStore, error) {
	dsn, err := normalizeDSN(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLStore{db: db}
	ctx := context.Background()
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// normalizeDSN turns databaseURL into a mattn/go-sqlite3 DSN with the busy
// timeout and foreign keys enabled, creating the parent directory.
func normalizeDSN(databaseURL string) (string, error) {
	path := databaseURL
	if strings.HasPrefix(path, "sqlite://") {
		path = strings.TrimPrefix(path, "sqlite://")
	}
	if strings.HasPrefix(path, "file:") {
		u, err := url.Parse(path)
		if err != nil {
			return "", fmt.Errorf("parse database url %q: %w", databaseURL, err)
		}
		path = u.Opaque
		if path == "" {
			path = u.Path
		}
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "", fmt.Errorf("empty database path in %q", databaseURL)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create db directory: %w", err)
		}
	}
	return fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLStore) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// migrate applies all migrations not yet recorded in the _migrations ledger,
// inside a single transaction so a partial upgrade never commits.
func (s *SQLStore) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		);`); err != nil {
		return fmt.Errorf("create _migrations: %w", err)
	}

	for _, m := range migrations {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM _migrations WHERE name = ?;`, m.name).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if n > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO _migrations (name, applied_at) VALUES (?, ?);`,
			m.name, time.Now().UTC()); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func (s *SQLStore) Credentials() CredentialRepo { return (*sqlCredentialRepo)(s) }
func (s *SQLStore) Tasks() TaskRepo             { return (*sqlTaskRepo)(s) }
func (s *SQLStore) Panels() PanelRepo           { return (*sqlPanelRepo)(s) }

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

type sqlCredentialRepo SQLStore

func (r *sqlCredentialRepo) Upsert(ctx context.Context, cred Credential) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO credentials (agent_name, token, owner_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_name) DO UPDATE SET
				token = excluded.token,
				owner_id = excluded.owner_id;`,
			cred.AgentName, cred.Token, cred.OwnerID, cred.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert credential %s: %w", cred.AgentName, err)
		}
		return nil
	})
}

func (r *sqlCredentialRepo) FindByName(ctx context.Context, agentName string) (*Credential, error) {
	var cred Credential
	err := r.db.QueryRowContext(ctx, `
		SELECT agent_name, token, owner_id, created_at
		FROM credentials WHERE agent_name = ?;`, agentName).
		Scan(&cred.AgentName, &cred.Token, &cred.OwnerID, &cred.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find credential %s: %w", agentName, err)
	}
	return &cred, nil
}

func (r *sqlCredentialRepo) Delete(ctx context.Context, agentName string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM credentials WHERE agent_name = ?;`, agentName)
		if err != nil {
			return fmt.Errorf("delete credential %s: %w", agentName, err)
		}
		return nil
	})
}

func (r *sqlCredentialRepo) LoadAll(ctx context.Context) ([]Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT agent_name, token, owner_id, created_at
		FROM credentials ORDER BY agent_name;`)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var cred Credential
		if err := rows.Scan(&cred.AgentName, &cred.Token, &cred.OwnerID, &cred.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

type sqlTaskRepo SQLStore

const taskColumns = `task_id, from_user, to_agent, content, status, result,
	created_at, completed_at, chat_id, message_id, conversation_id,
	parent_task_id, result_message_id`

func scanTask(scan func(dest ...any) error, task *Task) error {
	var completedAt sql.NullTime
	if err := scan(&task.TaskID, &task.From, &task.To, &task.Content,
		&task.Status, &task.Result, &task.CreatedAt, &completedAt,
		&task.ChatID, &task.MessageID, &task.ConversationID,
		&task.ParentTaskID, &task.ResultMessageID); err != nil {
		return err
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

func (r *sqlTaskRepo) UpsertTask(ctx context.Context, task *Task) error {
	return retryOnBusy(ctx, 5, func() error {
		var completedAt any
		if task.CompletedAt != nil {
			completedAt = task.CompletedAt.UTC()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				status = excluded.status,
				result = excluded.result,
				completed_at = excluded.completed_at,
				chat_id = excluded.chat_id,
				message_id = excluded.message_id,
				result_message_id = excluded.result_message_id;`,
			task.TaskID, task.From, task.To, task.Content, task.Status,
			task.Result, task.CreatedAt.UTC(), completedAt, task.ChatID,
			task.MessageID, task.ConversationID, task.ParentTaskID,
			task.ResultMessageID)
		if err != nil {
			return fmt.Errorf("upsert task %s: %w", task.TaskID, err)
		}
		return nil
	})
}

func (r *sqlTaskRepo) UpdateTask(ctx context.Context, task *Task) error {
	return retryOnBusy(ctx, 5, func() error {
		var completedAt any
		if task.CompletedAt != nil {
			completedAt = task.CompletedAt.UTC()
		}
		_, err := r.db.ExecContext(ctx, `
			UPDATE tasks SET
				status = ?, result = ?, completed_at = ?,
				chat_id = ?, message_id = ?, result_message_id = ?
			WHERE task_id = ?;`,
			task.Status, task.Result, completedAt,
			task.ChatID, task.MessageID, task.ResultMessageID, task.TaskID)
		if err != nil {
			return fmt.Errorf("update task %s: %w", task.TaskID, err)
		}
		return nil
	})
}

func (r *sqlTaskRepo) SaveBacklog(ctx context.Context, agentName, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO pending_tasks (agent_name, task_id) VALUES (?, ?)
			ON CONFLICT(agent_name, task_id) DO NOTHING;`, agentName, taskID)
		if err != nil {
			return fmt.Errorf("save backlog %s/%s: %w", agentName, taskID, err)
		}
		return nil
	})
}

func (r *sqlTaskRepo) RemoveBacklog(ctx context.Context, agentName, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := r.db.ExecContext(ctx, `
			DELETE FROM pending_tasks WHERE agent_name = ? AND task_id = ?;`,
			agentName, taskID)
		if err != nil {
			return fmt.Errorf("remove backlog %s/%s: %w", agentName, taskID, err)
		}
		return nil
	})
}

func (r *sqlTaskRepo) LoadActive(ctx context.Context) ([]Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status NOT IN ('completed', 'failed', 'rejected', 'cancelled')
		ORDER BY created_at, task_id;`)
	if err != nil {
		return nil, fmt.Errorf("load active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *sqlTaskRepo) LoadBacklog(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT agent_name, task_id FROM pending_tasks ORDER BY position;`)
	if err != nil {
		return nil, fmt.Errorf("load backlog: %w", err)
	}
	defer rows.Close()

	backlog := make(map[string][]string)
	for rows.Next() {
		var agent, taskID string
		if err := rows.Scan(&agent, &taskID); err != nil {
			return nil, fmt.Errorf("scan backlog row: %w", err)
		}
		backlog[agent] = append(backlog[agent], taskID)
	}
	return backlog, rows.Err()
}

func (r *sqlTaskRepo) FindRecent(ctx context.Context, agentName string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	query := `SELECT ` + taskColumns + ` FROM tasks `
	args := []any{}
	if agentName != "" {
		query += `WHERE to_agent = ? `
		args = append(args, agentName)
	}
	query += `ORDER BY created_at DESC, task_id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find recent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type sqlPanelRepo SQLStore

func (r *sqlPanelRepo) SavePanel(ctx context.Context, chatID int64, messageID int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO status_panels (chat_id, message_id, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				message_id = excluded.message_id,
				updated_at = excluded.updated_at;`,
			chatID, messageID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("save panel %d: %w", chatID, err)
		}
		return nil
	})
}

func (r *sqlPanelRepo) LoadPanels(ctx context.Context) (map[int64]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT chat_id, message_id FROM status_panels;`)
	if err != nil {
		return nil, fmt.Errorf("load panels: %w", err)
	}
	defer rows.Close()

	panels := make(map[int64]int)
	for rows.Next() {
		var chatID int64
		var messageID int
		if err := rows.Scan(&chatID, &messageID); err != nil {
			return nil, fmt.Errorf("scan panel row: %w", err)
		}
		panels[chatID] = messageID
	}
	return panels, rows.Err()
}
