package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"plexbot/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema
// changes; users need to clear the queue database afterwards.
const schemaVersion = 1

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store manages task persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.LogDir, "queue.db"))
}

// OpenPath opens the queue database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (run 'plexbot queue clear --all' or delete the database)",
			ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

const taskColumns = `seq, id, chat_id, group_kind, group_title, group_season, group_manual,
    group_key, group_label, source, destination, grouped, status, error_message,
    progress_fraction, progress_items_done, progress_items_total, progress_known,
    created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		grouped   int
		known     int
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&task.Seq,
		&task.ID,
		&task.ChatID,
		&task.Group.Kind,
		&task.Group.Title,
		&task.Group.Season,
		&task.Group.Manual,
		new(string), // group_key is derivable; kept only for indexing
		&task.GroupLabel,
		&task.Source,
		&task.Destination,
		&grouped,
		&task.Status,
		&task.ErrorMessage,
		&task.Progress.Fraction,
		&task.Progress.ItemsDone,
		&task.Progress.ItemsTotal,
		&known,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Grouped = grouped != 0
	task.Progress.Known = known != 0
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = ts
	}
	return &task, nil
}

// Add inserts a new pending task, assigning its identifier when missing.
func (s *Store) Add(ctx context.Context, task *Task) (*Task, error) {
	if task == nil {
		return nil, errors.New("queue: nil task")
	}
	if task.Group.IsZero() {
		return nil, errors.New("queue: task requires a grouping key")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO tasks (
            id, chat_id, group_kind, group_title, group_season, group_manual,
            group_key, group_label, source, destination, grouped, status,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.ChatID,
		string(task.Group.Kind),
		task.Group.Title,
		task.Group.Season,
		task.Group.Manual,
		task.Group.String(),
		task.GroupLabel,
		task.Source,
		task.Destination,
		boolToInt(task.Grouped),
		StatusPending,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return s.GetByID(ctx, task.ID)
}

// GetByID fetches a task by identifier. Returns nil when unknown.
func (s *Store) GetByID(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// NextPending returns the oldest pending task in global enqueue order.
func (s *Store) NextPending(ctx context.Context) (*Task, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY seq LIMIT 1`,
		StatusPending,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending: %w", err)
	}
	return task, nil
}

// Transition moves a task from one status to another, enforcing the
// forward-only state machine. The terminal reason is stored verbatim.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, reason string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, reason, now, id, from,
	)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows: %w", err)
	}
	if affected == 0 {
		current, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		if current == nil {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s -> %s (task is %s)", ErrInvalidTransition, from, to, current.Status)
	}
	return nil
}

// UpdateProgress records the latest progress snapshot for a running task.
// Updates against non-running tasks are silently dropped so a late adapter
// callback can never resurrect a terminal task.
func (s *Store) UpdateProgress(ctx context.Context, id string, p Progress) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(
		ctx,
		`UPDATE tasks SET progress_fraction = ?, progress_items_done = ?, progress_items_total = ?,
            progress_known = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		p.Fraction, p.ItemsDone, p.ItemsTotal, boolToInt(p.Known), now, id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// ListActiveByChat returns the chat's pending and running tasks in enqueue order.
func (s *Store) ListActiveByChat(ctx context.Context, chatID int64) ([]*Task, error) {
	return s.listActive(ctx, `chat_id = ?`, chatID)
}

// ListActiveByGroup returns a group's pending and running tasks in enqueue order.
func (s *Store) ListActiveByGroup(ctx context.Context, groupKey string) ([]*Task, error) {
	return s.listActive(ctx, `group_key = ?`, groupKey)
}

func (s *Store) listActive(ctx context.Context, where string, arg any) ([]*Task, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+taskColumns+` FROM tasks WHERE `+where+` AND status IN (?, ?) ORDER BY seq`,
		arg, StatusPending, StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// List returns tasks in enqueue order, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GroupHasActive reports whether any member of the group is still pending or running.
func (s *Store) GroupHasActive(ctx context.Context, groupKey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT COUNT(1) FROM tasks WHERE group_key = ? AND status IN (?, ?)`,
		groupKey, StatusPending, StatusRunning,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count active group members: %w", err)
	}
	return count > 0, nil
}

// CountActiveBefore returns how many active tasks precede the given sequence
// number in global FIFO order. Used for queue-position notifications.
func (s *Store) CountActiveBefore(ctx context.Context, seq int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT COUNT(1) FROM tasks WHERE seq < ? AND status IN (?, ?)`,
		seq, StatusPending, StatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count preceding tasks: %w", err)
	}
	return count, nil
}

// FailInterrupted terminally fails tasks left Running by a previous process.
// Called once at startup so no task is ever observed stuck in-flight.
func (s *Store) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks SET status = ?, error_message = ?, updated_at = ? WHERE status = ?`,
		StatusFailed, reason, now, StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted tasks: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes terminal tasks; with all set it empties the queue entirely.
func (s *Store) Clear(ctx context.Context, all bool) (int64, error) {
	query := `DELETE FROM tasks WHERE status IN (?, ?, ?)`
	args := []any{StatusSucceeded, StatusFailed, StatusCancelled}
	if all {
		query = `DELETE FROM tasks`
		args = nil
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear tasks: %w", err)
	}
	return res.RowsAffected()
}

// Summary aggregates task counts per lifecycle state.
type Summary struct {
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Cancelled int
}

// Stats returns queue-wide task counts.
func (s *Store) Stats(ctx context.Context) (Summary, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return Summary{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var summary Summary
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Summary{}, fmt.Errorf("scan stats: %w", err)
		}
		summary.Total += count
		switch status {
		case StatusPending:
			summary.Pending = count
		case StatusRunning:
			summary.Running = count
		case StatusSucceeded:
			summary.Succeeded = count
		case StatusFailed:
			summary.Failed = count
		case StatusCancelled:
			summary.Cancelled = count
		}
	}
	return summary, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
