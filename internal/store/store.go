// Package store is the durable record of tasks, phase states, and logs.
// It is the sole authority on terminal task status; the
// Progress Bus and log stream are advisory mirrors of what is written here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion1  = 1
	schemaChecksum1 = "orch-v1-2026-03-task-store"

	schemaVersionLatest  = schemaVersion1
	schemaChecksumLatest = schemaChecksum1
)

// TaskStatus is the closed enum of task lifecycle states.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSuccess   TaskStatus = "SUCCESS"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
	TaskStatusRevoked   TaskStatus = "REVOKED"
)

// IsTerminal reports whether status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusRevoked:
		return true
	default:
		return false
	}
}

// TaskKind is the closed enum of run modes.
type TaskKind string

const (
	TaskKindFullPipeline  TaskKind = "full_pipeline"
	TaskKindFetchOnly     TaskKind = "fetch_only"
	TaskKindSynthesisOnly TaskKind = "synthesis_only"
	TaskKindEmbeddingOnly TaskKind = "embedding_only"
	TaskKindGitOnly       TaskKind = "git_only"
	TaskKindCustom        TaskKind = "custom"
)

// PhaseStatus is the closed enum of per-stage states.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusActive     PhaseStatus = "active"
	PhaseStatusInProgress PhaseStatus = "in_progress"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusSkipped    PhaseStatus = "skipped"
	PhaseStatusFailed     PhaseStatus = "failed"
)

// Error kinds. Never exposed as source-language type names on the
// wire; callers see the string value only.
const (
	ErrorKindValidation = "validation"
	ErrorKindConflict   = "conflict"
	ErrorKindHandler    = "handler_error"
	ErrorKindWorkerLost = "worker_lost"
	ErrorKindTimeout    = "timeout"
	ErrorKindCancelled  = ""
)

// Sentinel errors surfaced to the Task Controller / HTTP layer.
var (
	ErrTaskAlreadyActive = errors.New("TaskAlreadyActive")
	ErrTaskTerminal      = errors.New("TaskTerminal")
	ErrNotFound          = errors.New("not found")
)

// Task is a single execution of the pipeline.
type Task struct {
	TaskID              string     `json:"task_id"`
	WorkerTaskID        string     `json:"worker_task_id,omitempty"`
	Kind                TaskKind   `json:"kind"`
	Status              TaskStatus `json:"status"`
	Preferences         string     `json:"preferences"` // frozen JSON copy of Directives
	ProgressPercent     int        `json:"progress_percent"`
	CurrentPhaseID      string     `json:"current_phase_id,omitempty"`
	CurrentPhaseMessage string     `json:"current_phase_message,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	DurationMs          int64      `json:"duration_ms,omitempty"`
	ResultSummary       string     `json:"result_summary,omitempty"`
	ErrorKind           string     `json:"error_kind,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	ErrorTrace          string     `json:"error_trace,omitempty"`
	IsActive            bool       `json:"is_active"`
	IsArchived          bool       `json:"is_archived"`
	CancelRequested     bool       `json:"cancel_requested"`
	CreatedAt           time.Time  `json:"created_at"`

	PhaseStates map[string]PhaseState `json:"phase_states,omitempty"`
}

// PhaseState is the per-stage slice of a task.
type PhaseState struct {
	StageID        string      `json:"stage_id"`
	Status         PhaseStatus `json:"status"`
	ProcessedCount int         `json:"processed_count"`
	TotalCount     int         `json:"total_count"`
	ErrorCount     int         `json:"error_count"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Message        string      `json:"message,omitempty"`
}

// LogEntry is a durable log line tied to a task.
type LogEntry struct {
	TaskID    string    `json:"task_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	PhaseID   string    `json:"phase_id,omitempty"`
	Message   string    `json:"message"`
}

// TaskMetrics is the supplemented per-task metrics snapshot,
// recorded once on terminal transition so dashboards need not re-derive it
// from the log stream.
type TaskMetrics struct {
	TaskID       string    `json:"task_id"`
	DurationMs   int64     `json:"duration_ms"`
	StageSummary string    `json:"stage_summary"` // JSON: map[stage_id]{processed,errors}
	RecordedAt   time.Time `json:"recorded_at"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status TaskStatus
	Kind   TaskKind
	Limit  int
	Offset int
}

// Store is the SQLite-backed implementation of the Task Store contract.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the conventional sqlite path under homeDir.
func DefaultDBPath(homeDir string) string {
	if homeDir == "" {
		homeDir = "."
	}
	return filepath.Join(homeDir, "orchestrator.db")
}

// Open opens (creating if necessary) the SQLite-backed task store at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath(".")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB   { return s.db }
func (s *Store) Close() error  { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			worker_task_id TEXT,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			preferences TEXT NOT NULL,
			progress_percent INTEGER NOT NULL DEFAULT 0,
			current_phase_id TEXT,
			current_phase_message TEXT,
			started_at DATETIME,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration_ms INTEGER,
			result_summary TEXT,
			error_kind TEXT,
			error_message TEXT,
			error_trace TEXT,
			is_active INTEGER NOT NULL DEFAULT 0,
			is_archived INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);`,
		`CREATE TABLE IF NOT EXISTS phase_states (
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			stage_id TEXT NOT NULL,
			status TEXT NOT NULL,
			processed_count INTEGER NOT NULL DEFAULT 0,
			total_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			completed_at DATETIME,
			message TEXT,
			PRIMARY KEY (task_id, stage_id)
		);`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			sequence INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			level TEXT NOT NULL,
			component TEXT NOT NULL,
			phase_id TEXT,
			message TEXT NOT NULL,
			PRIMARY KEY (task_id, sequence)
		);`,
		`CREATE TABLE IF NOT EXISTS active_task_pointer (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			task_id TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS task_metrics (
			task_id TEXT PRIMARY KEY REFERENCES tasks(task_id),
			duration_ms INTEGER NOT NULL,
			stage_summary TEXT NOT NULL,
			recorded_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stage_idempotency (
			request_hash TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if maxVersion == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO active_task_pointer (id, task_id) VALUES (1, NULL)
			ON CONFLICT(id) DO NOTHING;`); err != nil {
			return fmt.Errorf("seed active_task_pointer: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
			schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("record schema migration: %w", err)
		}
	} else if maxVersion == schemaVersionLatest {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, checksum, schemaChecksumLatest)
		}
	}

	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with capped
// exponential backoff and jitter.
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
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
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
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// CreateTask atomically creates a task record and claims the active-task
// pointer, or fails with ErrTaskAlreadyActive if one is already held.
func (s *Store) CreateTask(ctx context.Context, taskID string, kind TaskKind, preferencesJSON string) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		TaskID:      taskID,
		WorkerTaskID: uuid.NewString(),
		Kind:        kind,
		Status:      TaskStatusPending,
		Preferences: preferencesJSON,
		UpdatedAt:   now,
		IsActive:    true,
		CreatedAt:   now,
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var existing sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT task_id FROM active_task_pointer WHERE id = 1;`).Scan(&existing); err != nil {
			return err
		}
		if existing.Valid && existing.String != "" {
			return ErrTaskAlreadyActive
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, worker_task_id, kind, status, preferences, progress_percent,
				updated_at, is_active, is_archived, cancel_requested, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, 1, 0, 0, ?);
		`, task.TaskID, task.WorkerTaskID, string(task.Kind), string(task.Status), task.Preferences, now, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE active_task_pointer SET task_id = ? WHERE id = 1;`, taskID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Mutation is applied to a Task under compare-and-set on updated_at.
// Returning an error aborts the mutation; the transaction is rolled back.
type Mutation func(*Task) error

// UpdateTask loads the task, applies mutate, and writes it back under CAS
// on updated_at. Rejects mutation of terminal tasks with ErrTaskTerminal,
// unless the mutation only flips
// cancel_requested (handled by RequestCancel instead).
func (s *Store) UpdateTask(ctx context.Context, taskID string, mutate Mutation) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return ErrTaskTerminal
		}
		prevUpdatedAt := task.UpdatedAt
		if err := mutate(task); err != nil {
			return err
		}
		task.UpdatedAt = time.Now().UTC()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET
				worker_task_id = ?, status = ?, progress_percent = ?, current_phase_id = ?,
				current_phase_message = ?, started_at = ?, updated_at = ?, completed_at = ?,
				duration_ms = ?, result_summary = ?, error_kind = ?, error_message = ?,
				error_trace = ?, is_active = ?, is_archived = ?
			WHERE task_id = ? AND updated_at = ?;
		`, task.WorkerTaskID, string(task.Status), task.ProgressPercent, task.CurrentPhaseID,
			task.CurrentPhaseMessage, task.StartedAt, task.UpdatedAt, task.CompletedAt,
			task.DurationMs, task.ResultSummary, task.ErrorKind, task.ErrorMessage,
			task.ErrorTrace, boolToInt(task.IsActive), boolToInt(task.IsArchived),
			taskID, prevUpdatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("concurrent update conflict on task %s", taskID)
		}

		if task.Status.IsTerminal() {
			if _, err := tx.ExecContext(ctx, `UPDATE active_task_pointer SET task_id = NULL WHERE task_id = ?;`, taskID); err != nil {
				return err
			}
		}

		result = task
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RequestCancel sets the durable cancellation flag on a non-terminal task.
// It does not itself transition status; the Worker observes the flag.
func (s *Store) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET cancel_requested = 1 WHERE task_id = ? AND status IN ('PENDING','RUNNING');`, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IsCancelRequested reports the durable cancellation flag for a task.
func (s *Store) IsCancelRequested(ctx context.Context, taskID string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE task_id = ?;`, taskID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return v == 1, err
}

// SetPhase atomically replaces a stage's PhaseState row.
func (s *Store) SetPhase(ctx context.Context, taskID string, phase PhaseState) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO phase_states (task_id, stage_id, status, processed_count, total_count, error_count, started_at, completed_at, message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, stage_id) DO UPDATE SET
				status = excluded.status,
				processed_count = excluded.processed_count,
				total_count = excluded.total_count,
				error_count = excluded.error_count,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at,
				message = excluded.message;
		`, taskID, phase.StageID, string(phase.Status), phase.ProcessedCount, phase.TotalCount,
			phase.ErrorCount, phase.StartedAt, phase.CompletedAt, phase.Message)
		return err
	})
}

// AppendLog allocates the next dense sequence number for taskID and appends
// the entry.
func (s *Store) AppendLog(ctx context.Context, entry LogEntry) (int64, error) {
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM task_logs WHERE task_id = ?;`, entry.TaskID).Scan(&maxSeq); err != nil {
			return err
		}
		seq = maxSeq.Int64
		if maxSeq.Valid {
			seq++
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_logs (task_id, sequence, timestamp, level, component, phase_id, message)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, entry.TaskID, seq, entry.Timestamp, entry.Level, entry.Component, entry.PhaseID, entry.Message); err != nil {
			return err
		}
		return tx.Commit()
	})
	return seq, err
}

// ReadLogs returns log entries for taskID with sequence > sinceSequence, up
// to limit entries, plus the cursor to pass back for the next page.
func (s *Store) ReadLogs(ctx context.Context, taskID string, sinceSequence int64, limit int) ([]LogEntry, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, sequence, timestamp, level, component, COALESCE(phase_id, ''), message
		FROM task_logs WHERE task_id = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?;
	`, taskID, sinceSequence, limit)
	if err != nil {
		return nil, sinceSequence, err
	}
	defer rows.Close()

	var entries []LogEntry
	next := sinceSequence
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.TaskID, &e.Sequence, &e.Timestamp, &e.Level, &e.Component, &e.PhaseID, &e.Message); err != nil {
			return nil, sinceSequence, err
		}
		entries = append(entries, e)
		next = e.Sequence
	}
	return entries, next, rows.Err()
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT task_id, worker_task_id, kind, status, preferences, progress_percent,
			COALESCE(current_phase_id, ''), COALESCE(current_phase_message, ''),
			started_at, updated_at, completed_at, COALESCE(duration_ms, 0),
			COALESCE(result_summary, ''), COALESCE(error_kind, ''), COALESCE(error_message, ''),
			COALESCE(error_trace, ''), is_active, is_archived, cancel_requested, created_at
		FROM tasks WHERE task_id = ?;
	`, taskID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var kind, status string
	var isActive, isArchived, cancelRequested int
	if err := row.Scan(&t.TaskID, &t.WorkerTaskID, &kind, &status, &t.Preferences, &t.ProgressPercent,
		&t.CurrentPhaseID, &t.CurrentPhaseMessage, &t.StartedAt, &t.UpdatedAt, &t.CompletedAt, &t.DurationMs,
		&t.ResultSummary, &t.ErrorKind, &t.ErrorMessage, &t.ErrorTrace, &isActive, &isArchived, &cancelRequested, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Kind = TaskKind(kind)
	t.Status = TaskStatus(status)
	t.IsActive = isActive == 1
	t.IsArchived = isArchived == 1
	t.CancelRequested = cancelRequested == 1
	return &t, nil
}

// GetTask returns the task with its embedded PhaseStates.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, worker_task_id, kind, status, preferences, progress_percent,
			COALESCE(current_phase_id, ''), COALESCE(current_phase_message, ''),
			started_at, updated_at, completed_at, COALESCE(duration_ms, 0),
			COALESCE(result_summary, ''), COALESCE(error_kind, ''), COALESCE(error_message, ''),
			COALESCE(error_trace, ''), is_active, is_archived, cancel_requested, created_at
		FROM tasks WHERE task_id = ?;
	`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	phases, err := s.listPhases(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.PhaseStates = phases
	return task, nil
}

func (s *Store) listPhases(ctx context.Context, taskID string) (map[string]PhaseState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_id, status, processed_count, total_count, error_count, started_at, completed_at, COALESCE(message, '')
		FROM phase_states WHERE task_id = ?;
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]PhaseState{}
	for rows.Next() {
		var p PhaseState
		var status string
		if err := rows.Scan(&p.StageID, &status, &p.ProcessedCount, &p.TotalCount, &p.ErrorCount, &p.StartedAt, &p.CompletedAt, &p.Message); err != nil {
			return nil, err
		}
		p.Status = PhaseStatus(status)
		out[p.StageID] = p
	}
	return out, rows.Err()
}

// GetActiveTask returns the currently active task, or (nil, nil) if idle.
func (s *Store) GetActiveTask(ctx context.Context) (*Task, error) {
	var taskID sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT task_id FROM active_task_pointer WHERE id = 1;`).Scan(&taskID); err != nil {
		return nil, err
	}
	if !taskID.Valid || taskID.String == "" {
		return nil, nil
	}
	task, err := s.GetTask(ctx, taskID.String)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return task, err
}

// ListTasks returns a paginated, filtered history.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT task_id, worker_task_id, kind, status, preferences, progress_percent,
			COALESCE(current_phase_id, ''), COALESCE(current_phase_message, ''),
			started_at, updated_at, completed_at, COALESCE(duration_ms, 0),
			COALESCE(result_summary, ''), COALESCE(error_kind, ''), COALESCE(error_message, ''),
			COALESCE(error_trace, ''), is_active, is_archived, cancel_requested, created_at
		FROM tasks %s ORDER BY created_at DESC LIMIT ? OFFSET ?;
	`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var kind, status string
		var isActive, isArchived, cancelRequested int
		if err := rows.Scan(&t.TaskID, &t.WorkerTaskID, &kind, &status, &t.Preferences, &t.ProgressPercent,
			&t.CurrentPhaseID, &t.CurrentPhaseMessage, &t.StartedAt, &t.UpdatedAt, &t.CompletedAt, &t.DurationMs,
			&t.ResultSummary, &t.ErrorKind, &t.ErrorMessage, &t.ErrorTrace, &isActive, &isArchived, &cancelRequested, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = TaskKind(kind)
		t.Status = TaskStatus(status)
		t.IsActive = isActive == 1
		t.IsArchived = isArchived == 1
		t.CancelRequested = cancelRequested == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// ArchiveTasksOlderThan moves eligible terminal tasks to archived.
// It never deletes history.
func (s *Store) ArchiveTasksOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET is_archived = 1
		WHERE is_archived = 0 AND status IN ('SUCCESS','FAILED','CANCELLED','REVOKED') AND completed_at IS NOT NULL AND completed_at < ?;
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpireStaleLease transitions a lease-expired non-terminal task straight to
// FAILED with error_kind=worker_lost. By design it does NOT requeue the
// task; a rerun is an explicit operator action.
func (s *Store) ExpireStaleLease(ctx context.Context, taskID string) error {
	_, err := s.UpdateTask(ctx, taskID, func(t *Task) error {
		now := time.Now().UTC()
		t.Status = TaskStatusFailed
		t.ErrorKind = ErrorKindWorkerLost
		t.ErrorMessage = "worker lease expired without a progress update"
		t.CompletedAt = &now
		if t.StartedAt != nil {
			t.DurationMs = now.Sub(*t.StartedAt).Milliseconds()
		}
		t.IsActive = false
		return nil
	})
	return err
}

// ComprehensiveReset terminal-transitions all non-terminal tasks and clears
// the active-task pointer. It is the operator recovery path
// for externally-caused invariant violations.
func (s *Store) ComprehensiveReset(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'REVOKED', completed_at = ?, updated_at = ?, is_active = 0,
			error_kind = 'worker_lost', error_message = 'comprehensive reset'
		WHERE status IN ('PENDING','RUNNING');
	`, now, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE active_task_pointer SET task_id = NULL WHERE id = 1;`); err != nil {
		return n, err
	}
	return n, nil
}

// DetectStuck returns IDs of non-terminal tasks whose updated_at is older
// than stuckThreshold.
func (s *Store) DetectStuck(ctx context.Context, stuckThreshold time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-stuckThreshold)
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM tasks WHERE status IN ('PENDING','RUNNING') AND updated_at < ?;`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecordTaskMetrics persists the supplemented per-task metrics snapshot
// once, on terminal transition.
func (s *Store) RecordTaskMetrics(ctx context.Context, m TaskMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_metrics (task_id, duration_ms, stage_summary, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET duration_ms = excluded.duration_ms,
			stage_summary = excluded.stage_summary, recorded_at = excluded.recorded_at;
	`, m.TaskID, m.DurationMs, m.StageSummary, m.RecordedAt)
	return err
}

// CheckStageIdempotency reports whether requestHash was already applied,
// recording it if not.
func (s *Store) CheckStageIdempotency(ctx context.Context, requestHash, taskID, itemID string) (alreadyApplied bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO stage_idempotency (request_hash, task_id, item_id, applied_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(request_hash) DO NOTHING;
		`, requestHash, taskID, itemID, time.Now().UTC())
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		alreadyApplied = n == 0
		return nil
	})
	return alreadyApplied, err
}

// MarshalPreferences is a small convenience used by the Controller to freeze
// Directives into the Task record.
func MarshalPreferences(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
