// Package store implements the event-sourced task state for Conversator.
//
// Every durable mutation is an append to the events table; the tasks, inbox
// and mappings tables are derived projections updated in the same
// transaction. Replay from event zero must reproduce the derived tables
// exactly, which is what makes crash recovery trivial: whatever committed is
// consistent, whatever didn't is gone.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/logabell/conversator/internal/observe"
)

// ErrNotFound is returned when a task or inbox item does not exist.
var ErrNotFound = errors.New("store: not found")

// Listener receives every event after its transaction commits. Listener
// errors are logged and swallowed; they never abort event processing.
type Listener func(TaskEvent)

// Store is the single-writer event store backed by one SQLite file.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	listeners []Listener
}

// Open opens (or creates) the store at the given path. Pass ":memory:" for
// an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// Single writer by contract; one connection keeps transactions simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			time     DATETIME NOT NULL,
			type     TEXT NOT NULL,
			task_id  TEXT NOT NULL,
			payload  TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);

		CREATE TABLE IF NOT EXISTS tasks (
			task_id             TEXT PRIMARY KEY,
			beads_id            TEXT NOT NULL DEFAULT '',
			title               TEXT NOT NULL,
			status              TEXT NOT NULL,
			priority            INTEGER NOT NULL DEFAULT 0,
			project_root        TEXT NOT NULL DEFAULT '',
			created_at          DATETIME NOT NULL,
			updated_at          DATETIME NOT NULL,
			working_prompt_path TEXT NOT NULL DEFAULT '',
			handoff_prompt_path TEXT NOT NULL DEFAULT '',
			builder_session_id  TEXT NOT NULL DEFAULT '',
			last_event_id       INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

		CREATE TABLE IF NOT EXISTS inbox (
			inbox_id        TEXT PRIMARY KEY,
			severity        TEXT NOT NULL,
			summary         TEXT NOT NULL,
			refs            TEXT NOT NULL DEFAULT '{}',
			created_at      DATETIME NOT NULL,
			acknowledged_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_inbox_acknowledged ON inbox(acknowledged_at);
		CREATE INDEX IF NOT EXISTS idx_inbox_severity ON inbox(severity);

		CREATE TABLE IF NOT EXISTS mappings (
			task_id    TEXT PRIMARY KEY,
			beads_id   TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddListener registers a post-commit event listener. Listeners fire in
// registration order.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(e TaskEvent) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("event listener panicked", "type", e.Type, "panic", r)
				}
			}()
			l(e)
		}()
	}
}

// ─── Events ──────────────────────────────────────────────────────────────────

// AppendEvent inserts the event and applies its derived-state mutation in one
// transaction, then notifies listeners. The assigned event id is written back
// into e and returned.
func (s *Store) AppendEvent(e *TaskEvent) (int64, error) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("store: marshal payload: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO events (time, type, task_id, payload) VALUES (?, ?, ?, ?)`,
		e.Time, string(e.Type), e.TaskID, payload,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: last insert id: %w", err)
	}
	e.EventID = id

	if err := applyEvent(tx, *e); err != nil {
		return 0, fmt.Errorf("store: apply %s: %w", e.Type, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}

	observe.DefaultMetrics().RecordStoreEvent(context.Background(), string(e.Type))
	s.notify(*e)
	return id, nil
}

// CreateTask is the canonical way to start a task lifecycle: it emits
// TaskCreated and returns the new task id.
func (s *Store) CreateTask(title, workingPromptPath, projectRoot string) (string, error) {
	taskID := uuid.NewString()
	e := NewTaskEvent(EventTaskCreated, taskID, map[string]any{
		"title":               title,
		"working_prompt_path": workingPromptPath,
		"project_root":        projectRoot,
	})
	if _, err := s.AppendEvent(&e); err != nil {
		return "", err
	}
	return taskID, nil
}

// UpdateTaskStatus appends an event of the given type for the task.
func (s *Store) UpdateTaskStatus(taskID string, typ EventType, payload map[string]any) (int64, error) {
	e := NewTaskEvent(typ, taskID, payload)
	return s.AppendEvent(&e)
}

// EventFilter narrows GetEvents. Zero values mean "no filter".
type EventFilter struct {
	TaskID  string
	Type    EventType
	AfterID int64
}

// GetEvents returns events strictly after AfterID, ascending by event id.
func (s *Store) GetEvents(f EventFilter) ([]TaskEvent, error) {
	q := `SELECT event_id, time, type, task_id, payload FROM events WHERE event_id > ?`
	args := []any{f.AfterID}
	if f.TaskID != "" {
		q += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	q += ` ORDER BY event_id ASC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var payload string
		if err := rows.Scan(&e.EventID, &e.Time, (*string)(&e.Type), &e.TaskID, &payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.Payload = unmarshalPayload(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ─── Tasks ───────────────────────────────────────────────────────────────────

const taskColumns = `task_id, beads_id, title, status, priority, project_root,
	created_at, updated_at, working_prompt_path, handoff_prompt_path,
	builder_session_id, last_event_id`

// GetTask returns the derived task row or ErrNotFound.
func (s *Store) GetTask(taskID string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetTasks lists tasks, newest first, optionally filtered by status.
func (s *Store) GetTasks(status TaskStatus, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryTasks(q, args...)
}

// GetActiveTasks returns non-terminal tasks, highest priority first, then
// most recently updated.
func (s *Store) GetActiveTasks() ([]*Task, error) {
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status NOT IN ('done', 'failed', 'canceled')
		 ORDER BY priority DESC, updated_at DESC`,
	)
}

func (s *Store) queryTasks(q string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*Task, error) {
	t := &Task{}
	err := row.Scan(
		&t.TaskID, &t.BeadsID, &t.Title, (*string)(&t.Status), &t.Priority,
		&t.ProjectRoot, &t.CreatedAt, &t.UpdatedAt, &t.WorkingPromptPath,
		&t.HandoffPromptPath, &t.BuilderSessionID, &t.LastEventID,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ─── Inbox ───────────────────────────────────────────────────────────────────

// AddInboxItem persists a notification and returns its id.
func (s *Store) AddInboxItem(item InboxItem) (string, error) {
	if item.InboxID == "" {
		item.InboxID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	refs, err := marshalPayload(item.Refs)
	if err != nil {
		return "", fmt.Errorf("store: marshal refs: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO inbox (inbox_id, severity, summary, refs, created_at, acknowledged_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.InboxID, string(item.Severity), item.Summary, refs, item.CreatedAt, item.AcknowledgedAt,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert inbox item: %w", err)
	}
	return item.InboxID, nil
}

// InboxFilter narrows GetInbox.
type InboxFilter struct {
	UnreadOnly bool
	Severity   Severity
	Limit      int
}

// GetInbox lists notifications, newest first.
func (s *Store) GetInbox(f InboxFilter) ([]InboxItem, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q := `SELECT inbox_id, severity, summary, refs, created_at, acknowledged_at FROM inbox WHERE 1=1`
	args := []any{}
	if f.UnreadOnly {
		q += ` AND acknowledged_at IS NULL`
	}
	if f.Severity != "" {
		q += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query inbox: %w", err)
	}
	defer rows.Close()

	var items []InboxItem
	for rows.Next() {
		var it InboxItem
		var refs string
		var ack sql.NullTime
		if err := rows.Scan(&it.InboxID, (*string)(&it.Severity), &it.Summary, &refs, &it.CreatedAt, &ack); err != nil {
			return nil, fmt.Errorf("store: scan inbox item: %w", err)
		}
		it.Refs = unmarshalPayload(refs)
		if ack.Valid {
			t := ack.Time
			it.AcknowledgedAt = &t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// AcknowledgeInbox marks one item read. Idempotent: acknowledging an already
// read item does not move its timestamp.
func (s *Store) AcknowledgeInbox(inboxID string) error {
	res, err := s.db.Exec(
		`UPDATE inbox SET acknowledged_at = ? WHERE inbox_id = ? AND acknowledged_at IS NULL`,
		time.Now().UTC(), inboxID,
	)
	if err != nil {
		return fmt.Errorf("store: acknowledge inbox: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already acknowledged or missing; distinguish for callers.
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM inbox WHERE inbox_id = ?`, inboxID).Scan(&exists); err != nil {
			return fmt.Errorf("store: acknowledge inbox: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// AcknowledgeAllInbox marks every unread item read and returns the count.
func (s *Store) AcknowledgeAllInbox() (int, error) {
	res, err := s.db.Exec(
		`UPDATE inbox SET acknowledged_at = ? WHERE acknowledged_at IS NULL`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: acknowledge all: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ─── Mappings ────────────────────────────────────────────────────────────────

// GetMapping returns the mapping row for a task, or ErrNotFound.
func (s *Store) GetMapping(taskID string) (*TaskMapping, error) {
	row := s.db.QueryRow(`SELECT task_id, beads_id, session_id FROM mappings WHERE task_id = ?`, taskID)
	m := &TaskMapping{}
	err := row.Scan(&m.TaskID, &m.BeadsID, &m.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan mapping: %w", err)
	}
	return m, nil
}

// TaskIDForSession resolves a builder session id back to its task.
func (s *Store) TaskIDForSession(sessionID string) (string, error) {
	row := s.db.QueryRow(`SELECT task_id FROM mappings WHERE session_id = ?`, sessionID)
	var taskID string
	err := row.Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return taskID, err
}

// ─── Replay ──────────────────────────────────────────────────────────────────

// ReplayEvents rebuilds the derived tables from the log. With afterID == 0
// the tasks and mappings projections are wiped first; otherwise only the tail
// is applied on top of the existing state.
func (s *Store) ReplayEvents(afterID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin replay: %w", err)
	}
	defer tx.Rollback()

	if afterID == 0 {
		if _, err := tx.Exec(`DELETE FROM tasks`); err != nil {
			return fmt.Errorf("store: wipe tasks: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM mappings`); err != nil {
			return fmt.Errorf("store: wipe mappings: %w", err)
		}
	}

	rows, err := tx.Query(
		`SELECT event_id, time, type, task_id, payload FROM events
		 WHERE event_id > ? ORDER BY event_id ASC`, afterID,
	)
	if err != nil {
		return fmt.Errorf("store: query replay events: %w", err)
	}

	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var payload string
		if err := rows.Scan(&e.EventID, &e.Time, (*string)(&e.Type), &e.TaskID, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan replay event: %w", err)
		}
		e.Payload = unmarshalPayload(payload)
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range events {
		if err := applyEvent(tx, e); err != nil {
			return fmt.Errorf("store: replay %s (event %d): %w", e.Type, e.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit replay: %w", err)
	}
	slog.Info("replayed events", "after_id", afterID, "count", len(events))
	return nil
}
