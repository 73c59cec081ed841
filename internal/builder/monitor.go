package builder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/logabell/conversator/internal/store"
)

// CompletionFunc is invoked when the monitor observes a task finishing.
// status is "completed" or "failed".
type CompletionFunc func(taskID, status, title string)

// Monitor periodically checks dispatched tasks against their builders and
// folds the outcome back into the event store: a completion event plus an
// inbox notification per finished task.
type Monitor struct {
	state    *store.Store
	builders *Registry
	interval time.Duration

	onCompletion CompletionFunc
	done         chan struct{}
	cancel       context.CancelFunc
}

// NewMonitor creates a monitor polling every interval (default 5s).
func NewMonitor(state *store.Store, builders *Registry, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{state: state, builders: builders, interval: interval}
}

// Start begins the polling loop. onCompletion may be nil.
func (m *Monitor) Start(ctx context.Context, onCompletion CompletionFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.onCompletion = onCompletion
	m.done = make(chan struct{})
	go m.loop(runCtx)
}

// Stop halts the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.checkRunningTasks(ctx); err != nil {
				slog.Warn("monitor check failed", "error", err)
			}
		}
	}
}

// CheckNow runs one polling pass immediately. Exposed for tests and the
// check_status tool.
func (m *Monitor) CheckNow(ctx context.Context) error {
	return m.checkRunningTasks(ctx)
}

func (m *Monitor) checkRunningTasks(ctx context.Context) error {
	tasks, err := m.state.GetActiveTasks()
	if err != nil {
		return fmt.Errorf("monitor: list tasks: %w", err)
	}

	for _, task := range tasks {
		switch task.Status {
		case store.StatusRunning, store.StatusHandedOff:
		default:
			continue
		}

		status := m.taskStatus(ctx, task.TaskID)
		if status == "completed" || status == "failed" {
			m.handleCompletion(task.TaskID, task.Title, status)
		}
	}
	return nil
}

// taskStatus asks every builder about the task; the first decisive answer
// wins.
func (m *Monitor) taskStatus(ctx context.Context, taskID string) string {
	for _, b := range m.builders.All() {
		switch b.SessionStatus(ctx, taskID) {
		case "completed":
			return "completed"
		case "failed", "error":
			return "failed"
		}
	}
	return ""
}

func (m *Monitor) handleCompletion(taskID, title, status string) {
	var err error
	if status == "completed" {
		_, err = m.state.UpdateTaskStatus(taskID, store.EventBuildCompleted,
			map[string]any{"task_id": taskID})
	} else {
		_, err = m.state.UpdateTaskStatus(taskID, store.EventBuildFailed,
			map[string]any{"task_id": taskID, "error": "Build failed"})
	}
	if err != nil {
		slog.Error("monitor: record completion", "task", taskID, "error", err)
		return
	}

	severity := store.SeveritySuccess
	if status == "failed" {
		severity = store.SeverityError
	}
	summary := fmt.Sprintf("Task '%s' %s", title, status)
	if _, err := m.state.AddInboxItem(store.NewInboxItem(severity, summary,
		map[string]any{"task_id": taskID})); err != nil {
		slog.Error("monitor: add inbox item", "task", taskID, "error", err)
	}

	slog.Info("task finished", "task", shortID(taskID), "title", title, "status", status)

	if m.onCompletion != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("completion callback panicked", "task", taskID, "panic", r)
				}
			}()
			m.onCompletion(taskID, status, title)
		}()
	}
}
