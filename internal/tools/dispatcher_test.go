package tools

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/logabell/conversator/internal/config"
	"github.com/logabell/conversator/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandler builds a handler over a throwaway workspace with no
// subagents, builders or store attached.
func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(Deps{
		Config: &config.Config{WorkspaceRoot: t.TempDir()},
		Logger: testLogger(),
	})
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/state.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recordedCall struct {
	name     string
	duration time.Duration
	errText  string
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	finished []recordedCall
}

func (r *fakeRecorder) ToolStarted(name string, args map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, name)
}

func (r *fakeRecorder) ToolFinished(name string, duration time.Duration, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, recordedCall{name: name, duration: duration, errText: errText})
}

func TestDispatchUnknownTool(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(context.Background(), "summon_dragon", nil)
	errText, _ := resp.Result["error"].(string)
	if !strings.Contains(errText, "unknown tool") {
		t.Fatalf("error = %q, want unknown tool", errText)
	}
}

func TestDispatchRecordsLifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	h := NewHandler(Deps{
		Config:   &config.Config{WorkspaceRoot: t.TempDir()},
		Recorder: rec,
		Logger:   testLogger(),
	})

	h.Dispatch(context.Background(), "list_projects", nil)
	h.Dispatch(context.Background(), "nope", nil)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.started) != 2 || len(rec.finished) != 2 {
		t.Fatalf("started=%d finished=%d, want 2 each", len(rec.started), len(rec.finished))
	}
	if rec.finished[0].errText != "" {
		t.Errorf("list_projects errText = %q, want empty", rec.finished[0].errText)
	}
	if !strings.Contains(rec.finished[1].errText, "unknown tool") {
		t.Errorf("unknown tool errText = %q", rec.finished[1].errText)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	// Nil config makes list_projects dereference through nil; the
	// dispatcher must fold that into a result instead of crashing.
	h := NewHandler(Deps{Logger: testLogger()})
	resp := h.Dispatch(context.Background(), "list_projects", nil)
	errText, _ := resp.Result["error"].(string)
	if !strings.HasPrefix(errText, "internal error:") {
		t.Fatalf("error = %q, want internal error prefix", errText)
	}
}

func TestSayResponseLiftsVoiceFeedback(t *testing.T) {
	resp := sayResponse(map[string]any{"status": "ok", "say": "On it."})
	if resp.VoiceFeedback != "On it." {
		t.Errorf("VoiceFeedback = %q", resp.VoiceFeedback)
	}

	resp = sayResponse(map[string]any{"status": "ok"})
	if resp.VoiceFeedback != "" {
		t.Errorf("VoiceFeedback = %q, want empty", resp.VoiceFeedback)
	}
}

func TestArgStringList(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want int
	}{
		{"json decoded", map[string]any{"k": []any{"a", "b"}}, 2},
		{"typed slice", map[string]any{"k": []string{"a"}}, 1},
		{"mixed types dropped", map[string]any{"k": []any{"a", 3, "b"}}, 2},
		{"missing", map[string]any{}, 0},
		{"wrong type", map[string]any{"k": "a"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := argStringList(tt.args, "k"); len(got) != tt.want {
				t.Errorf("len = %d, want %d (%v)", len(got), tt.want, got)
			}
		})
	}
}

func TestCurrentTaskRoundTrip(t *testing.T) {
	h := newTestHandler(t)
	if h.CurrentTask() != "" {
		t.Fatalf("fresh handler has task %q", h.CurrentTask())
	}
	h.SetCurrentTask("task-123")
	if h.CurrentTask() != "task-123" {
		t.Errorf("CurrentTask = %q", h.CurrentTask())
	}
}
