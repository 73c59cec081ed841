package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/logabell/conversator/internal/builder"
	"github.com/logabell/conversator/internal/config"
)

func TestAutoRoute(t *testing.T) {
	tests := []struct {
		name string
		plan string
		want string
	}{
		{"small simple plan", "Add a --version flag to the CLI.", "opencode"},
		{"architecture keyword", "Rework the plugin architecture.", "claude-code"},
		{"security keyword", "Fix the security hole in auth.", "claude-code"},
		{"large plan", strings.Repeat("step ", 1200), "claude-code"},
		{
			"many file references",
			strings.Repeat(`touch <file path="a.go"/> `, 6),
			"claude-code",
		},
		{
			"few file references",
			`edit <file path="a.go"/> and <file path="b.go"/>`,
			"opencode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := autoRoute(tt.plan); got != tt.want {
				t.Errorf("autoRoute = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserIntendsBuilder(t *testing.T) {
	tests := []struct {
		transcript string
		want       bool
	}{
		{"okay send to builder", true},
		{"go ahead and implement", true},
		{"Start Building it now", true},
		{"dispatch this to the builder please", true},
		{"tell me about the builder pattern", false},
		{"what do you think about this idea", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.transcript, func(t *testing.T) {
			h := newTestHandler(t)
			if tt.transcript != "" {
				h.session.RecordUserSpeech(tt.transcript, time.Now())
			}
			if got := h.userIntendsBuilder(); got != tt.want {
				t.Errorf("userIntendsBuilder(%q) = %v, want %v", tt.transcript, got, tt.want)
			}
		})
	}
}

func TestDispatchToBuilderGatesOnIntent(t *testing.T) {
	h := NewHandler(Deps{
		Config:   &config.Config{WorkspaceRoot: t.TempDir()},
		Builders: builder.NewRegistry(),
		Logger:   testLogger(),
	})
	h.session.RecordUserSpeech("hmm let me think about that", time.Now())

	resp := h.dispatchToBuilder(context.Background(), "plan.md", "auto", "build", "")
	if resp.Result["dispatched"] != false {
		t.Fatalf("Result = %v", resp.Result)
	}
	if resp.VoiceFeedback == "" {
		t.Error("intent rejection should speak")
	}
}

func TestDispatchToBuilderRequiresPlanFile(t *testing.T) {
	h := newTestHandler(t)
	resp := h.dispatchToBuilder(context.Background(), "", "auto", "build", "")
	if _, ok := resp.Result["error"]; !ok {
		t.Fatalf("Result = %v, want error", resp.Result)
	}
}

func TestResolvePlanPath(t *testing.T) {
	h := newTestHandler(t)
	draftDir := filepath.Join(h.cfg.WorkspaceRoot, ".conversator", "plans", "drafts")
	if err := os.MkdirAll(draftDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	draft := filepath.Join(draftDir, "plan-x.md")
	if err := os.WriteFile(draft, []byte("plan"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := h.resolvePlanPath("plan-x.md")
	if err != nil {
		t.Fatalf("resolvePlanPath: %v", err)
	}
	if got != draft {
		t.Errorf("path = %q, want %q", got, draft)
	}

	if _, err := h.resolvePlanPath("missing.md"); err == nil {
		t.Error("missing plan resolved")
	}
}

func TestActivatePlanMovesDraft(t *testing.T) {
	h := newTestHandler(t)
	draftDir := filepath.Join(h.cfg.WorkspaceRoot, ".conversator", "plans", "drafts")
	if err := os.MkdirAll(draftDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	draft := filepath.Join(draftDir, "plan-y.md")
	if err := os.WriteFile(draft, []byte("plan"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	active := h.activatePlan(draft)
	if !strings.Contains(active, filepath.Join("plans", "active")) {
		t.Fatalf("active path = %q", active)
	}
	if _, err := os.Stat(draft); !os.IsNotExist(err) {
		t.Errorf("draft still present (err=%v)", err)
	}
	if _, err := os.Stat(active); err != nil {
		t.Errorf("active plan missing: %v", err)
	}
}

func TestProjectRootForDispatchFallsBack(t *testing.T) {
	h := newTestHandler(t)
	if got := h.projectRootForDispatch(); got != h.cfg.WorkspaceRoot {
		t.Errorf("root = %q, want workspace", got)
	}

	h.session.SelectProject("calc", "/ws/calc")
	if got := h.projectRootForDispatch(); got != "/ws/calc" {
		t.Errorf("root = %q, want selected project", got)
	}
}

func TestGetBuilderPlanRequiresTask(t *testing.T) {
	h := NewHandler(Deps{
		Config:   &config.Config{WorkspaceRoot: t.TempDir()},
		Builders: builder.NewRegistry(),
		Logger:   testLogger(),
	})
	resp := h.getBuilderPlan(context.Background(), "")
	if _, ok := resp.Result["error"]; !ok {
		t.Fatalf("Result = %v, want error", resp.Result)
	}

	resp = h.getBuilderPlan(context.Background(), "task-1")
	errText, _ := resp.Result["error"].(string)
	if !strings.Contains(errText, "No plan found") {
		t.Errorf("error = %q", errText)
	}
}
