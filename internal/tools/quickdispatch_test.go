package tools

import (
	"context"
	"strings"
	"testing"
)

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		command   string
		allow     bool
	}{
		{"ls query", "query", "ls -la src", true},
		{"bare pwd", "query", "pwd", true},
		{"git status", "query", "git status", true},
		{"git log oneline", "query", "git log --oneline -5", true},
		{"find with type", "query", "find . -type f -name '*.go'", true},
		{"wc lines", "query", "wc -l main.go", true},
		{"unlisted query", "query", "curl http://example.com", false},
		{"mkdir", "simple_mutation", "mkdir -p docs/notes", true},
		{"touch", "simple_mutation", "touch TODO.md", true},
		{"git add", "simple_mutation", "git add .", true},
		{"git branch delete", "simple_mutation", "git branch -d stale", true},
		{"unlisted mutation", "simple_mutation", "npm install", false},
		{"rm blocked", "simple_mutation", "rm old.txt", false},
		{"sudo blocked", "query", "sudo ls /root", false},
		{"pipe blocked", "query", "cat f | grep x", false},
		{"chain blocked", "simple_mutation", "mkdir a && cd a", false},
		{"redirect blocked", "query", "ls > files.txt", false},
		{"force flag blocked", "simple_mutation", "git checkout --force main", false},
		{"chmod 777 blocked", "simple_mutation", "chmod -R 777 .", false},
		// The blocklist wins even when a whitelist pattern also matches.
		{"blocked beats whitelist", "query", "git log | head", false},
		{"unknown operation", "deploy", "ls", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allow, reason := classifyCommand(tt.operation, tt.command)
			if allow != tt.allow {
				t.Errorf("classifyCommand(%q, %q) = %v (%s), want %v",
					tt.operation, tt.command, allow, reason, tt.allow)
			}
			if !allow && reason == "" {
				t.Error("rejection carries no reason")
			}
		})
	}
}

func TestQuickDispatchRejectionAsksForPlanner(t *testing.T) {
	h := newTestHandler(t)
	resp := h.quickDispatch(context.Background(), "query", "rm -rf /tmp/x", "")
	if resp.Result["requires_full_dispatch"] != true {
		t.Fatalf("Result = %v, want requires_full_dispatch", resp.Result)
	}
	if ok, _ := resp.Result["success"].(bool); ok {
		t.Error("rejected command reported success")
	}
}

func TestQuickDispatchRunsInWorkspace(t *testing.T) {
	h := newTestHandler(t)
	resp := h.quickDispatch(context.Background(), "query", "pwd", "")
	if ok, _ := resp.Result["success"].(bool); !ok {
		t.Fatalf("pwd failed: %v", resp.Result)
	}
	output, _ := resp.Result["output"].(string)
	if !strings.Contains(output, h.cfg.WorkspaceRoot) && !strings.HasSuffix(h.cfg.WorkspaceRoot, output) {
		t.Errorf("output = %q, want workspace root %q", output, h.cfg.WorkspaceRoot)
	}
}

func TestQuickDispatchEmptyCommand(t *testing.T) {
	h := newTestHandler(t)
	resp := h.quickDispatch(context.Background(), "query", "", "")
	if _, ok := resp.Result["error"]; !ok {
		t.Fatalf("Result = %v, want error", resp.Result)
	}
}

func TestQuickDispatchSurfacesStderr(t *testing.T) {
	h := newTestHandler(t)
	resp := h.quickDispatch(context.Background(), "query", "ls does-not-exist-here", "")
	if ok, _ := resp.Result["success"].(bool); ok {
		t.Fatal("listing a missing path reported success")
	}
	errText, _ := resp.Result["error"].(string)
	if errText == "" {
		t.Error("failure carries no error text")
	}
}
