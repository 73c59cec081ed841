package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/logabell/conversator/internal/store"
)

// quickDispatchTimeout bounds quick operations; anything slower belongs
// in a real dispatch.
const quickDispatchTimeout = 30 * time.Second

// quickQueryPatterns whitelist read-only commands.
var quickQueryPatterns = compileAll(
	`^ls\b`,
	`^tree\b`,
	`^pwd$`,
	`^cat\b`,
	`^head\b`,
	`^tail\b`,
	`^find\b.*-type`,
	`^which\b`,
	`^wc\b`,
	`^git\s+(status|log|diff|branch|show)\b`,
	`^file\b`,
	`^stat\b`,
)

// simpleMutationPatterns whitelist narrowly-scoped writes.
var simpleMutationPatterns = compileAll(
	`^mkdir\s+(-p\s+)?"?[\w./_-]+"?$`,
	`^touch\s+"?[\w./_-]+"?$`,
	`^cp\b`,
	`^mv\b`,
	`^git\s+(add|checkout|switch|branch\s+-[dD]?)\b`,
)

// blockedPatterns reject a command outright, regardless of whitelist
// hits. Pipes, chains and redirects need a full review.
var blockedPatterns = compileAll(
	`\brm\b`,
	`\brmdir\b`,
	`\bsudo\b`,
	`--force`,
	`--hard`,
	`\|`,
	`&&`,
	`;\s*`,
	`>\s*`,
	`\bchmod\b.*777`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// classifyCommand decides whether a command may run without a full
// planner round trip.
func classifyCommand(operation, command string) (bool, string) {
	for _, p := range blockedPatterns {
		if p.MatchString(command) {
			return false, "Command contains blocked pattern. Use engage_planner for this operation."
		}
	}

	switch operation {
	case "query":
		for _, p := range quickQueryPatterns {
			if p.MatchString(command) {
				return true, ""
			}
		}
		return false, "Query pattern not recognized. Use engage_planner for safety."
	case "simple_mutation":
		for _, p := range simpleMutationPatterns {
			if p.MatchString(command) {
				return true, ""
			}
		}
		return false, "Mutation pattern not recognized. Use engage_planner for safety."
	}
	return false, "Unknown operation type."
}

func (h *Handler) quickDispatch(ctx context.Context, operation, command, workingDir string) Response {
	if command == "" {
		return errResponse("command is required")
	}

	ok, reason := classifyCommand(operation, command)
	if !ok {
		h.logger.Info("quick dispatch rejected", "command", command, "reason", reason)
		return okResponse(map[string]any{
			"success":                false,
			"requires_full_dispatch": true,
			"reason":                 reason,
			"command":                command,
			"hint":                   "Use engage_planner to properly plan and dispatch this operation.",
		})
	}

	cwd := workingDir
	if cwd == "" {
		if _, path := h.session.Project(); path != "" {
			cwd = path
		} else {
			cwd = h.cfg.WorkspaceRoot
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, quickDispatchTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = cwd
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if h.state != nil {
		ev := store.NewTaskEvent("QuickDispatchExecuted", "", map[string]any{
			"command":   command,
			"operation": operation,
			"builder":   "local",
			"success":   runErr == nil,
		})
		if _, err := h.state.AppendEvent(&ev); err != nil {
			h.logger.Warn("recording quick dispatch", "error", err)
		}
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return okResponse(map[string]any{
			"success": false,
			"error":   "Command timed out (30s limit for quick operations)",
			"command": command,
		})
	}

	if runErr != nil {
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = fmt.Sprintf("Command failed: %v", runErr)
		}
		return okResponse(map[string]any{
			"success":     false,
			"error":       errText,
			"command":     command,
			"working_dir": cwd,
		})
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		output = "Done."
	}
	return okResponse(map[string]any{
		"success":     true,
		"output":      output,
		"command":     command,
		"working_dir": cwd,
		"via":         "local",
	})
}
