package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/logabell/conversator/internal/relay"
	"github.com/logabell/conversator/internal/store"
)

// complexKeywords route a plan to the heavyweight builder regardless of
// its size.
var complexKeywords = []string{
	"architecture", "refactor", "security", "design",
	"restructure", "migration", "overhaul",
}

var fileRefRe = regexp.MustCompile(`path="([^"]+)"`)

// largePlanBytes is the plan size above which auto routing prefers the
// heavyweight builder.
const largePlanBytes = 5000

// autoRoute picks a builder from the plan's contents.
func autoRoute(planContent string) string {
	lowered := strings.ToLower(planContent)
	for _, kw := range complexKeywords {
		if strings.Contains(lowered, kw) {
			return "claude-code"
		}
	}
	if len(planContent) > largePlanBytes {
		return "claude-code"
	}
	if len(fileRefRe.FindAllString(planContent, -1)) > 5 {
		return "claude-code"
	}
	return "opencode"
}

// userIntendsBuilder checks the last transcript for an explicit request
// to build. Dispatch and freeze are gated on it so a stray model tool
// call cannot start code changes on its own.
func (h *Handler) userIntendsBuilder() bool {
	transcript, _ := h.session.LastUserSpeech()
	transcript = strings.Join(strings.Fields(strings.ToLower(transcript)), " ")
	if transcript == "" {
		return false
	}

	explicit := []string{
		"send to builder",
		"send this to the builder",
		"dispatch to builder",
		"start building",
		"start coding",
		"implement it",
		"code it",
		"go ahead and implement",
		"go ahead and build",
	}
	for _, p := range explicit {
		if strings.Contains(transcript, p) {
			return true
		}
	}

	// "builder" alone is ambiguous; require a verb.
	if strings.Contains(transcript, "builder") {
		for _, v := range []string{"send", "dispatch", "start", "run"} {
			if strings.Contains(transcript, v) {
				return true
			}
		}
	}
	return false
}

// brainstormInProgress blocks dispatch/freeze while a brainstorm thread
// or Q&A exchange is still open.
func (h *Handler) brainstormInProgress() bool {
	if focused := h.session.FocusedThread(); focused != nil && focused.Subagent == "brainstormer" {
		switch focused.Status {
		case relay.ThreadWaitingResponse, relay.ThreadHasResponse, relay.ThreadAwaitingUser:
			return true
		}
	}
	if conv := h.session.Conversation(); conv != nil && conv.Subagent == "brainstormer" {
		return true
	}
	return false
}

func (h *Handler) resolvePlanPath(planFile string) (string, error) {
	if _, err := os.Stat(planFile); err == nil {
		return planFile, nil
	}
	draft := filepath.Join(h.cfg.WorkspaceRoot, ".conversator", "plans", "drafts", planFile)
	if _, err := os.Stat(draft); err == nil {
		return draft, nil
	}
	return "", fmt.Errorf("plan file not found: %s", planFile)
}

// activatePlan moves a dispatched plan from drafts to active.
func (h *Handler) activatePlan(planPath string) string {
	activeDir := filepath.Join(h.cfg.WorkspaceRoot, ".conversator", "plans", "active")
	if err := os.MkdirAll(activeDir, 0o755); err != nil {
		return planPath
	}
	activePath := filepath.Join(activeDir, filepath.Base(planPath))
	if err := os.Rename(planPath, activePath); err != nil {
		h.logger.Warn("moving plan to active", "plan", planPath, "error", err)
		return planPath
	}
	return activePath
}

func (h *Handler) dispatchToBuilder(ctx context.Context, planFile, agent, mode, parallelWith string) Response {
	if planFile == "" {
		return errResponse("plan_file is required")
	}
	if h.builders == nil {
		return errResponse("No builders configured.")
	}

	if h.brainstormInProgress() {
		return sayResponse(map[string]any{
			"dispatched": false,
			"error":      "Brainstorm still in progress.",
			"say":        "Let's finish the brainstorm first. Say 'send to builder' when you want to start coding.",
		})
	}
	if !h.userIntendsBuilder() {
		return sayResponse(map[string]any{
			"dispatched": false,
			"error":      "User has not requested builder dispatch.",
			"say":        "I can send this to a builder when you explicitly say 'send to builder'.",
		})
	}

	planPath, err := h.resolvePlanPath(planFile)
	if err != nil {
		return errResponse(err.Error())
	}

	if agent == "auto" || agent == "" {
		content, err := os.ReadFile(planPath)
		if err != nil {
			return errResponse(fmt.Sprintf("read plan: %v", err))
		}
		agent = autoRoute(string(content))
	}

	client := h.builders.Get(agent)
	if client == nil {
		return okResponse(map[string]any{
			"dispatched": false,
			"error":      fmt.Sprintf("Builder %s is not configured", agent),
			"agent":      agent,
		})
	}
	if !client.Healthy(ctx) {
		return okResponse(map[string]any{
			"dispatched": false,
			"error":      fmt.Sprintf("Builder %s is not responding", agent),
			"agent":      agent,
		})
	}

	projectRoot := h.projectRootForDispatch()
	taskID := h.currentTaskID
	if taskID == "" {
		taskID = "unknown"
	}

	var dispatchErr error
	if mode == "plan" {
		_, dispatchErr = client.DispatchPlan(ctx, taskID, planPath, projectRoot)
	} else {
		_, dispatchErr = client.DispatchTask(ctx, taskID, planPath, projectRoot)
	}
	if dispatchErr != nil {
		return okResponse(map[string]any{
			"dispatched": false,
			"error":      dispatchErr.Error(),
			"agent":      agent,
		})
	}

	activePath := h.activatePlan(planPath)
	sessionID, _ := client.SessionFor(taskID)

	if h.state != nil && h.currentTaskID != "" {
		payload := map[string]any{
			"builder":    agent,
			"mode":       mode,
			"session_id": sessionID,
			"plan_file":  activePath,
		}
		if parallelWith != "" {
			payload["parallel_with"] = parallelWith
		}
		if _, err := h.state.UpdateTaskStatus(h.currentTaskID, store.EventBuilderDispatched, payload); err != nil {
			h.logger.Warn("recording builder dispatch", "task", h.currentTaskID, "error", err)
		}
	}

	result := map[string]any{
		"dispatched":   true,
		"task_id":      h.currentTaskID,
		"agent":        agent,
		"mode":         mode,
		"session_id":   sessionID,
		"project_root": projectRoot,
	}
	if parallelWith != "" {
		result["parallel_with"] = parallelWith
	}
	if mode == "plan" {
		result["awaiting_review"] = true
		result["message"] = fmt.Sprintf("Sent to %s in plan mode. Use get_builder_plan to review the proposal.", agent)
	} else {
		msg := fmt.Sprintf("Sent to %s: %s", agent, filepath.Base(activePath))
		if projectRoot != "" {
			msg += fmt.Sprintf(" (project: %s)", projectRoot)
		}
		result["message"] = msg
	}
	return okResponse(result)
}

func (h *Handler) projectRootForDispatch() string {
	if h.currentTaskID != "" && h.state != nil {
		if task, err := h.state.GetTask(h.currentTaskID); err == nil && task.ProjectRoot != "" {
			return task.ProjectRoot
		}
	}
	if _, path := h.session.Project(); path != "" {
		return path
	}
	return h.cfg.WorkspaceRoot
}

func (h *Handler) getBuilderPlan(ctx context.Context, taskID string) Response {
	if taskID == "" {
		return errResponse("task_id is required")
	}
	if h.builders == nil {
		return errResponse("No builders configured.")
	}

	for _, client := range h.builders.All() {
		plan, err := client.PlanResponse(ctx, taskID)
		if err != nil || plan == "" {
			continue
		}
		return okResponse(map[string]any{
			"task_id":           taskID,
			"builder":           client.Name(),
			"plan":              plan,
			"summary":           planSummary(plan),
			"awaiting_approval": true,
		})
	}

	return okResponse(map[string]any{
		"error":   fmt.Sprintf("No plan found for task %s. Make sure to dispatch with mode='plan' first.", taskID),
		"task_id": taskID,
	})
}

func (h *Handler) approveBuilderPlan(ctx context.Context, taskID, modifications string) Response {
	if taskID == "" {
		return errResponse("task_id is required")
	}
	if h.builders == nil {
		return errResponse("No builders configured.")
	}

	for _, client := range h.builders.All() {
		dispatch, err := client.ApproveAndBuild(ctx, taskID, modifications)
		if err != nil || dispatch == nil {
			continue
		}

		if h.state != nil {
			if _, err := h.state.UpdateTaskStatus(taskID, store.EventGateApproved, map[string]any{
				"builder": client.Name(),
			}); err != nil {
				h.logger.Warn("recording plan approval", "task", taskID, "error", err)
			}
		}

		return okResponse(map[string]any{
			"approved": true,
			"task_id":  taskID,
			"builder":  client.Name(),
			"message":  fmt.Sprintf("Building started on %s. I'll notify you when complete.", client.Name()),
		})
	}

	return okResponse(map[string]any{
		"error":   fmt.Sprintf("No pending plan found for task %s. Get the plan first with get_builder_plan.", taskID),
		"task_id": taskID,
	})
}

func planSummary(plan string) string {
	if len(plan) > 500 {
		return plan[:500] + "..."
	}
	return plan
}
