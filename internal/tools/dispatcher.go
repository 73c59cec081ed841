package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/logabell/conversator/internal/builder"
	"github.com/logabell/conversator/internal/config"
	"github.com/logabell/conversator/internal/observe"
	"github.com/logabell/conversator/internal/prompt"
	"github.com/logabell/conversator/internal/relay"
	"github.com/logabell/conversator/internal/store"
	"github.com/logabell/conversator/internal/subagent"
	"github.com/logabell/conversator/internal/supervise"
)

// Response is what a tool invocation hands back to the live session.
// Result is the payload the model sees; the remaining fields are side
// effects the session executes and never merges into Result.
type Response struct {
	Result        map[string]any
	VoiceFeedback string
	StartAmbient  bool
	StopAmbient   bool
}

// Recorder receives tool lifecycle notifications for the conversation
// log on the dashboard. Implementations must be non-blocking.
type Recorder interface {
	ToolStarted(name string, args map[string]any)
	ToolFinished(name string, duration time.Duration, errText string)
}

// Deps wires the handler into the rest of the system. Store, Prompts and
// Recorder may be nil; the affected tools then degrade to structured
// errors instead of failing construction.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Prompts  *prompt.Manager
	Agents   *subagent.Client
	Builders *builder.Registry
	Relay    *relay.Relay
	Recorder Recorder
	Logger   *slog.Logger
}

// Handler dispatches tool calls from the speech model.
type Handler struct {
	cfg      *config.Config
	state    *store.Store
	prompts  *prompt.Manager
	agents   *subagent.Client
	builders *builder.Registry
	relay    *relay.Relay
	session  *relay.State
	recorder Recorder
	logger   *slog.Logger

	currentTaskID string
	plannerActive bool

	// Builder process started by start_builder, if any.
	builderSup     *supervise.Supervisor
	builderProject string
}

// NewHandler creates a tool dispatcher.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &Handler{
		cfg:      d.Config,
		state:    d.Store,
		prompts:  d.Prompts,
		agents:   d.Agents,
		builders: d.Builders,
		relay:    d.Relay,
		recorder: d.Recorder,
		logger:   d.Logger,
	}
	if d.Relay != nil {
		h.session = d.Relay.State()
	} else {
		h.session = relay.NewState()
	}
	return h
}

// SetCurrentTask points prompt and dispatch operations at a task.
func (h *Handler) SetCurrentTask(taskID string) { h.currentTaskID = taskID }

// CurrentTask returns the task prompt operations target.
func (h *Handler) CurrentTask() string { return h.currentTaskID }

// Dispatch routes one tool invocation. Handler panics and errors are
// folded into the result so the tool loop keeps serving.
func (h *Handler) Dispatch(ctx context.Context, name string, args map[string]any) (resp Response) {
	start := time.Now()
	if h.recorder != nil {
		h.recorder.ToolStarted(name, args)
	}
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("tool handler panicked", "tool", name, "panic", p)
			resp = errResponse(fmt.Sprintf("internal error: %v", p))
		}
		errText := ""
		status := "ok"
		if e, ok := resp.Result["error"].(string); ok {
			errText = e
			status = "error"
		}
		observe.DefaultMetrics().RecordToolCall(ctx, name, status, time.Since(start))
		if h.recorder != nil {
			h.recorder.ToolFinished(name, time.Since(start), errText)
		}
	}()
	h.logger.Debug("tool call", "tool", name)

	switch name {
	case "list_projects":
		return h.listProjects()
	case "select_project":
		return h.selectProject(ctx, argString(args, "project_name"), true)
	case "start_builder":
		return h.startBuilder(ctx)
	case "create_project":
		return h.createProject(ctx,
			argString(args, "project_name"),
			argBoolDefault(args, "init_git", true),
			argBoolDefault(args, "start_builder_after", true))
	case "engage_planner":
		return h.engagePlanner(ctx,
			argString(args, "task_description"),
			argString(args, "context"),
			argStringDefault(args, "urgency", "normal"))
	case "continue_planner":
		return h.continuePlanner(ctx, argString(args, "user_response"))
	case "lookup_context":
		return h.lookupContext(ctx, argString(args, "query"))
	case "check_status":
		return h.checkStatus(ctx, argBool(args, "verbose"))
	case "dispatch_to_builder":
		return h.dispatchToBuilder(ctx,
			argString(args, "plan_file"),
			argStringDefault(args, "agent", "auto"),
			argStringDefault(args, "mode", "build"),
			argString(args, "parallel_with"))
	case "add_to_memory":
		return h.addToMemory(
			argString(args, "content"),
			argStringList(args, "keywords"),
			argStringDefault(args, "importance", "normal"))
	case "cancel_task":
		return h.cancelTask(argString(args, "task_id"), argString(args, "reason"))
	case "check_inbox":
		return h.checkInbox(argBool(args, "include_read"))
	case "acknowledge_inbox":
		return h.acknowledgeInbox(argStringList(args, "inbox_ids"))
	case "update_working_prompt":
		return h.updateWorkingPrompt(args)
	case "freeze_prompt":
		return h.freezePrompt()
	case "get_working_summary":
		return h.getWorkingSummary()
	case "quick_dispatch":
		return h.quickDispatch(ctx,
			argString(args, "operation"),
			argString(args, "command"),
			argString(args, "working_dir"))
	case "engage_brainstormer":
		return h.engageBrainstormer(argString(args, "topic"))
	case "continue_brainstormer":
		return h.continueBrainstormer(ctx, argString(args, "user_response"))
	case "confirm_send_to_subagent":
		return h.confirmSendToSubagent(ctx, argString(args, "additional_context"))
	case "get_builder_plan":
		return h.getBuilderPlan(ctx, argString(args, "task_id"))
	case "approve_builder_plan":
		return h.approveBuilderPlan(ctx, argString(args, "task_id"), argString(args, "modifications"))
	case "start_subagent_thread":
		return h.startSubagentThread(ctx,
			argString(args, "subagent"),
			argString(args, "topic"),
			argString(args, "message"))
	case "send_to_thread":
		return h.sendToThread(ctx,
			argString(args, "message"),
			argString(args, "thread_id"),
			argString(args, "subagent"),
			argString(args, "topic"))
	case "list_threads":
		return h.listThreads()
	case "focus_thread":
		return h.focusThread(argString(args, "thread_id"))
	case "open_thread":
		return h.openThread(argString(args, "thread_id"))
	}
	return errResponse(fmt.Sprintf("unknown tool: %s", name))
}

func errResponse(msg string) Response {
	return Response{Result: map[string]any{"error": msg}}
}

func okResponse(result map[string]any) Response {
	return Response{Result: result}
}

// sayResponse pulls the conventional "say" field up into voice feedback.
func sayResponse(result map[string]any) Response {
	resp := Response{Result: result}
	if say, ok := result["say"].(string); ok {
		resp.VoiceFeedback = say
	}
	return resp
}

// ─── argument extraction ─────────────────────────────────────────────────────

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argStringDefault(args map[string]any, key, def string) string {
	if v := argString(args, key); v != "" {
		return v
	}
	return def
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argBoolDefault(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func argStringList(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		if vs, ok := args[key].([]string); ok {
			return vs
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
