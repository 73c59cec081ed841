// Package tools declares the tool surface the speech model can call and
// dispatches invocations to the rest of the system: subagents, builders,
// the event store, the prompt manager and the relay.
package tools

// Tool is one callable declaration handed to the speech model. Parameters
// follows the JSON-schema subset the live API accepts.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func obj(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func boolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func strEnum(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": description}
}

func strList(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": description,
	}
}

// Definitions returns the full tool surface in declaration order.
func Definitions() []Tool {
	return []Tool{
		{
			Name: "list_projects",
			Description: "List available projects in the workspace directory. " +
				"Call when the user asks what projects exist or needs help choosing one.",
			Parameters: obj(map[string]any{}),
		},
		{
			Name: "select_project",
			Description: "Select a project to work on. Sets the project context for the " +
				"builder. Supports fuzzy names like 'the calculator app'.",
			Parameters: obj(map[string]any{
				"project_name": str("Name of the project folder to select"),
			}, "project_name"),
		},
		{
			Name: "start_builder",
			Description: "Start the coding agent in the current project directory. " +
				"Call after select_project, or let select_project start it automatically.",
			Parameters: obj(map[string]any{}),
		},
		{
			Name: "create_project",
			Description: "Create a new project folder in the workspace. Optionally " +
				"initializes git, then selects it and starts the builder.",
			Parameters: obj(map[string]any{
				"project_name":        str("Name for the new folder (lowercase with dashes)"),
				"init_git":            boolean("Initialize a git repository. Default: true"),
				"start_builder_after": boolean("Select and start the builder afterwards. Default: true"),
			}, "project_name"),
		},
		{
			Name: "engage_planner",
			Description: "Engage the planner subagent to refine a task into an actionable " +
				"prompt. The planner may ask clarifying questions before producing a plan.",
			Parameters: obj(map[string]any{
				"task_description": str("What the user wants to accomplish"),
				"context":          str("Relevant context from the conversation so far"),
				"urgency":          strEnum("How urgent this task is", "low", "normal", "high"),
			}, "task_description"),
		},
		{
			Name: "continue_planner",
			Description: "Continue an active planner session with the user's answer. " +
				"Use after engage_planner returns status=needs_input.",
			Parameters: obj(map[string]any{
				"user_response": str("The user's answer to the planner's question"),
			}, "user_response"),
		},
		{
			Name: "lookup_context",
			Description: "Look up relevant context from memory or the codebase via the " +
				"context-reader subagent.",
			Parameters: obj(map[string]any{
				"query": str("What to look up, be specific"),
				"scope": strEnum("Where to search. Default: both", "memory", "codebase", "both"),
			}, "query"),
		},
		{
			Name: "check_status",
			Description: "Get the current status of running tasks and recent completions.",
			Parameters: obj(map[string]any{
				"verbose": boolean("Include detailed progress info. Default: false"),
			}),
		},
		{
			Name: "dispatch_to_builder",
			Description: "Send an optimized prompt to a builder for execution. Use when a " +
				"plan is ready and the user has confirmed.",
			Parameters: obj(map[string]any{
				"plan_file": str("Path to the plan file to execute"),
				"agent": strEnum("Which builder to use; auto applies routing rules",
					"auto", "claude-code", "opencode-fast", "opencode-pro"),
				"mode":          strEnum("plan for review-first, build to implement directly", "plan", "build"),
				"parallel_with": str("Task ID to run in parallel with"),
			}, "plan_file"),
		},
		{
			Name: "add_to_memory",
			Description: "Save an important decision or context for future recall.",
			Parameters: obj(map[string]any{
				"content":    str("What to remember, with enough context to stand alone"),
				"keywords":   strList("Keywords for later retrieval"),
				"importance": strEnum("How important this memory is", "low", "normal", "high"),
			}, "content"),
		},
		{
			Name:        "cancel_task",
			Description: "Cancel a running or pending task.",
			Parameters: obj(map[string]any{
				"task_id": str("ID of the task to cancel"),
				"reason":  str("Why the task is being canceled"),
			}, "task_id"),
		},
		{
			Name:        "check_inbox",
			Description: "Check for unread notifications and alerts.",
			Parameters: obj(map[string]any{
				"include_read": boolean("Include already-read notifications. Default: false"),
			}),
		},
		{
			Name:        "acknowledge_inbox",
			Description: "Mark notifications as read. Without IDs, acknowledges everything.",
			Parameters: obj(map[string]any{
				"inbox_ids": strList("Specific notification IDs to acknowledge"),
			}),
		},
		{
			Name: "update_working_prompt",
			Description: "Update the working prompt with refined task details as they " +
				"emerge. Builds up the task specification incrementally.",
			Parameters: obj(map[string]any{
				"title":        str("Short descriptive task title"),
				"intent":       str("What the user wants to achieve"),
				"requirements": strList("Specific requirements gathered so far"),
				"constraints":  strList("Constraints or things to avoid"),
				"context":      str("Additional context relevant to the task"),
			}, "title", "intent"),
		},
		{
			Name:        "get_working_summary",
			Description: "Read back a spoken summary of the working prompt so far.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Name: "freeze_prompt",
			Description: "Freeze the working prompt into handoff format for builders. " +
				"Only after the user confirms they want to proceed.",
			Parameters: obj(map[string]any{
				"confirm_summary": str("Brief summary to confirm with the user before freezing"),
			}),
		},
		{
			Name: "quick_dispatch",
			Description: "Execute a simple, quick command immediately: read-only queries " +
				"(git status, ls) or simple mutations (mkdir, touch). NOT for builds, " +
				"refactors or destructive operations, those need engage_planner.",
			Parameters: obj(map[string]any{
				"operation":   strEnum("query is read-only, simple_mutation writes safely", "query", "simple_mutation"),
				"command":     str("The command to execute"),
				"working_dir": str("Optional working directory, defaults to the project root"),
			}, "operation", "command"),
		},
		{
			Name: "engage_brainstormer",
			Description: "Engage the brainstormer for open-ended ideation. The message is " +
				"staged and confirmed with the user before it is sent.",
			Parameters: obj(map[string]any{
				"topic":       str("What to brainstorm or discuss"),
				"context":     str("Relevant context for the discussion"),
				"constraints": strList("Any constraints to keep in mind"),
			}, "topic"),
		},
		{
			Name: "continue_brainstormer",
			Description: "Continue an active brainstormer exchange with the user's input.",
			Parameters: obj(map[string]any{
				"user_response": str("What the user said"),
			}, "user_response"),
		},
		{
			Name:        "confirm_send_to_subagent",
			Description: "Send the collected answers to the active subagent.",
			Parameters: obj(map[string]any{
				"additional_context": str("Anything extra to include with the answers"),
			}),
		},
		{
			Name:        "get_builder_plan",
			Description: "Get the plan a builder produced in plan mode, for review.",
			Parameters: obj(map[string]any{
				"task_id": str("Task ID to get the plan for"),
			}, "task_id"),
		},
		{
			Name:        "approve_builder_plan",
			Description: "Approve the builder's plan and start implementation.",
			Parameters: obj(map[string]any{
				"task_id":       str("Task ID to approve"),
				"modifications": str("Optional modifications to the plan before building"),
			}, "task_id"),
		},
		{
			Name:        "start_subagent_thread",
			Description: "Open a new subagent thread, optionally sending an opening message.",
			Parameters: obj(map[string]any{
				"subagent": str("Subagent to open the thread with"),
				"topic":    str("Topic label for the thread"),
				"message":  str("Optional opening message to relay immediately"),
			}, "subagent"),
		},
		{
			Name:        "send_to_thread",
			Description: "Send a message to a subagent thread. Returns immediately; the response arrives as an announcement.",
			Parameters: obj(map[string]any{
				"message":   str("What to send"),
				"thread_id": str("Existing thread to send on; omit to use the focused thread"),
				"subagent":  str("Subagent for a new thread when none is selected"),
				"topic":     str("Topic label for a new thread"),
			}, "message"),
		},
		{
			Name:        "list_threads",
			Description: "List the subagent threads in this session.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Name:        "focus_thread",
			Description: "Switch focus to an existing subagent thread.",
			Parameters: obj(map[string]any{
				"thread_id": str("Thread to focus"),
			}, "thread_id"),
		},
		{
			Name:        "open_thread",
			Description: "Open a thread and relay its latest response or questions.",
			Parameters: obj(map[string]any{
				"thread_id": str("Thread to open"),
			}, "thread_id"),
		},
	}
}

// ByName returns the declaration for a tool, or nil when unknown.
func ByName(name string) *Tool {
	for _, t := range Definitions() {
		if t.Name == name {
			return &t
		}
	}
	return nil
}
