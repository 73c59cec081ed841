package tools

import (
	"github.com/logabell/conversator/internal/prompt"
)

func (h *Handler) updateWorkingPrompt(args map[string]any) Response {
	if h.prompts == nil {
		return errResponse("Prompt manager not available.")
	}
	if h.currentTaskID == "" {
		return errResponse("No active task.")
	}

	title := argString(args, "title")
	intent := argString(args, "intent")
	if title == "" || intent == "" {
		return errResponse("title and intent are required")
	}

	if _, err := h.prompts.Apply(h.currentTaskID, prompt.Update{
		Title:        title,
		Intent:       intent,
		Requirements: argStringList(args, "requirements"),
		Constraints:  argStringList(args, "constraints"),
		Context:      argString(args, "context"),
	}); err != nil {
		return errResponse(err.Error())
	}

	return okResponse(map[string]any{
		"updated": true,
		"summary": h.prompts.Summary(h.currentTaskID),
	})
}

func (h *Handler) getWorkingSummary() Response {
	if h.prompts == nil {
		return errResponse("Prompt manager not available.")
	}
	if h.currentTaskID == "" {
		return errResponse("No active task.")
	}
	summary := h.prompts.Summary(h.currentTaskID)
	return sayResponse(map[string]any{
		"summary": summary,
		"say":     summary,
	})
}

func (h *Handler) freezePrompt() Response {
	if h.prompts == nil {
		return errResponse("Prompt manager not available.")
	}
	if h.currentTaskID == "" {
		return errResponse("No active task.")
	}

	if h.brainstormInProgress() {
		return sayResponse(map[string]any{
			"frozen": false,
			"error":  "Brainstorm still in progress.",
			"say":    "Let's finish the brainstorm first. Tell me when you're ready to send something to a builder.",
		})
	}
	if !h.userIntendsBuilder() {
		return sayResponse(map[string]any{
			"frozen": false,
			"error":  "User has not requested builder dispatch.",
			"say":    "I can freeze this into a builder handoff when you explicitly say 'send to builder'.",
		})
	}

	mdPath, jsonPath, err := h.prompts.Freeze(h.currentTaskID)
	if err != nil {
		return okResponse(map[string]any{"frozen": false, "error": err.Error()})
	}

	return okResponse(map[string]any{
		"frozen":            true,
		"handoff_md_path":   mdPath,
		"handoff_json_path": jsonPath,
		"summary":           "Prompt frozen and ready for builder.",
	})
}
