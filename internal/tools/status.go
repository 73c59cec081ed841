package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/logabell/conversator/internal/store"
)

func (h *Handler) checkStatus(ctx context.Context, verbose bool) Response {
	if h.state == nil {
		return errResponse("State store not available.")
	}

	active, err := h.state.GetActiveTasks()
	if err != nil {
		return errResponse(err.Error())
	}
	unread, err := h.state.GetInbox(store.InboxFilter{UnreadOnly: true})
	if err != nil {
		return errResponse(err.Error())
	}

	tasks := make([]map[string]any, len(active))
	for i, t := range active {
		entry := map[string]any{
			"task_id": shortID(t.TaskID),
			"title":   t.Title,
			"status":  string(t.Status),
		}
		if verbose {
			entry["project_root"] = t.ProjectRoot
			entry["updated_at"] = t.UpdatedAt
			entry["builder_session_id"] = t.BuilderSessionID
		}
		tasks[i] = entry
	}

	var summary string
	switch len(active) {
	case 0:
		summary = "No active tasks."
	case 1:
		summary = fmt.Sprintf("One active task: %s, status %s.", active[0].Title, active[0].Status)
	default:
		summary = fmt.Sprintf("%d active tasks.", len(active))
	}
	if len(unread) > 0 {
		summary += fmt.Sprintf(" %d unread notifications.", len(unread))
	}

	builderHealth := map[string]bool{}
	if h.builders != nil {
		builderHealth = h.builders.HealthCheckAll(ctx)
	}

	return okResponse(map[string]any{
		"tasks":                tasks,
		"active_count":         len(active),
		"unread_notifications": len(unread),
		"builders":             builderHealth,
		"summary":              summary,
	})
}

func (h *Handler) checkInbox(includeRead bool) Response {
	if h.state == nil {
		return okResponse(map[string]any{"summary": "Inbox not available.", "count": 0})
	}

	items, err := h.state.GetInbox(store.InboxFilter{UnreadOnly: !includeRead})
	if err != nil {
		return errResponse(err.Error())
	}

	if len(items) == 0 {
		summary := "No notifications."
		if includeRead {
			summary = "No notifications at all."
		}
		return okResponse(map[string]any{"summary": summary, "count": 0})
	}

	var blocking, errs, warnings, info []store.InboxItem
	for _, item := range items {
		switch item.Severity {
		case store.SeverityBlocking:
			blocking = append(blocking, item)
		case store.SeverityError:
			errs = append(errs, item)
		case store.SeverityWarning:
			warnings = append(warnings, item)
		default:
			info = append(info, item)
		}
	}

	var parts []string
	if len(blocking) > 0 {
		parts = append(parts, fmt.Sprintf("%d blocking", len(blocking)))
	}
	if len(errs) > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", len(errs), plural("error", len(errs))))
	}
	if len(warnings) > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", len(warnings), plural("warning", len(warnings))))
	}
	if len(info) > 0 {
		parts = append(parts, fmt.Sprintf("%d info", len(info)))
	}

	summary := fmt.Sprintf("%d notifications: %s.", len(items), strings.Join(parts, ", "))

	// Lead with the most urgent one.
	important := items[0]
	if len(blocking) > 0 {
		important = blocking[0]
	} else if len(errs) > 0 {
		important = errs[0]
	}
	summary += " Most important: " + important.Summary

	preview := items
	if len(preview) > 5 {
		preview = preview[:5]
	}
	previewItems := make([]map[string]any, len(preview))
	for i, item := range preview {
		previewItems[i] = map[string]any{
			"inbox_id": item.InboxID,
			"severity": string(item.Severity),
			"summary":  item.Summary,
		}
	}

	return okResponse(map[string]any{
		"summary": summary,
		"count":   len(items),
		"items":   previewItems,
	})
}

func (h *Handler) acknowledgeInbox(inboxIDs []string) Response {
	if h.state == nil {
		return okResponse(map[string]any{"acknowledged": 0, "error": "Inbox not available."})
	}

	if len(inboxIDs) > 0 {
		count := 0
		for _, id := range inboxIDs {
			if err := h.state.AcknowledgeInbox(id); err == nil {
				count++
			}
		}
		return okResponse(map[string]any{
			"acknowledged": count,
			"summary":      fmt.Sprintf("Acknowledged %d notifications.", count),
		})
	}

	count, err := h.state.AcknowledgeAllInbox()
	if err != nil {
		return errResponse(err.Error())
	}
	summary := "No notifications to clear."
	if count > 0 {
		summary = fmt.Sprintf("Cleared all %d notifications.", count)
	}
	return okResponse(map[string]any{"acknowledged": count, "summary": summary})
}

func (h *Handler) cancelTask(taskID, reason string) Response {
	if taskID == "" {
		return errResponse("task_id is required")
	}
	if h.state == nil {
		return errResponse("State store not available.")
	}

	task, err := h.state.GetTask(taskID)
	if err != nil {
		return okResponse(map[string]any{"canceled": false, "error": err.Error()})
	}
	if task.Status.Terminal() {
		return okResponse(map[string]any{
			"canceled": false,
			"error":    fmt.Sprintf("Task is already %s.", task.Status),
		})
	}

	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := h.state.UpdateTaskStatus(taskID, store.EventTaskCanceled, payload); err != nil {
		return okResponse(map[string]any{"canceled": false, "error": err.Error()})
	}

	// Best effort: abort any in-flight builder session for the task.
	if h.builders != nil {
		if client, _, ok := h.builders.FindSession(taskID); ok {
			if err := client.CancelSession(context.Background(), taskID); err != nil {
				h.logger.Warn("aborting builder session", "task", taskID, "error", err)
			}
		}
	}

	return okResponse(map[string]any{"canceled": true, "task_id": taskID})
}

func plural(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
