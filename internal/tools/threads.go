package tools

import (
	"context"
	"fmt"

	"github.com/logabell/conversator/internal/relay"
	"github.com/logabell/conversator/internal/subagent"
)

func (h *Handler) sendToThread(ctx context.Context, message, threadID, agent, topic string) Response {
	if message == "" {
		return errResponse("message is required")
	}

	// No explicit thread: fall back to the focused one, then to creating
	// a new thread for the named subagent.
	if threadID == "" && agent == "" {
		focused := h.session.FocusedThread()
		if focused == nil {
			return errResponse("No thread selected. Provide subagent (and optionally topic) to create a new thread.")
		}
		threadID = focused.ThreadID
	}

	res, err := h.relay.SendToThread(ctx, threadID, agent, topic, message)
	if err != nil {
		return errResponse(err.Error())
	}

	return Response{
		Result: map[string]any{
			"status":    res.Status,
			"thread_id": res.ThreadID,
			"subagent":  res.Subagent,
		},
		VoiceFeedback: fmt.Sprintf("Okay. Sending that to the %s.", res.Subagent),
		StartAmbient:  true,
	}
}

// startSubagentThread opens a fresh thread with the named subagent.
// With a message it relays immediately; without one the thread sits
// idle until the next send_to_thread.
func (h *Handler) startSubagentThread(ctx context.Context, agent, topic, message string) Response {
	if agent == "" {
		return errResponse("subagent is required")
	}
	if message != "" {
		return h.sendToThreadNew(ctx, message, agent, topic)
	}

	t := h.session.CreateThread(agent, topic, "", true)
	return sayResponse(map[string]any{
		"status":    "created",
		"thread_id": t.ThreadID,
		"subagent":  t.Subagent,
		"topic":     t.Topic,
		"say":       fmt.Sprintf("Opened a %s thread.", t.Subagent),
	})
}

// sendToThreadNew relays a staged message on a fresh thread.
func (h *Handler) sendToThreadNew(ctx context.Context, message, agent, topic string) Response {
	res, err := h.relay.SendToThread(ctx, "", agent, topic, message)
	if err != nil {
		return errResponse(err.Error())
	}
	h.session.FocusThread(res.ThreadID)
	return Response{
		Result: map[string]any{
			"status":    res.Status,
			"thread_id": res.ThreadID,
			"subagent":  res.Subagent,
			"topic":     topic,
		},
		VoiceFeedback: fmt.Sprintf("Okay. Sending that to the %s.", res.Subagent),
		StartAmbient:  true,
	}
}

func (h *Handler) listThreads() Response {
	var focusedID string
	if focused := h.session.FocusedThread(); focused != nil {
		focusedID = focused.ThreadID
	}

	threads := []map[string]any{}
	for _, t := range h.session.Threads() {
		threads = append(threads, map[string]any{
			"thread_id":  t.ThreadID,
			"session_id": t.SessionID,
			"subagent":   t.Subagent,
			"topic":      t.Topic,
			"status":     string(t.Status),
			"focused":    t.ThreadID == focusedID,
		})
	}

	return okResponse(map[string]any{
		"count":             len(threads),
		"focused_thread_id": focusedID,
		"threads":           threads,
	})
}

func (h *Handler) focusThread(threadID string) Response {
	t := h.session.Thread(threadID)
	if t == nil {
		return errResponse(fmt.Sprintf("Unknown thread_id: %s", threadID))
	}
	h.session.FocusThread(threadID)
	return sayResponse(map[string]any{
		"status":     "focused",
		"thread_id":  t.ThreadID,
		"session_id": t.SessionID,
		"subagent":   t.Subagent,
		"topic":      t.Topic,
		"say":        fmt.Sprintf("Switched to %s thread.", t.Subagent),
	})
}

func (h *Handler) openThread(threadID string) Response {
	t := h.session.Thread(threadID)
	if t == nil {
		return errResponse(fmt.Sprintf("Unknown thread_id: %s", threadID))
	}

	h.session.FocusThread(threadID)

	if t.LastResponse == "" {
		return okResponse(map[string]any{
			"error":     "Thread has no response yet.",
			"thread_id": t.ThreadID,
		})
	}

	if questions := subagent.ParseQuestions(t.LastResponse); len(questions) > 0 {
		h.session.UpdateThread(threadID, func(th *relay.Thread) {
			th.Status = relay.ThreadAwaitingUser
		})
		conv := relay.NewConversation(t.Subagent, t.SessionID, questions)
		h.session.SetConversation(conv)

		resp := h.questionResponse(conv, true)
		resp.Result["thread_id"] = t.ThreadID
		resp.Result["subagent"] = t.Subagent
		return resp
	}

	return sayResponse(map[string]any{
		"status":    "complete",
		"thread_id": t.ThreadID,
		"subagent":  t.Subagent,
		"response":  t.LastResponse,
		"say":       truncate(t.LastResponse, 600),
	})
}
