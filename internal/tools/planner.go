package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/logabell/conversator/internal/relay"
	"github.com/logabell/conversator/internal/subagent"
)

// drainTurn consumes a subagent event stream and returns the final
// assistant text.
func drainTurn(events <-chan subagent.Event) (string, error) {
	var last string
	for ev := range events {
		switch ev.Type {
		case subagent.EventMessage, subagent.EventComplete:
			last = ev.Content
			if ev.Type == subagent.EventComplete {
				return last, nil
			}
		case subagent.EventError:
			return last, errors.New(ev.Content)
		}
	}
	if last == "" {
		return "", errors.New("turn ended without a response")
	}
	return last, nil
}

func (h *Handler) engagePlanner(ctx context.Context, taskDescription, extraContext, urgency string) Response {
	if taskDescription == "" {
		return errResponse("task_description is required")
	}

	message := taskDescription
	if extraContext != "" {
		message = fmt.Sprintf("%s\n\nContext: %s", taskDescription, extraContext)
	}
	if urgency != "normal" && urgency != "" {
		message = fmt.Sprintf("[%s PRIORITY]\n%s", strings.ToUpper(urgency), message)
	}

	events, err := h.agents.Engage(ctx, "planner", message)
	if err != nil {
		return errResponse(err.Error())
	}
	response, err := drainTurn(events)
	if err != nil {
		return errResponse(err.Error())
	}

	if strings.Contains(response, "READY_FOR_BUILDER:") {
		h.plannerActive = false
		return okResponse(map[string]any{
			"status":    "ready",
			"plan_file": extractPlanFile(response),
			"summary":   summarizeForVoice(response, 2, 220),
		})
	}

	questions := subagent.ParseQuestions(response)
	h.plannerActive = true

	if len(questions) == 0 {
		return okResponse(map[string]any{
			"status":   "needs_input",
			"response": response,
			"say":      truncate(response, 500),
		})
	}

	h.rewriteQuestionsForVoice(ctx, questions)
	sessionID, _ := h.agents.SessionID("planner")
	conv := relay.NewConversation("planner", sessionID, questions)
	h.session.SetConversation(conv)

	return h.questionResponse(conv, true)
}

func (h *Handler) questionResponse(conv *relay.Conversation, isFirst bool) Response {
	texts := make([]string, conv.TotalQuestions())
	for i, q := range conv.Questions {
		texts[i] = q.Text
	}
	return sayResponse(map[string]any{
		"status":           "needs_input",
		"question_count":   conv.TotalQuestions(),
		"current_question": conv.CurrentQuestionNumber(),
		"total_questions":  conv.TotalQuestions(),
		"questions":        texts,
		"say":              formatQuestionPrompt(conv, isFirst),
	})
}

func (h *Handler) continuePlanner(ctx context.Context, userResponse string) Response {
	if !h.plannerActive {
		// The active flow may be a brainstorm: route there instead of
		// failing, the model often conflates the two continue tools.
		draft := h.session.Draft()
		conv := h.session.Conversation()
		focused := h.session.FocusedThread()
		if (draft != nil && draft.TargetSubagent == "brainstormer") ||
			(conv != nil && conv.Subagent == "brainstormer") ||
			(focused != nil && focused.Subagent == "brainstormer") {
			return h.continueBrainstormer(ctx, userResponse)
		}
		return errResponse("Planner session is not active. Call engage_planner first.")
	}

	conv := h.session.Conversation()
	if conv == nil || conv.Subagent != "planner" {
		// Legacy mode: no structured Q&A, just continue the session.
		events, err := h.agents.Continue(ctx, "planner", userResponse)
		if err != nil {
			return errResponse(err.Error())
		}
		response, err := drainTurn(events)
		if err != nil {
			return errResponse(err.Error())
		}
		if strings.Contains(response, "READY_FOR_BUILDER:") {
			h.plannerActive = false
			return okResponse(map[string]any{"status": "ready", "plan_file": extractPlanFile(response)})
		}
		return okResponse(map[string]any{"status": "needs_input", "questions": response})
	}

	if conv.AwaitingSendConfirmation {
		return h.finalReview(ctx, conv, userResponse, "planner")
	}

	if conv.RecordAnswer(strings.TrimSpace(userResponse)) {
		return h.questionResponse(conv, false)
	}

	conv.StartSendConfirmation()
	return sayResponse(map[string]any{
		"status":            "awaiting_confirmation",
		"answers_collected": conv.TotalQuestions(),
		"say":               "I've got your answers. Want to change anything before I send them to the planner?",
	})
}

func (h *Handler) lookupContext(ctx context.Context, query string) Response {
	if query == "" {
		return errResponse("query is required")
	}
	events, err := h.agents.Engage(ctx, "context-reader", query)
	if err != nil {
		return errResponse(err.Error())
	}
	response, err := drainTurn(events)
	if err != nil {
		return errResponse(err.Error())
	}
	if response == "" {
		return okResponse(map[string]any{"context": "No relevant context found"})
	}
	return okResponse(map[string]any{"context": response})
}

// ─── brainstormer staging ────────────────────────────────────────────────────

var wordRe = regexp.MustCompile(`[a-z0-9']+`)

// draftHasDetail decides whether a staged brainstorm message already
// carries enough substance to skip the "tell me more" stage.
func draftHasDetail(base, topic string) bool {
	lowered := strings.ReplaceAll(strings.ToLower(base), "brainstorm", "")
	tokens := wordRe.FindAllString(lowered, -1)

	filler := map[string]bool{
		"lets": true, "let's": true, "let": true, "about": true, "the": true,
		"a": true, "an": true, "my": true, "our": true, "app": true,
		"project": true,
	}
	for _, t := range wordRe.FindAllString(strings.ToLower(topic), -1) {
		filler[t] = true
	}

	meaningful := 0
	for _, t := range tokens {
		if !filler[t] {
			meaningful++
		}
	}

	trimmed := strings.TrimSpace(base)
	hasList := strings.Count(base, ",") >= 2 || strings.Contains(base, "\n")
	return (meaningful >= 4 && len(trimmed) >= 35) || len(trimmed) >= 80 || hasList
}

func (h *Handler) engageBrainstormer(topic string) Response {
	if topic == "" {
		return errResponse("topic is required")
	}

	// Brainstorms never go out immediately: the message is staged and the
	// user confirms (or silence auto-confirms) before the relay fires.
	h.session.ClearConversation()

	spoken, _ := h.session.LastUserSpeech()
	spoken = strings.TrimSpace(spoken)
	base := topic
	if spoken != "" && len(spoken) > len(topic) {
		base = spoken
	}

	draft := &relay.Draft{
		TargetSubagent: "brainstormer",
		Topic:          topic,
		Message:        strings.TrimSpace(base),
	}
	if draft.Message == "" {
		draft.Message = strings.TrimSpace(topic)
	}

	if draftHasDetail(base, topic) {
		draft.Stage = relay.DraftAwaitingConfirmation
		h.session.SetDraft(draft)
		return sayResponse(map[string]any{
			"status": "needs_confirmation",
			"topic":  topic,
			"say":    "Got it. Anything else to add before I send this to the brainstormer?",
		})
	}

	draft.Stage = relay.DraftAwaitingDetail
	h.session.SetDraft(draft)
	return sayResponse(map[string]any{
		"status": "needs_detail",
		"topic":  topic,
		"say":    "Okay. Tell me what you want to brainstorm. When you're done, I'll ask if you want me to send it.",
	})
}

func (h *Handler) continueBrainstormer(ctx context.Context, userResponse string) Response {
	conv := h.session.Conversation()

	if conv == nil {
		if draft := h.session.Draft(); draft != nil && draft.TargetSubagent == "brainstormer" {
			return h.advanceDraft(ctx, draft, userResponse)
		}
		if focused := h.session.FocusedThread(); focused != nil && focused.Subagent == "brainstormer" {
			return h.sendToThread(ctx, userResponse, focused.ThreadID, "", "")
		}
		return errResponse("No active brainstormer session. Call engage_brainstormer first.")
	}

	if conv.Subagent != "brainstormer" {
		return errResponse("Active session is not brainstormer.")
	}

	if conv.AwaitingSendConfirmation {
		return h.finalReview(ctx, conv, userResponse, "brainstormer")
	}

	if conv.RecordAnswer(strings.TrimSpace(userResponse)) {
		return h.questionResponse(conv, false)
	}

	conv.StartSendConfirmation()
	return sayResponse(map[string]any{
		"status":            "awaiting_confirmation",
		"answers_collected": conv.TotalQuestions(),
		"say":               "I've got your answers. Want to change anything before I send them to the brainstormer?",
	})
}

// advanceDraft walks a staged brainstorm through detail capture and
// confirmation, sending when the user acknowledges.
func (h *Handler) advanceDraft(ctx context.Context, draft *relay.Draft, userResponse string) Response {
	if isAcknowledgment(userResponse) {
		message := strings.TrimSpace(draft.Message)
		if message == "" {
			message = strings.TrimSpace(draft.Topic)
		}
		h.session.SetDraft(nil)
		if message == "" {
			return sayResponse(map[string]any{
				"status": "needs_detail",
				"say":    "What should we brainstorm about?",
			})
		}
		return h.sendToThreadNew(ctx, message, draft.TargetSubagent, draft.Topic)
	}

	extra := strings.TrimSpace(userResponse)
	if draft.Message != "" && extra != "" {
		draft.Message = draft.Message + "\n" + extra
	} else if extra != "" {
		draft.Message = extra
	}
	draft.Stage = relay.DraftAwaitingConfirmation
	draft.AutoConfirmSent = false
	return sayResponse(map[string]any{
		"status": "awaiting_confirmation",
		"say":    "Got it. Anything else you want to add before I send this to the brainstormer?",
	})
}

// ─── final review + send ─────────────────────────────────────────────────────

func (h *Handler) finalReview(ctx context.Context, conv *relay.Conversation, userResponse, agent string) Response {
	// Pick which question to change.
	if conv.AwaitingEditQuestionNumber {
		number := parseQuestionNumber(userResponse)
		if number < 1 || number > conv.TotalQuestions() {
			return sayResponse(map[string]any{
				"status": "awaiting_edit_question_number",
				"say": fmt.Sprintf("Which question number do you want to change? One through %d.",
					conv.TotalQuestions()),
			})
		}
		conv.PendingEditQuestionNumber = number
		conv.AwaitingEditQuestionNumber = false
		conv.AwaitingEditAnswer = true
		return sayResponse(map[string]any{
			"status": "awaiting_edit_answer",
			"say":    fmt.Sprintf("Okay. What's the updated answer for question %d?", number),
		})
	}

	// Receive the replacement answer.
	if conv.AwaitingEditAnswer {
		number := conv.PendingEditQuestionNumber
		conv.AwaitingEditAnswer = false
		if number == 0 {
			return sayResponse(map[string]any{
				"status": "awaiting_confirmation",
				"say":    fmt.Sprintf("Want to change anything before I send them to the %s?", agent),
			})
		}
		conv.ReplaceAnswer(number, strings.TrimSpace(userResponse))
		conv.PendingEditQuestionNumber = 0
		return sayResponse(map[string]any{
			"status": "awaiting_confirmation",
			"say":    fmt.Sprintf("Got it. Any other changes before I send them to the %s?", agent),
		})
	}

	// Yes means edit, no means send.
	if isNegative(userResponse) {
		return h.confirmSendToSubagent(ctx, "")
	}
	if isAffirmative(userResponse) {
		conv.AwaitingEditQuestionNumber = true
		return sayResponse(map[string]any{
			"status": "awaiting_edit_question_number",
			"say":    "Which question number do you want to change?",
		})
	}
	return sayResponse(map[string]any{
		"status": "awaiting_confirmation",
		"say":    fmt.Sprintf("Want to change anything before I send them to the %s?", agent),
	})
}

func (h *Handler) confirmSendToSubagent(ctx context.Context, additionalContext string) Response {
	conv := h.session.Conversation()
	if conv == nil {
		// Some flows stage a draft rather than a Q&A batch.
		if draft := h.session.Draft(); draft != nil && draft.Stage == relay.DraftAwaitingConfirmation {
			message := strings.TrimSpace(draft.Message)
			if message == "" {
				message = strings.TrimSpace(draft.Topic)
			}
			if message != "" {
				h.session.SetDraft(nil)
				return h.sendToThreadNew(ctx, message, draft.TargetSubagent, draft.Topic)
			}
		}
		return sayResponse(map[string]any{
			"status": "error",
			"error":  "No active conversation to send. Engage a subagent first.",
			"say": "I don't have an active subagent Q and A session right now. " +
				"If you want to send a brainstorm, tell me what you want to send and I'll relay it.",
		})
	}

	if !conv.AllAnswersCollected {
		return errResponse(fmt.Sprintf("Not all questions answered yet. %d remaining.",
			conv.QuestionsRemaining()))
	}

	conv.AwaitingSendConfirmation = false
	conv.AutoConfirmSent = false

	var contextParts []string
	if staged := conv.ConsumeSendContext(); staged != "" {
		contextParts = append(contextParts, staged)
	}
	if extra := strings.TrimSpace(additionalContext); extra != "" {
		contextParts = append(contextParts, extra)
	}

	payload := conv.AnswersXML(strings.Join(contextParts, "\n"))
	agent := conv.Subagent

	var (
		events <-chan subagent.Event
		err    error
	)
	if conv.SessionID != "" {
		events, err = h.agents.ContinueSession(ctx, conv.SessionID, agent, payload)
	} else {
		events, err = h.agents.Continue(ctx, agent, payload)
	}
	if err != nil {
		return errResponse(err.Error())
	}
	response, err := drainTurn(events)
	if err != nil {
		return errResponse(err.Error())
	}

	if agent == "planner" && strings.Contains(response, "READY_FOR_BUILDER:") {
		h.plannerActive = false
		h.session.ClearConversation()
		return sayResponse(map[string]any{
			"status":    "ready",
			"plan_file": extractPlanFile(response),
			"say":       "The plan is ready for the builder.",
		})
	}

	if questions := subagent.ParseQuestions(response); len(questions) > 0 {
		h.rewriteQuestionsForVoice(ctx, questions)
		conv.ResetForNewQuestions(questions)
		resp := h.questionResponse(conv, true)
		resp.Result["subagent"] = agent
		return resp
	}

	h.session.ClearConversation()
	if agent == "planner" {
		h.plannerActive = false
	}
	say := truncate(response, 500)
	if say == "" {
		say = "Done."
	}
	return sayResponse(map[string]any{
		"status":   "complete",
		"response": response,
		"say":      say,
	})
}

// rewriteQuestionsForVoice asks the summarizer for speakable phrasings.
// The canonical text is untouched; failures never break the main flow.
func (h *Handler) rewriteQuestionsForVoice(ctx context.Context, questions []subagent.Question) {
	if len(questions) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("Rewrite these questions for speaking.\n")
	b.WriteString("- Keep the meaning exactly the same.\n")
	b.WriteString("- Keep each question short and child-friendly when possible.\n")
	b.WriteString(`- Return JSON exactly like: {"questions": ["...", "..."]}` + "\n\n")
	for _, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", q.Index, q.Text)
	}

	events, err := h.agents.Engage(ctx, "summarizer", b.String())
	if err != nil {
		return
	}
	response, err := drainTurn(events)
	if err != nil || strings.TrimSpace(response) == "" {
		return
	}

	var parsed struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		// Tolerate prose around the JSON object.
		if start, end := strings.Index(response, "{"), strings.LastIndex(response, "}"); start >= 0 && end > start {
			_ = json.Unmarshal([]byte(response[start:end+1]), &parsed)
		}
	}

	spoken := parsed.Questions
	if len(spoken) == 0 {
		for _, line := range strings.Split(response, "\n") {
			line = strings.Trim(line, "-•\t ")
			if line != "" {
				spoken = append(spoken, line)
			}
		}
	}
	if len(spoken) < len(questions) {
		return
	}
	for i := range questions {
		if s := strings.TrimSpace(spoken[i]); s != "" {
			questions[i].Spoken = s
		}
	}
}
