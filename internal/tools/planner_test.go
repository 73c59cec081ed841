package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/logabell/conversator/internal/relay"
	"github.com/logabell/conversator/internal/subagent"
)

func eventStream(events ...subagent.Event) <-chan subagent.Event {
	ch := make(chan subagent.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestDrainTurn(t *testing.T) {
	t.Run("complete wins", func(t *testing.T) {
		got, err := drainTurn(eventStream(
			subagent.Event{Type: subagent.EventMessage, Content: "thinking"},
			subagent.Event{Type: subagent.EventComplete, Content: "final answer"},
		))
		if err != nil || got != "final answer" {
			t.Fatalf("drainTurn = %q, %v", got, err)
		}
	})

	t.Run("error surfaces", func(t *testing.T) {
		_, err := drainTurn(eventStream(
			subagent.Event{Type: subagent.EventError, Content: "agent offline"},
		))
		if err == nil || !strings.Contains(err.Error(), "agent offline") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("stream closed early", func(t *testing.T) {
		got, err := drainTurn(eventStream(
			subagent.Event{Type: subagent.EventMessage, Content: "partial"},
		))
		if err != nil || got != "partial" {
			t.Fatalf("drainTurn = %q, %v", got, err)
		}
	})

	t.Run("empty stream", func(t *testing.T) {
		if _, err := drainTurn(eventStream()); err == nil {
			t.Fatal("empty stream produced no error")
		}
	})
}

func TestDraftHasDetail(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		topic string
		want  bool
	}{
		{"bare topic echo", "lets brainstorm about the app", "the app", false},
		{"short fragment", "snack ideas", "snacks", false},
		{
			"substantial sentence",
			"I want a meal planner that builds a grocery list from recipes",
			"meal planner",
			true,
		},
		{"long message", strings.Repeat("details ", 12), "topic", true},
		{"comma list", "themes, characters, and a plot twist", "story", true},
		{"multi line", "first idea\nsecond idea", "ideas", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := draftHasDetail(tt.base, tt.topic); got != tt.want {
				t.Errorf("draftHasDetail(%q, %q) = %v, want %v", tt.base, tt.topic, got, tt.want)
			}
		})
	}
}

func TestEngageBrainstormerStagesThinDraft(t *testing.T) {
	h := newTestHandler(t)

	resp := h.engageBrainstormer("snacks")
	if resp.Result["status"] != "needs_detail" {
		t.Fatalf("Result = %v", resp.Result)
	}
	draft := h.session.Draft()
	if draft == nil || draft.Stage != relay.DraftAwaitingDetail {
		t.Fatalf("draft = %+v", draft)
	}
	if draft.TargetSubagent != "brainstormer" {
		t.Errorf("TargetSubagent = %q", draft.TargetSubagent)
	}
}

func TestEngageBrainstormerUsesRicherTranscript(t *testing.T) {
	h := newTestHandler(t)
	h.session.RecordUserSpeech(
		"let's brainstorm a birthday party with a space theme, games, and a cake shaped like a rocket",
		time.Now())

	resp := h.engageBrainstormer("birthday party")
	if resp.Result["status"] != "needs_confirmation" {
		t.Fatalf("Result = %v", resp.Result)
	}
	draft := h.session.Draft()
	if draft == nil || draft.Stage != relay.DraftAwaitingConfirmation {
		t.Fatalf("draft = %+v", draft)
	}
	if !strings.Contains(draft.Message, "rocket") {
		t.Errorf("draft kept the thin topic instead of the transcript: %q", draft.Message)
	}
}

func TestAdvanceDraftCapturesDetail(t *testing.T) {
	h := newTestHandler(t)
	h.engageBrainstormer("snacks")

	resp := h.continueBrainstormer(context.Background(),
		"I want healthy snacks for a road trip, nothing that melts")
	if resp.Result["status"] != "awaiting_confirmation" {
		t.Fatalf("Result = %v", resp.Result)
	}
	draft := h.session.Draft()
	if draft == nil || !strings.Contains(draft.Message, "road trip") {
		t.Fatalf("draft = %+v", draft)
	}
}

func TestAdvanceDraftAcknowledgmentSends(t *testing.T) {
	h, eng := newRelayHandler(t, "Here are some ideas.")
	h.session.RecordUserSpeech(
		"brainstorm healthy road trip snacks that survive a hot car, ideally cheap, portable, and kid friendly",
		time.Now())
	h.engageBrainstormer("road trip snacks")

	resp := h.continueBrainstormer(context.Background(), "yep send it")
	if resp.Result["status"] != "queued" {
		t.Fatalf("Result = %v", resp.Result)
	}
	if h.session.Draft() != nil {
		t.Error("draft not cleared after send")
	}

	threadID, _ := resp.Result["thread_id"].(string)
	waitThreadStatus(t, h, threadID, relay.ThreadHasResponse)
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.messages) != 1 || !strings.Contains(eng.messages[0], "hot car") {
		t.Errorf("messages = %v", eng.messages)
	}
}

func TestContinuePlannerInactive(t *testing.T) {
	h := newTestHandler(t)
	resp := h.continuePlanner(context.Background(), "sounds good")
	errText, _ := resp.Result["error"].(string)
	if !strings.Contains(errText, "not active") {
		t.Fatalf("Result = %v", resp.Result)
	}
}

func TestContinuePlannerRoutesToBrainstormDraft(t *testing.T) {
	h := newTestHandler(t)
	h.engageBrainstormer("snacks")

	// The model called the wrong continue tool; the draft flow should
	// still advance.
	resp := h.continuePlanner(context.Background(), "crunchy things only")
	if resp.Result["status"] != "awaiting_confirmation" {
		t.Fatalf("Result = %v", resp.Result)
	}
}

func TestFinalReviewEditFlow(t *testing.T) {
	h := newTestHandler(t)
	qs := subagent.ParseQuestions("1. Which database?\n2. Is downtime acceptable?")
	conv := relay.NewConversation("planner", "ses_1", qs)
	conv.RecordAnswer("MySQL")
	conv.RecordAnswer("Yes")
	conv.StartSendConfirmation()
	h.session.SetConversation(conv)
	h.plannerActive = true

	resp := h.continuePlanner(context.Background(), "yes, change one")
	if resp.Result["status"] != "awaiting_edit_question_number" {
		t.Fatalf("Result = %v", resp.Result)
	}

	resp = h.continuePlanner(context.Background(), "the first one")
	if resp.Result["status"] != "awaiting_edit_answer" {
		t.Fatalf("Result = %v", resp.Result)
	}

	resp = h.continuePlanner(context.Background(), "Postgres, actually")
	if resp.Result["status"] != "awaiting_confirmation" {
		t.Fatalf("Result = %v", resp.Result)
	}
	if got := conv.Questions[0].Answer; got != "Postgres, actually" {
		t.Errorf("answer = %q", got)
	}
}

func TestFinalReviewRejectsBadQuestionNumber(t *testing.T) {
	h := newTestHandler(t)
	qs := subagent.ParseQuestions("1. Which database?")
	conv := relay.NewConversation("planner", "ses_2", qs)
	conv.RecordAnswer("Postgres")
	conv.StartSendConfirmation()
	conv.AwaitingEditQuestionNumber = true
	h.session.SetConversation(conv)
	h.plannerActive = true

	resp := h.continuePlanner(context.Background(), "question nine")
	if resp.Result["status"] != "awaiting_edit_question_number" {
		t.Fatalf("Result = %v", resp.Result)
	}
}

func TestConfirmSendWithoutConversation(t *testing.T) {
	h := newTestHandler(t)
	resp := h.confirmSendToSubagent(context.Background(), "")
	if resp.Result["status"] != "error" {
		t.Fatalf("Result = %v", resp.Result)
	}
	if resp.VoiceFeedback == "" {
		t.Error("error state should speak")
	}
}

func TestConfirmSendRequiresAllAnswers(t *testing.T) {
	h := newTestHandler(t)
	qs := subagent.ParseQuestions("1. Which database?\n2. Is downtime acceptable?")
	conv := relay.NewConversation("planner", "ses_3", qs)
	conv.RecordAnswer("Postgres")
	h.session.SetConversation(conv)

	resp := h.confirmSendToSubagent(context.Background(), "")
	errText, _ := resp.Result["error"].(string)
	if !strings.Contains(errText, "remaining") {
		t.Fatalf("Result = %v", resp.Result)
	}
}
