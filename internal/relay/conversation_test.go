package relay

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/logabell/conversator/internal/subagent"
)

func questionsFor(t *testing.T, text string) []subagent.Question {
	t.Helper()
	qs := subagent.ParseQuestions(text)
	if len(qs) == 0 {
		t.Fatalf("no questions parsed from %q", text)
	}
	return qs
}

func TestConversationAnswerFlow(t *testing.T) {
	qs := questionsFor(t, "1. Which database?\n2. Is downtime acceptable?")
	c := NewConversation("planner", "ses_1", qs)

	if c.IntroMessage() != "They have 2 questions." {
		t.Errorf("IntroMessage = %q", c.IntroMessage())
	}
	if c.ProgressMessage() != "Question 1 of 2" {
		t.Errorf("ProgressMessage = %q", c.ProgressMessage())
	}

	// Stage, extend, then commit the first answer.
	c.StageAnswer("Postgres")
	c.AppendPending("version 16")
	if !c.AwaitingAnswerConfirmation {
		t.Error("not awaiting confirmation after staging")
	}
	if more := c.CommitPendingAnswer(); !more {
		t.Error("CommitPendingAnswer = false with a question remaining")
	}
	if got := c.Questions[0].Answer; got != "Postgres\nversion 16" {
		t.Errorf("first answer = %q", got)
	}

	if c.QuestionsRemaining() != 1 {
		t.Errorf("QuestionsRemaining = %d, want 1", c.QuestionsRemaining())
	}

	c.StageAnswer("No downtime")
	if more := c.CommitPendingAnswer(); more {
		t.Error("CommitPendingAnswer = true after the last question")
	}
	if !c.AllAnswersCollected {
		t.Error("AllAnswersCollected not set")
	}
	if c.CurrentQuestion() != nil {
		t.Error("CurrentQuestion non-nil after completion")
	}
	if c.CurrentQuestionMessage() != "All questions have been answered." {
		t.Errorf("CurrentQuestionMessage = %q", c.CurrentQuestionMessage())
	}
}

func TestConversationEditAnswer(t *testing.T) {
	qs := questionsFor(t, "1. Which database?\n2. Is downtime acceptable?")
	c := NewConversation("planner", "ses_1", qs)
	c.RecordAnswer("MySQL")
	c.RecordAnswer("Yes")

	if !c.ReplaceAnswer(1, "Postgres") {
		t.Fatal("ReplaceAnswer rejected a valid question number")
	}
	if c.Questions[0].Answer != "Postgres" {
		t.Errorf("edited answer = %q", c.Questions[0].Answer)
	}
	if c.ReplaceAnswer(0, "x") || c.ReplaceAnswer(3, "x") {
		t.Error("ReplaceAnswer accepted an out-of-range number")
	}
}

func TestAnswersXMLWellFormed(t *testing.T) {
	qs := questionsFor(t, "1. Use <chi> or \"gorilla\"?\n2. Keep R&D endpoints?")
	c := NewConversation("planner", "ses_9", qs)
	c.RecordAnswer(`<chi> & nothing "else"`)
	c.RecordAnswer("yes")

	out := c.AnswersXML("branch is 'main'")

	// The subagent parses this; it must stay valid single-root XML even
	// with markup characters in the answers.
	var doc struct {
		XMLName   xml.Name `xml:"user_responses"`
		SessionID string   `xml:"session_id,attr"`
		Subagent  string   `xml:"subagent,attr"`
		Responses []struct {
			Number   int    `xml:"question_number,attr"`
			Question string `xml:"original_question"`
			Answer   string `xml:"user_answer"`
		} `xml:"response"`
		Context string `xml:"additional_context"`
	}
	if err := xml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("AnswersXML not parseable: %v\n%s", err, out)
	}
	if doc.SessionID != "ses_9" || doc.Subagent != "planner" {
		t.Errorf("attrs = %q / %q", doc.SessionID, doc.Subagent)
	}
	if len(doc.Responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(doc.Responses))
	}
	if doc.Responses[0].Answer != `<chi> & nothing "else"` {
		t.Errorf("round-tripped answer = %q", doc.Responses[0].Answer)
	}
	if doc.Context != "branch is 'main'" {
		t.Errorf("context = %q", doc.Context)
	}
}

func TestAnswersXMLDefaults(t *testing.T) {
	qs := questionsFor(t, "1. Which database?\n2. Is downtime acceptable?")
	c := NewConversation("planner", "ses_2", qs)
	c.RecordAnswer("Postgres")
	// Second question left unanswered: it must be omitted, not sent empty.

	out := c.AnswersXML("")
	if strings.Count(out, "<response ") != 1 {
		t.Errorf("unanswered question included:\n%s", out)
	}
	if !strings.Contains(out, "<additional_context>None provided</additional_context>") {
		t.Errorf("missing default context:\n%s", out)
	}
}

func TestSendConfirmationFlow(t *testing.T) {
	qs := questionsFor(t, "1. Which database?")
	c := NewConversation("planner", "ses_3", qs)
	c.RecordAnswer("Postgres")

	c.StartSendConfirmation()
	if !c.AwaitingSendConfirmation {
		t.Error("not awaiting send confirmation")
	}
	c.AppendSendContext("we deploy on Fridays")
	c.AppendSendContext("staging first")
	if got := c.ConsumeSendContext(); got != "we deploy on Fridays\nstaging first" {
		t.Errorf("ConsumeSendContext = %q", got)
	}
	if c.ConsumeSendContext() != "" {
		t.Error("send context not cleared after consume")
	}
}

func TestResetForNewQuestions(t *testing.T) {
	qs := questionsFor(t, "1. Which database?")
	c := NewConversation("planner", "ses_4", qs)
	c.RecordAnswer("Postgres")
	c.StartSendConfirmation()

	followUp := questionsFor(t, "1. Which schema migration tool?")
	c.ResetForNewQuestions(followUp)

	if c.AllAnswersCollected || c.CurrentIndex != 0 {
		t.Error("reset did not restart the flow")
	}
	if c.AwaitingSendConfirmation || c.PendingAnswer != "" {
		t.Error("reset left confirmation state behind")
	}
	if c.TotalQuestions() != 1 || c.Questions[0].Answered {
		t.Error("new question batch not installed")
	}
}
