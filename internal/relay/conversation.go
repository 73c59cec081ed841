package relay

import (
	"fmt"
	"strings"

	"github.com/logabell/conversator/internal/subagent"
)

// Conversation tracks a multi-question exchange with a subagent: the
// questions it raised, the answers collected one at a time, and the
// staged-confirmation flow used before each answer (and the whole batch)
// is committed.
type Conversation struct {
	Subagent  string
	SessionID string

	Questions           []subagent.Question
	CurrentIndex        int // 0-based
	AllAnswersCollected bool

	// Per-question staging: an answer is held here until the user confirms
	// (or silence auto-confirms) so they can still add to it.
	PendingAnswer              string
	AwaitingAnswerConfirmation bool

	// Batch staging before the answers are sent back to the subagent.
	AwaitingSendConfirmation bool
	PendingSendContext       string

	// Review/edit flow: "change answer 2" before sending.
	AwaitingEditQuestionNumber bool
	AwaitingEditAnswer         bool
	PendingEditQuestionNumber  int

	// Set once an auto-confirm nudge has been injected, so silence does
	// not trigger it twice.
	AutoConfirmSent bool
}

// NewConversation starts a conversation for a batch of parsed questions.
func NewConversation(agent, sessionID string, questions []subagent.Question) *Conversation {
	return &Conversation{Subagent: agent, SessionID: sessionID, Questions: questions}
}

// TotalQuestions returns how many questions the subagent asked.
func (c *Conversation) TotalQuestions() int { return len(c.Questions) }

// CurrentQuestionNumber returns the 1-based number of the question being
// answered.
func (c *Conversation) CurrentQuestionNumber() int { return c.CurrentIndex + 1 }

// QuestionsRemaining counts unanswered questions.
func (c *Conversation) QuestionsRemaining() int {
	n := 0
	for _, q := range c.Questions {
		if !q.Answered {
			n++
		}
	}
	return n
}

// CurrentQuestion returns the question awaiting an answer, or nil once all
// are answered.
func (c *Conversation) CurrentQuestion() *subagent.Question {
	if c.CurrentIndex < len(c.Questions) {
		return &c.Questions[c.CurrentIndex]
	}
	return nil
}

// RecordAnswer stores the answer to the current question and advances.
// Returns true while more questions remain.
func (c *Conversation) RecordAnswer(answer string) bool {
	if q := c.CurrentQuestion(); q != nil {
		q.Answered = true
		q.Answer = answer
		c.CurrentIndex++
	}
	if c.CurrentIndex >= len(c.Questions) {
		c.AllAnswersCollected = true
		return false
	}
	return true
}

// ReplaceAnswer overwrites the answer for a specific question (1-based).
func (c *Conversation) ReplaceAnswer(number int, answer string) bool {
	if number < 1 || number > len(c.Questions) {
		return false
	}
	q := &c.Questions[number-1]
	q.Answered = true
	q.Answer = answer
	return true
}

// StageAnswer holds an answer without committing, so the user can still
// append to it ("anything else?").
func (c *Conversation) StageAnswer(answer string) {
	c.PendingAnswer = answer
	c.AwaitingAnswerConfirmation = true
	c.AutoConfirmSent = false
}

// AppendPending adds text to the staged answer.
func (c *Conversation) AppendPending(extra string) {
	extra = strings.TrimSpace(extra)
	if extra == "" {
		return
	}
	if c.PendingAnswer != "" {
		c.PendingAnswer = c.PendingAnswer + "\n" + extra
	} else {
		c.PendingAnswer = extra
	}
	c.AwaitingAnswerConfirmation = true
	c.AutoConfirmSent = false
}

// CommitPendingAnswer commits the staged answer to the current question.
// Returns true while more questions remain.
func (c *Conversation) CommitPendingAnswer() bool {
	answer := strings.TrimSpace(c.PendingAnswer)
	c.PendingAnswer = ""
	c.AwaitingAnswerConfirmation = false
	c.AutoConfirmSent = false
	return c.RecordAnswer(answer)
}

// StartSendConfirmation enters the final confirm-before-send stage.
func (c *Conversation) StartSendConfirmation() {
	c.AwaitingSendConfirmation = true
	c.PendingSendContext = ""
	c.AwaitingEditQuestionNumber = false
	c.AwaitingEditAnswer = false
	c.PendingEditQuestionNumber = 0
	c.AutoConfirmSent = false
}

// AppendSendContext stages additional context to send with the answers.
func (c *Conversation) AppendSendContext(extra string) {
	extra = strings.TrimSpace(extra)
	if extra == "" {
		return
	}
	if c.PendingSendContext != "" {
		c.PendingSendContext = c.PendingSendContext + "\n" + extra
	} else {
		c.PendingSendContext = extra
	}
	c.AwaitingSendConfirmation = true
	c.AutoConfirmSent = false
}

// ConsumeSendContext returns and clears the staged send context.
func (c *Conversation) ConsumeSendContext() string {
	v := strings.TrimSpace(c.PendingSendContext)
	c.PendingSendContext = ""
	return v
}

// ClearConfirmations drops any pending confirmation state.
func (c *Conversation) ClearConfirmations() {
	c.PendingAnswer = ""
	c.AwaitingAnswerConfirmation = false
	c.AwaitingSendConfirmation = false
	c.PendingSendContext = ""
	c.AutoConfirmSent = false
}

// IntroMessage announces how many questions were raised.
func (c *Conversation) IntroMessage() string {
	if len(c.Questions) == 1 {
		return "They have one question."
	}
	return fmt.Sprintf("They have %d questions.", len(c.Questions))
}

// CurrentQuestionMessage returns the current question for voice delivery.
func (c *Conversation) CurrentQuestionMessage() string {
	q := c.CurrentQuestion()
	if q == nil {
		return "All questions have been answered."
	}
	return q.SpokenText()
}

// ProgressMessage renders "Question 2 of 5".
func (c *Conversation) ProgressMessage() string {
	return fmt.Sprintf("Question %d of %d", c.CurrentQuestionNumber(), c.TotalQuestions())
}

// AnswersXML formats the collected answers for the subagent. The output
// is kept as valid single-root XML so the model parses it
// deterministically.
func (c *Conversation) AnswersXML(additionalContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<user_responses session_id=%q subagent=%q>\n", c.SessionID, c.Subagent)
	for _, q := range c.Questions {
		if !q.Answered {
			continue
		}
		fmt.Fprintf(&b, "  <response question_number=\"%d\">\n", q.Index)
		fmt.Fprintf(&b, "    <original_question>%s</original_question>\n", escapeXML(q.Text))
		fmt.Fprintf(&b, "    <user_answer>%s</user_answer>\n", escapeXML(q.Answer))
		b.WriteString("  </response>\n")
	}
	if additionalContext != "" {
		fmt.Fprintf(&b, "  <additional_context>%s</additional_context>\n", escapeXML(additionalContext))
	} else {
		b.WriteString("  <additional_context>None provided</additional_context>\n")
	}
	b.WriteString("</user_responses>")
	return b.String()
}

// ResetForNewQuestions restarts the flow for a follow-up batch.
func (c *Conversation) ResetForNewQuestions(questions []subagent.Question) {
	c.Questions = questions
	c.CurrentIndex = 0
	c.AllAnswersCollected = false
	c.ClearConfirmations()
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string { return xmlReplacer.Replace(s) }
