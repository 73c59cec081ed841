package subagent

import (
	"regexp"
	"strings"
)

// Question is a single question extracted from a subagent response.
type Question struct {
	Index    int    // 1-based position within the response
	Text     string // canonical text, sent back verbatim with the answer
	Spoken   string // optional voice-friendly rephrasing, empty until rewritten
	Answered bool
	Answer   string
}

// SpokenText returns the voice phrasing when one was produced, otherwise
// the canonical text.
func (q *Question) SpokenText() string {
	if q.Spoken != "" {
		return q.Spoken
	}
	return q.Text
}

var (
	labeledPattern  = regexp.MustCompile(`(?m)^\s*[Qq]uestion\s*(\d+)\s*[:.]\s*(.+?)\s*$`)
	numberedPattern = regexp.MustCompile(`(?m)^\s*(\d+)\s*[.)]\s*(.+?)\s*$`)
	bulletedPattern = regexp.MustCompile(`(?m)^\s*[-*]\s*(.+?)\s*$`)
	singlePattern   = regexp.MustCompile(`(?m)^(.+?\?)\s*$`)
)

// questionPrefixes are interrogative openers used to decide whether a list
// item without a question mark is still a question.
var questionPrefixes = []string{
	"what ", "which ", "how ", "why ", "when ", "where ", "who ",
	"can ", "could ", "would ", "should ", "do ", "does ", "did ",
	"is ", "are ", "will ", "tell me", "describe", "share", "confirm",
	"please",
}

func looksLikeQuestion(text string) bool {
	candidate := strings.TrimSpace(text)
	if len(candidate) < 8 {
		return false
	}
	if strings.Contains(candidate, "?") {
		return true
	}
	lowered := strings.ToLower(candidate)
	for _, p := range questionPrefixes {
		if strings.HasPrefix(lowered, p) {
			return true
		}
	}
	return false
}

// ParseQuestions extracts questions from a subagent response. Formats are
// tried from most to least explicit: labeled ("Question 1: ..."), numbered
// ("1. ..."), bulleted ("- ..."), then bare lines ending with "?". For the
// list formats a heuristic filters out ordinary bullet lists that are not
// questions.
func ParseQuestions(response string) []Question {
	if ms := labeledPattern.FindAllStringSubmatch(response, -1); ms != nil {
		return collect(ms, 2)
	}
	if ms := numberedPattern.FindAllStringSubmatch(response, -1); ms != nil {
		return collect(ms, 2)
	}
	if ms := bulletedPattern.FindAllStringSubmatch(response, -1); ms != nil {
		return collect(ms, 1)
	}

	var questions []Question
	for _, m := range singlePattern.FindAllStringSubmatch(response, -1) {
		text := strings.TrimSpace(m[1])
		if len(text) <= 10 {
			// Likely a false positive such as a bare "?".
			continue
		}
		questions = append(questions, Question{Index: len(questions) + 1, Text: text})
	}
	return questions
}

func collect(matches [][]string, textIdx int) []Question {
	var questions []Question
	for i, m := range matches {
		text := strings.TrimSpace(m[textIdx])
		if !looksLikeQuestion(text) {
			continue
		}
		// Index follows the item's position in the list, so answers line up
		// with the numbering the subagent used.
		questions = append(questions, Question{Index: i + 1, Text: text})
	}
	return questions
}

// IsAskingQuestions reports whether the response contains at least one
// question that needs a user answer.
func IsAskingQuestions(response string) bool {
	if !strings.Contains(response, "?") {
		return false
	}
	return len(ParseQuestions(response)) > 0
}
