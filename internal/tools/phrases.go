package tools

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/logabell/conversator/internal/relay"
)

// readyForBuilderRe matches the planner's completion signal carrying the
// produced plan filename.
var readyForBuilderRe = regexp.MustCompile(`READY_FOR_BUILDER:\s*(\S+)`)

func extractPlanFile(content string) string {
	if m := readyForBuilderRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return "unknown.md"
}

var (
	nonAlnumRe    = regexp.MustCompile(`[^a-z0-9\s]`)
	multiSpaceRe  = regexp.MustCompile(`\s+`)
	headingRe     = regexp.MustCompile(`^#+\s+`)
	bulletRe      = regexp.MustCompile(`^[-*•]\s+`)
	orderedRe     = regexp.MustCompile(`^\d+\.\s+`)
	inlineCodeRe  = regexp.MustCompile("`([^`]*)`")
	boldRe        = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe      = regexp.MustCompile(`\*([^*]+)\*`)
	digitRe       = regexp.MustCompile(`\b(\d+)\b`)
	numberWordsRe = map[string]int{
		"one": 1, "first": 1, "two": 2, "second": 2, "three": 3, "third": 3,
		"four": 4, "fourth": 4, "five": 5, "fifth": 5, "six": 6, "sixth": 6,
		"seven": 7, "seventh": 7, "eight": 8, "eighth": 8, "nine": 9,
		"ninth": 9, "ten": 10, "tenth": 10,
	}
)

func normalizeUtterance(text string) string {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	cleaned = nonAlnumRe.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(cleaned, " "))
}

// isAcknowledgment reports whether the user is confirming/acknowledging.
// Kept permissive: voice recognition produces short, messy affirmations.
func isAcknowledgment(text string) bool {
	cleaned := normalizeUtterance(text)
	if cleaned == "" {
		return true
	}

	exact := map[string]bool{
		"yes": true, "yeah": true, "yup": true, "yep": true, "ok": true,
		"okay": true, "sure": true, "done": true, "no": true, "nope": true,
		"send it": true, "looks good": true, "thats it": true,
		"nothing else": true, "all good": true, "go ahead": true,
	}
	if exact[cleaned] {
		return true
	}

	tokens := strings.Fields(cleaned)
	if len(tokens) > 0 && len(tokens) <= 2 {
		switch tokens[0] {
		case "yes", "yeah", "yup", "yep":
			return true
		}
	}

	if strings.HasPrefix(cleaned, "no ") {
		for _, phrase := range []string{"thats it", "thats all", "nothing else", "all good", "thanks", "thank you"} {
			if strings.Contains(cleaned, phrase) {
				return true
			}
		}
	}

	if strings.Contains(cleaned, "send") && strings.Contains(cleaned, "it") {
		return true
	}
	if strings.Contains(cleaned, "looks good") || strings.Contains(cleaned, "all good") {
		return true
	}
	if strings.Contains(cleaned, "thats it") {
		return true
	}
	if strings.Contains(cleaned, "nothing") && strings.Contains(cleaned, "else") {
		return true
	}
	return false
}

func isAffirmative(text string) bool {
	cleaned := normalizeUtterance(text)
	if cleaned == "" {
		return false
	}
	exact := map[string]bool{
		"yes": true, "yeah": true, "yup": true, "yep": true, "sure": true,
		"please": true, "ok": true, "okay": true, "lets do it": true,
		"change it": true, "edit": true,
	}
	return exact[cleaned] || strings.HasPrefix(cleaned, "yes")
}

func isNegative(text string) bool {
	cleaned := normalizeUtterance(text)
	if cleaned == "" {
		return false
	}
	exact := map[string]bool{
		"no": true, "nope": true, "nah": true, "dont": true, "leave it": true,
		"looks good": true, "all good": true, "thats it": true,
		"nothing else": true,
	}
	return exact[cleaned] || strings.HasPrefix(cleaned, "no")
}

// parseQuestionNumber extracts a question number from speech, accepting
// digits and spoken ordinals ("change the second one"). Zero means none.
func parseQuestionNumber(text string) int {
	cleaned := normalizeUtterance(text)
	if cleaned == "" {
		return 0
	}
	if m := digitRe.FindStringSubmatch(cleaned); m != nil {
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		return n
	}
	for _, token := range strings.Fields(cleaned) {
		if n, ok := numberWordsRe[token]; ok {
			return n
		}
	}
	return 0
}

func ordinal(n int) string {
	names := map[int]string{
		1: "first", 2: "second", 3: "third", 4: "fourth", 5: "fifth",
		6: "sixth", 7: "seventh", 8: "eighth", 9: "ninth", 10: "tenth",
	}
	if s, ok := names[n]; ok {
		return s
	}
	return fmt.Sprintf("%d", n)
}

func formatQuestionPrompt(conv *relay.Conversation, isFirst bool) string {
	question := conv.CurrentQuestionMessage()
	if isFirst {
		return fmt.Sprintf("%s First question: %s", conv.IntroMessage(), question)
	}
	return fmt.Sprintf("Okay, %s question: %s", ordinal(conv.CurrentQuestionNumber()), question)
}

// summarizeForVoice reduces a long reply to a short speakable snippet,
// skipping code blocks and stripping markdown decoration.
func summarizeForVoice(text string, maxLines, maxChars int) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if maxLines <= 0 {
		maxLines = 2
	}
	if maxChars <= 0 {
		maxChars = 220
	}

	var items []string
	inCode := false
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "```") {
			inCode = !inCode
			continue
		}
		if inCode {
			continue
		}
		line = headingRe.ReplaceAllString(line, "")
		line = bulletRe.ReplaceAllString(line, "")
		line = orderedRe.ReplaceAllString(line, "")
		line = inlineCodeRe.ReplaceAllString(line, "$1")
		line = boldRe.ReplaceAllString(line, "$1")
		line = italicRe.ReplaceAllString(line, "$1")

		items = append(items, line)
		if len(items) >= maxLines {
			break
		}
	}

	summary := multiSpaceRe.ReplaceAllString(strings.Join(items, " "), " ")
	summary = strings.TrimSpace(summary)
	if len(summary) > maxChars {
		summary = strings.TrimRight(summary[:maxChars-3], " ") + "..."
	}
	return summary
}

// truncate shortens text for the model result payload.
func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}
