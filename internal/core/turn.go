package core

import "strings"

// TurnVerdict is the outcome of checking an assistant utterance.
type TurnVerdict struct {
	Text      string
	Corrected bool
}

// EnforceSingleQuestion keeps assistant turns to at most one question.  An
// utterance with two or more question marks is cut after the first one and
// trimmed; anything else passes through unchanged.
func EnforceSingleQuestion(text string) TurnVerdict {
	if countQuestions(text) <= 1 {
		return TurnVerdict{Text: text}
	}
	idx := strings.IndexByte(text, '?')
	return TurnVerdict{Text: strings.TrimSpace(text[:idx+1]), Corrected: true}
}

func countQuestions(text string) int {
	return strings.Count(text, "?")
}
