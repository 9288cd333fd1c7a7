package core

import (
	"fmt"
	"regexp"
	"strings"
)

// ClosingAction is what the controller should do with a caller utterance.
type ClosingAction int

const (
	// ClosingNone: no end-of-call intent.
	ClosingNone ClosingAction = iota
	// ClosingFollowUp: the caller wants to leave but topics are missing.
	ClosingFollowUp
	// ClosingBegin: summarise and ask the closing question.
	ClosingBegin
	// ClosingConfirm: the caller confirmed nothing else is needed.
	ClosingConfirm
	// ClosingStayPending: a close is pending and the caller kept talking.
	ClosingStayPending
)

func (a ClosingAction) String() string {
	switch a {
	case ClosingFollowUp:
		return "follow_up"
	case ClosingBegin:
		return "begin"
	case ClosingConfirm:
		return "confirm"
	case ClosingStayPending:
		return "stay_pending"
	default:
		return "none"
	}
}

// ClosingDecision carries the action and, for follow-ups, the text to speak.
type ClosingDecision struct {
	Action ClosingAction
	Text   string
}

// Closing detects end-of-call intent and gates it on coverage.  It holds no
// per-call state; pendingClose and the missing topics come from the caller.
type Closing struct {
	end      []*regexp.Regexp
	confirm  []*regexp.Regexp
	lead     string
	question string
}

// NewClosing compiles the script's cue patterns.
func NewClosing(s Script) (*Closing, error) {
	end, err := compileCues(s.EndCues)
	if err != nil {
		return nil, fmt.Errorf("end cues: %w", err)
	}
	confirm, err := compileCues(s.ConfirmCues)
	if err != nil {
		return nil, fmt.Errorf("confirm cues: %w", err)
	}
	return &Closing{end: end, confirm: confirm, lead: s.FollowUpLead, question: s.ClosingQuestion}, nil
}

// Decide classifies a caller utterance.  While a close is pending only the
// confirmation cues matter, so repeated goodbyes never restart the close.
func (c *Closing) Decide(utterance string, pendingClose bool, missing []string) ClosingDecision {
	if pendingClose {
		if c.IsConfirmation(utterance) {
			return ClosingDecision{Action: ClosingConfirm}
		}
		return ClosingDecision{Action: ClosingStayPending}
	}
	if !c.IsEndIntent(utterance) {
		return ClosingDecision{Action: ClosingNone}
	}
	if len(missing) > 0 {
		return ClosingDecision{Action: ClosingFollowUp, Text: c.FollowUp(missing)}
	}
	return ClosingDecision{Action: ClosingBegin}
}

// IsEndIntent reports whether the utterance sounds like the caller is
// trying to end the call.
func (c *Closing) IsEndIntent(utterance string) bool {
	return matchAny(c.end, utterance)
}

// IsConfirmation reports whether the utterance says nothing else is needed.
func (c *Closing) IsConfirmation(utterance string) bool {
	return matchAny(c.confirm, utterance)
}

// FollowUp builds one question naming every missing topic.
func (c *Closing) FollowUp(missing []string) string {
	return c.lead + " " + joinList(missing) + "?"
}

// Closer joins the spoken summary and the closing question.  Question marks
// in the summary become full stops so the turn still carries one question.
func (c *Closing) Closer(summary string) string {
	summary = strings.TrimSpace(strings.ReplaceAll(summary, "?", "."))
	if summary == "" {
		return c.question
	}
	return summary + " " + c.question
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
}

func compileCues(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

var curlyApostrophe = strings.NewReplacer("’", "'", "‘", "'")

func matchAny(res []*regexp.Regexp, text string) bool {
	text = curlyApostrophe.Replace(text)
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
