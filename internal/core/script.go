package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Category is one mandatory intake topic.  Keys are the extraction field
// names that count as covering it; Prompt is how the topic is named when the
// caller is asked about it.
type Category struct {
	Name   string   `yaml:"name"`
	Keys   []string `yaml:"keys"`
	Prompt string   `yaml:"prompt"`
}

// Script is the scripted part of a call.
type Script struct {
	Instructions    string     `yaml:"instructions"`
	OpeningLine     string     `yaml:"opening_line"`
	ClosingQuestion string     `yaml:"closing_question"`
	FollowUpLead    string     `yaml:"follow_up_lead"`
	FallbackSummary string     `yaml:"fallback_summary"`
	EndCues         []string   `yaml:"end_cues"`
	ConfirmCues     []string   `yaml:"confirm_cues"`
	Categories      []Category `yaml:"categories"`
}

// DefaultCategories are past medical history, current medications and
// allergies.
func DefaultCategories() []Category {
	return []Category{
		{
			Name:   "past_medical_history",
			Keys:   []string{"past_medical_history", "medical_history", "history", "conditions", "surgeries"},
			Prompt: "any past medical conditions or surgeries",
		},
		{
			Name:   "current_medications",
			Keys:   []string{"current_medications", "medications", "medication", "meds"},
			Prompt: "the medications you currently take",
		},
		{
			Name:   "allergies",
			Keys:   []string{"allergies", "allergy"},
			Prompt: "any allergies you have",
		},
	}
}

// DefaultEndCues match goodbye, hang-up and done style phrases.
var DefaultEndCues = []string{
	`\bgood\s*-?\s*bye\b`,
	`\bbye\b`,
	`\bhang(ing)?\s+up\b`,
	`\bi'?m\s+done\b`,
	`\bwe'?re\s+done\b`,
	`\bthat'?s\s+all\b`,
	`\b(i\s+)?(have|got|gotta)\s+(to\s+)?go\b`,
	`\bend\s+(the\s+)?call\b`,
}

// DefaultConfirmCues match a caller saying nothing more is needed.
var DefaultConfirmCues = []string{
	`\bno\b`,
	`\bnope\b`,
	`\bthat'?s\s+(all|it)\b`,
	`\bnothing\s+(else|more)\b`,
	`\ball\s+set\b`,
	`\bi'?m\s+(good|fine|done)\b`,
}

// DefaultScript returns the compiled-in script.
func DefaultScript() Script {
	return Script{
		Instructions:    Instructions,
		OpeningLine:     OpeningLine,
		ClosingQuestion: ClosingQuestion,
		FollowUpLead:    FollowUpLead,
		FallbackSummary: FallbackSummary,
		EndCues:         append([]string(nil), DefaultEndCues...),
		ConfirmCues:     append([]string(nil), DefaultConfirmCues...),
		Categories:      DefaultCategories(),
	}
}

// LoadScript reads a YAML script file.  Fields left out of the file keep
// their defaults.  An empty path returns the default script.
func LoadScript(path string) (Script, error) {
	s := DefaultScript()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read intake script %q: %w", path, err)
	}
	var override Script
	if err := yaml.Unmarshal(data, &override); err != nil {
		return s, fmt.Errorf("parse intake script %q: %w", path, err)
	}
	s.apply(override)
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("intake script %q: %w", path, err)
	}
	return s, nil
}

func (s *Script) apply(o Script) {
	if o.Instructions != "" {
		s.Instructions = o.Instructions
	}
	if o.OpeningLine != "" {
		s.OpeningLine = o.OpeningLine
	}
	if o.ClosingQuestion != "" {
		s.ClosingQuestion = o.ClosingQuestion
	}
	if o.FollowUpLead != "" {
		s.FollowUpLead = o.FollowUpLead
	}
	if o.FallbackSummary != "" {
		s.FallbackSummary = o.FallbackSummary
	}
	if len(o.EndCues) > 0 {
		s.EndCues = o.EndCues
	}
	if len(o.ConfirmCues) > 0 {
		s.ConfirmCues = o.ConfirmCues
	}
	if len(o.Categories) > 0 {
		s.Categories = o.Categories
	}
}

// Validate checks that the script can drive a call.
func (s Script) Validate() error {
	if s.OpeningLine == "" {
		return fmt.Errorf("opening_line is required")
	}
	if s.ClosingQuestion == "" {
		return fmt.Errorf("closing_question is required")
	}
	if countQuestions(s.ClosingQuestion) != 1 {
		return fmt.Errorf("closing_question must contain exactly one question mark")
	}
	// Scripted lines are spoken verbatim, so each must already be a single
	// question.  The follow-up supplies its own question mark after the
	// lead and the category prompts.
	if countQuestions(s.OpeningLine) > 1 {
		return fmt.Errorf("opening_line must contain at most one question mark")
	}
	if countQuestions(s.FollowUpLead) != 0 {
		return fmt.Errorf("follow_up_lead must not contain a question mark")
	}
	for i, c := range s.Categories {
		if c.Name == "" || c.Prompt == "" || len(c.Keys) == 0 {
			return fmt.Errorf("category %d needs name, prompt and keys", i)
		}
		if countQuestions(c.Prompt) != 0 {
			return fmt.Errorf("category %q prompt must not contain a question mark", c.Name)
		}
	}
	if _, err := compileCues(s.EndCues); err != nil {
		return fmt.Errorf("end_cues: %w", err)
	}
	if _, err := compileCues(s.ConfirmCues); err != nil {
		return fmt.Errorf("confirm_cues: %w", err)
	}
	return nil
}
