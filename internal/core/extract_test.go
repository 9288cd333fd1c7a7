package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"intake-bridge/internal/llm"
)

type stubLLM struct {
	json    string
	summary string
	err     error

	gotMessages []llm.Message
	gotPrompt   string
}

func (s *stubLLM) ExtractJSON(_ context.Context, messages []llm.Message) (string, error) {
	s.gotMessages = messages
	return s.json, s.err
}

func (s *stubLLM) Summarize(_ context.Context, prompt string) (string, error) {
	s.gotPrompt = prompt
	return s.summary, s.err
}

func TestParseFieldsFlattens(t *testing.T) {
	raw := "```json\n" + `{
		"allergies": ["penicillin", " ", "latex"],
		"pain_score": 7,
		"current_medications": {"name": "metformin", "dose": "500mg"},
		"family_history": null,
		"symptoms": "  cough  ",
		"social_history": ""
	}` + "\n```"
	got, err := ParseFields(raw)
	if err != nil {
		t.Fatalf("ParseFields: %v", err)
	}
	want := map[string]string{
		"allergies":           "penicillin; latex",
		"pain_score":          "7",
		"current_medications": "dose: 500mg, name: metformin",
		"symptoms":            "cough",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s=%q, want %q", k, got[k], v)
		}
	}
}

func TestParseFieldsRejectsNonObject(t *testing.T) {
	if _, err := ParseFields("I could not find anything."); err == nil {
		t.Fatalf("expected error for non-JSON reply")
	}
}

func TestExtractFields(t *testing.T) {
	stub := &stubLLM{json: `{"allergies": "none"}`}
	e := NewExtractor(stub)
	got, err := e.ExtractFields(context.Background(), "  I'm not allergic to anything.  ")
	if err != nil {
		t.Fatalf("ExtractFields: %v", err)
	}
	if got["allergies"] != "none" {
		t.Fatalf("fields=%v", got)
	}
	if len(stub.gotMessages) != 2 || stub.gotMessages[0].Content != ExtractionInstruction {
		t.Fatalf("messages=%+v, want instruction then utterance", stub.gotMessages)
	}
	if stub.gotMessages[1].Content != "I'm not allergic to anything." {
		t.Fatalf("utterance=%q, want trimmed text", stub.gotMessages[1].Content)
	}
}

func TestExtractFieldsSkipsBlankAndWrapsErrors(t *testing.T) {
	stub := &stubLLM{err: errors.New("rate limited")}
	e := NewExtractor(stub)

	got, err := e.ExtractFields(context.Background(), "   ")
	if err != nil || len(got) != 0 || stub.gotMessages != nil {
		t.Fatalf("blank utterance: fields=%v err=%v called=%v", got, err, stub.gotMessages != nil)
	}
	if _, err := e.ExtractFields(context.Background(), "hello"); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err=%v, want wrapped llm error", err)
	}
}
