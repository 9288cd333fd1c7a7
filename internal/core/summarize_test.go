package core

import (
	"context"
	"strings"
	"testing"

	"intake-bridge/pkg"
)

func TestFormatTranscript(t *testing.T) {
	got := FormatTranscript([]pkg.Message{
		{Role: pkg.RoleAssistant, Content: "Is it okay if we get started?"},
		{Role: pkg.RoleCaller, Content: "Sure."},
	})
	want := "Assistant: Is it okay if we get started?\nCaller: Sure.\n"
	if got != want {
		t.Fatalf("FormatTranscript=%q, want %q", got, want)
	}
}

func TestSummarize(t *testing.T) {
	stub := &stubLLM{summary: "  You told me about a cough that started Monday.  "}
	s := NewSummarizer(stub)
	got, err := s.Summarize(context.Background(), []pkg.Message{{Role: pkg.RoleCaller, Content: "I have a cough since Monday."}})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "You told me about a cough that started Monday." {
		t.Fatalf("summary=%q", got)
	}
	if !strings.HasPrefix(stub.gotPrompt, SummarizationInstruction) || !strings.Contains(stub.gotPrompt, "Caller: I have a cough since Monday.") {
		t.Fatalf("prompt=%q", stub.gotPrompt)
	}
}
