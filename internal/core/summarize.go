package core

import (
	"context"
	"strings"

	"intake-bridge/internal/llm"
	"intake-bridge/pkg"
)

// Summarizer produces the short recap read back to the caller before the
// closing question.
type Summarizer struct {
	LLM         llm.Client
	Instruction string
}

// NewSummarizer constructs a summariser.
func NewSummarizer(client llm.Client) *Summarizer {
	return &Summarizer{LLM: client, Instruction: SummarizationInstruction}
}

// Summarize recaps the transcript, which should contain every logged
// utterance of the call in order.
func (s *Summarizer) Summarize(ctx context.Context, transcript []pkg.Message) (string, error) {
	prompt := s.Instruction + "\n\n" + FormatTranscript(transcript)
	resp, err := s.LLM.Summarize(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

// FormatTranscript renders messages one per line as "Caller: ..." and
// "Assistant: ...".
func FormatTranscript(transcript []pkg.Message) string {
	var b strings.Builder
	for _, m := range transcript {
		switch m.Role {
		case pkg.RoleCaller:
			b.WriteString("Caller: ")
		default:
			b.WriteString("Assistant: ")
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
