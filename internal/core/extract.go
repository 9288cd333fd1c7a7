package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"intake-bridge/internal/llm"
)

// Extractor turns one caller utterance into structured clinical fields using
// the LLM client.  It is safe for concurrent use.
type Extractor struct {
	LLM         llm.Client
	Instruction string
}

// NewExtractor constructs a new Extractor with the given LLM client.
func NewExtractor(client llm.Client) *Extractor {
	return &Extractor{LLM: client, Instruction: ExtractionInstruction}
}

// ExtractFields returns the non-empty fields mentioned in text.  The result
// may be empty; it is never nil on success.
func (e *Extractor) ExtractFields(ctx context.Context, text string) (map[string]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return map[string]string{}, nil
	}
	raw, err := e.LLM.ExtractJSON(ctx, []llm.Message{
		{Role: "system", Content: e.Instruction},
		{Role: "user", Content: text},
	})
	if err != nil {
		return nil, fmt.Errorf("extract fields: %w", err)
	}
	return ParseFields(raw)
}

// ParseFields flattens a JSON object into string values.  Lists are joined
// with "; ", nulls and blanks are dropped.
func ParseFields(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s := flatten(v); s != "" {
			out[k] = s
		}
	}
	return out, nil
}

func flatten(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := flatten(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := flatten(t[k]); s != "" {
				parts = append(parts, k+": "+s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}
