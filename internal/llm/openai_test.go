package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type capturedRequest struct {
	Model          string `json:"model"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestServer(t *testing.T, reply string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  captured.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": reply},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractJSONUsesJSONMode(t *testing.T) {
	var req capturedRequest
	srv := newTestServer(t, `{"allergies":"none"}`, &req)
	c := NewOpenAIClient(Options{APIKey: "sk-test", ChatModel: "gpt-test", BaseURL: srv.URL + "/v1"})

	got, err := c.ExtractJSON(context.Background(), []Message{
		{Role: "system", Content: "extract"},
		{Role: "patient", Content: "no allergies"},
	})
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if got != `{"allergies":"none"}` {
		t.Fatalf("reply=%q", got)
	}
	if req.Model != "gpt-test" {
		t.Fatalf("model=%q", req.Model)
	}
	if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
		t.Fatalf("response_format=%+v, want json_object", req.ResponseFormat)
	}
	if len(req.Messages) != 2 || req.Messages[1].Role != "user" {
		t.Fatalf("messages=%+v, want unknown role coerced to user", req.Messages)
	}
}

func TestSummarizeUsesSummaryModel(t *testing.T) {
	var req capturedRequest
	srv := newTestServer(t, "You told me about a cough.", &req)
	c := NewOpenAIClient(Options{APIKey: "sk-test", ChatModel: "chat", SummaryModel: "summary", BaseURL: srv.URL + "/v1"})

	got, err := c.Summarize(context.Background(), "recap this")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "You told me about a cough." {
		t.Fatalf("summary=%q", got)
	}
	if req.Model != "summary" {
		t.Fatalf("model=%q, want summary", req.Model)
	}
	if last := req.Messages[len(req.Messages)-1]; last.Content != "recap this" {
		t.Fatalf("prompt=%q", last.Content)
	}
}

func TestDefaultModels(t *testing.T) {
	c := NewOpenAIClient(Options{APIKey: "sk"})
	if c.chatModel != "gpt-4o-mini" || c.summaryModel != "gpt-4o-mini" {
		t.Fatalf("models=%q/%q", c.chatModel, c.summaryModel)
	}
}
