package llm

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// Message is a minimal chat message used by the extraction and summary
// components.  Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Client defines the methods required by the extractor and the summariser.
// ExtractJSON must return a single JSON object as text.
type Client interface {
	ExtractJSON(ctx context.Context, messages []Message) (string, error)
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Options configure an OpenAIClient.  Empty models fall back to defaults.
type Options struct {
	APIKey       string
	ChatModel    string
	SummaryModel string
	BaseURL      string
}

// OpenAIClient calls the OpenAI API for extraction and summarisation.
type OpenAIClient struct {
	client       *openai.Client
	chatModel    string
	summaryModel string
}

// NewOpenAIClient constructs an OpenAI-backed LLM client.
func NewOpenAIClient(opts Options) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	chatModel := opts.ChatModel
	if chatModel == "" {
		// default to a modern small model; can be overridden via env
		chatModel = "gpt-4o-mini"
	}
	summaryModel := opts.SummaryModel
	if summaryModel == "" {
		summaryModel = chatModel
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(cfg),
		chatModel:    chatModel,
		summaryModel: summaryModel,
	}
}

// ExtractJSON sends the messages to the chat completion API in JSON mode and
// returns the raw object text.
func (c *OpenAIClient) ExtractJSON(ctx context.Context, messages []Message) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    toOpenAI(messages),
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "{}", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Summarize generates a short summary of the prompt using the OpenAI API.
func (c *OpenAIClient) Summarize(ctx context.Context, prompt string) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.summaryModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Follow the instruction at the top of the user message."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			// coerce anything unknown to user
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
