// Package realtime is the model leg of the bridge: a WebSocket to a
// realtime speech model that accepts audio and text commands and streams
// back audio, transcripts and conversation items.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client command types.
const (
	TypeSessionUpdate  = "session.update"
	TypeAudioAppend    = "input_audio_buffer.append"
	TypeItemCreate     = "conversation.item.create"
	TypeResponseCreate = "response.create"
	TypeResponseCancel = "response.cancel"
)

// Server event types.
const (
	TypeSessionCreated  = "session.created"
	TypeSessionUpdated  = "session.updated"
	TypeAudioDelta      = "response.audio.delta"
	TypeTranscriptDone  = "conversation.item.input_audio_transcription.completed"
	TypeItemCreated     = "conversation.item.created"
	TypeOutputItemDone  = "response.output_item.done"
	TypeResponseCreated = "response.created"
	TypeResponseDone    = "response.done"
	TypeSpeechStarted   = "input_audio_buffer.speech_started"
	TypeError           = "error"
)

const (
	RoleAssistant        = "assistant"
	RoleSystem           = "system"
	ItemStatusIncomplete = "incomplete"

	// ErrCodeCancelNotActive is returned when response.cancel finds nothing
	// to cancel.
	ErrCodeCancelNotActive = "response_cancel_not_active"
)

// ClientEvent is one command sent to the model.
type ClientEvent struct {
	Type     string          `json:"type"`
	Session  *SessionParams  `json:"session,omitempty"`
	Audio    string          `json:"audio,omitempty"`
	Item     *Item           `json:"item,omitempty"`
	Response *ResponseParams `json:"response,omitempty"`
}

// SessionParams configure the model session.
type SessionParams struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

// Transcription selects the caller-speech transcription model.
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection is the server-side voice activity detection setup.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// ResponseParams are optional per-response overrides.
type ResponseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// Item is a conversation item.  Assistant messages may arrive split across
// several content parts.
type Item struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Status  string        `json:"status,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is one piece of an item.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Text concatenates every part's text and transcript with whitespace
// collapsed.
func (it *Item) Text() string {
	if it == nil {
		return ""
	}
	var parts []string
	for _, c := range it.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
		if c.Transcript != "" {
			parts = append(parts, c.Transcript)
		}
	}
	return CollapseSpace(strings.Join(parts, " "))
}

// CollapseSpace trims s and folds every whitespace run into one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ServerEvent is one event received from the model.
type ServerEvent struct {
	Type       string    `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`
	Delta      string    `json:"delta,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Item       *Item     `json:"item,omitempty"`
	Response   *Response `json:"response,omitempty"`
	Error      *APIError `json:"error,omitempty"`
}

// Response identifies a model response.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// APIError is the payload of an error event.
type APIError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// DecodeServerEvent parses one inbound event.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("decode model event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("decode model event: missing type")
	}
	return ev, nil
}

// SessionConfig is the audio/voice setup of a call.
type SessionConfig struct {
	Instructions      string
	Voice             string
	AudioFormat       string
	TranscribeModel   string
	VADThreshold      float64
	PrefixPaddingMS   int
	SilenceDurationMS int
	Temperature       float64
}

// SessionUpdate configures the model session.
func SessionUpdate(cfg SessionConfig) ClientEvent {
	format := cfg.AudioFormat
	if format == "" {
		format = "g711_ulaw"
	}
	p := &SessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  format,
		OutputAudioFormat: format,
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			PrefixPaddingMS:   cfg.PrefixPaddingMS,
			SilenceDurationMS: cfg.SilenceDurationMS,
		},
		Temperature: cfg.Temperature,
	}
	if cfg.TranscribeModel != "" {
		p.InputAudioTranscription = &Transcription{Model: cfg.TranscribeModel}
	}
	return ClientEvent{Type: TypeSessionUpdate, Session: p}
}

// AppendAudio forwards one caller audio chunk, payload untouched.
func AppendAudio(payload string) ClientEvent {
	return ClientEvent{Type: TypeAudioAppend, Audio: payload}
}

// Speak returns the item-create and response-create pair that makes the
// model say text.
func Speak(text string) []ClientEvent {
	return []ClientEvent{
		{
			Type: TypeItemCreate,
			Item: &Item{
				Type: "message",
				Role: RoleSystem,
				Content: []ContentPart{{
					Type: "input_text",
					Text: "Say the following to the caller, word for word, and nothing else: " + text,
				}},
			},
		},
		{Type: TypeResponseCreate},
	}
}

// CancelResponse aborts the response being synthesized, if any.
func CancelResponse() ClientEvent {
	return ClientEvent{Type: TypeResponseCancel}
}
