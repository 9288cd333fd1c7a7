// Package telephony speaks the media-stream protocol of the phone leg: JSON
// frames carrying base64 mu-law 8 kHz audio over one WebSocket per call.
package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// ConversationParam is the custom parameter and query key that carries the
// conversation id.
const ConversationParam = "conversation_id"

// ErrMalformed marks a frame that could not be decoded.  The session drops
// such frames and keeps going.
var ErrMalformed = errors.New("malformed telephony frame")

// Frame is one inbound message.  Only the section named by Event is set.
type Frame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Start     *Start `json:"start,omitempty"`
	Media     *Media `json:"media,omitempty"`
	Stop      *Stop  `json:"stop,omitempty"`
}

// Start opens the stream.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

// MediaFormat describes the inbound audio.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media carries one audio chunk.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Stop ends the stream.
type Stop struct {
	CallSID string `json:"callSid,omitempty"`
}

// Decode parses one inbound frame.  Structural problems are reported as
// ErrMalformed; unknown event names are returned as-is for the caller to
// ignore.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch f.Event {
	case "":
		return Frame{}, fmt.Errorf("%w: missing event", ErrMalformed)
	case EventStart:
		if f.Start == nil {
			return Frame{}, fmt.Errorf("%w: start without start section", ErrMalformed)
		}
		if f.Start.StreamSID == "" {
			f.Start.StreamSID = f.StreamSID
		}
		if f.StreamSID == "" {
			f.StreamSID = f.Start.StreamSID
		}
	case EventMedia:
		if f.Media == nil || f.Media.Payload == "" {
			return Frame{}, fmt.Errorf("%w: media without payload", ErrMalformed)
		}
	}
	return f, nil
}

type outMedia struct {
	Payload string `json:"payload"`
}

type outFrame struct {
	Event     string    `json:"event"`
	StreamSID string    `json:"streamSid"`
	Media     *outMedia `json:"media,omitempty"`
}

// MediaFrame is an outbound audio frame for the given stream.
func MediaFrame(streamSID, payload string) any {
	return outFrame{Event: EventMedia, StreamSID: streamSID, Media: &outMedia{Payload: payload}}
}

// ClearFrame asks the phone side to drop audio it has buffered but not
// played yet.
func ClearFrame(streamSID string) any {
	return outFrame{Event: EventClear, StreamSID: streamSID}
}

// NormalizeRef maps the unset spellings of a conversation id ("", "null",
// "undefined") to the empty string.
func NormalizeRef(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "null", "undefined", "none":
		return ""
	}
	return v
}

// ResolveConversationID prefers the start frame's custom parameter over the
// query-string fallback.
func ResolveConversationID(start *Start, query string) string {
	if start != nil {
		if ref := NormalizeRef(start.CustomParameters[ConversationParam]); ref != "" {
			return ref
		}
	}
	return NormalizeRef(query)
}
