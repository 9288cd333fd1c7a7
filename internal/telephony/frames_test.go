package telephony

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeStart(t *testing.T) {
	f, err := Decode([]byte(`{
		"event": "start",
		"streamSid": "MZ123",
		"start": {
			"callSid": "CA9",
			"customParameters": {"conversation_id": "c-1"},
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1}
		}
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Start.StreamSID != "MZ123" || f.StreamSID != "MZ123" {
		t.Fatalf("stream sid not propagated: %+v", f)
	}
	if f.Start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("sample rate=%d", f.Start.MediaFormat.SampleRate)
	}
	if got := ResolveConversationID(f.Start, ""); got != "c-1" {
		t.Fatalf("conversation id=%q", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":         `{"event":`,
		"no event":         `{"streamSid":"MZ1"}`,
		"start no body":    `{"event":"start"}`,
		"media no payload": `{"event":"media","media":{"track":"inbound"}}`,
	} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: err=%v, want ErrMalformed", name, err)
		}
	}
}

func TestDecodeUnknownEventPassesThrough(t *testing.T) {
	f, err := Decode([]byte(`{"event":"dtmf","dtmf":{"digit":"1"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Event != "dtmf" {
		t.Fatalf("event=%q", f.Event)
	}
}

func TestResolveConversationID(t *testing.T) {
	withParam := &Start{CustomParameters: map[string]string{ConversationParam: "from-start"}}
	nullParam := &Start{CustomParameters: map[string]string{ConversationParam: " Undefined "}}
	cases := []struct {
		name  string
		start *Start
		query string
		want  string
	}{
		{"start wins", withParam, "from-query", "from-start"},
		{"null start falls back", nullParam, "from-query", "from-query"},
		{"nil start", nil, "from-query", "from-query"},
		{"both unset", nullParam, "null", ""},
	}
	for _, tc := range cases {
		if got := ResolveConversationID(tc.start, tc.query); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestOutboundFrames(t *testing.T) {
	data, _ := json.Marshal(MediaFrame("MZ1", "AAEC"))
	if string(data) != `{"event":"media","streamSid":"MZ1","media":{"payload":"AAEC"}}` {
		t.Fatalf("media frame=%s", data)
	}
	data, _ = json.Marshal(ClearFrame("MZ1"))
	if string(data) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Fatalf("clear frame=%s", data)
	}
}
