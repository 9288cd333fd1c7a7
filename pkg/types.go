package pkg

import "time"

// ConversationStatus tracks whether an intake call is still running.
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusCompleted ConversationStatus = "completed"
)

// Conversation represents one telephone intake.  It is keyed by a UUID that
// is handed to the media stream as the conversation_id custom parameter.
type Conversation struct {
	ID          string             `json:"id"`
	CallSID     *string            `json:"call_sid,omitempty"`
	CallerPhone *string            `json:"caller_phone,omitempty"`
	Status      ConversationStatus `json:"status"`
	Clinical    ClinicalFields     `json:"clinical"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// MessageRole describes who spoke a turn.  A call only has two parties.
type MessageRole string

const (
	RoleCaller    MessageRole = "caller"
	RoleAssistant MessageRole = "assistant"
)

// Message is one logged utterance.
type Message struct {
	ID             int64             `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           MessageRole       `json:"role"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ClinicalFields is the accumulated structured intake data, keyed by
// category (for example "medications" or "allergies").
type ClinicalFields map[string]string

// Merge copies every non-empty value of other into f and reports the keys
// that changed.
func (f ClinicalFields) Merge(other map[string]string) []string {
	var changed []string
	for k, v := range other {
		if v == "" {
			continue
		}
		if f[k] != v {
			f[k] = v
			changed = append(changed, k)
		}
	}
	return changed
}

// ConversationDetail is returned by the conversation read API.
type ConversationDetail struct {
	Conversation *Conversation `json:"conversation"`
	Transcript   []Message     `json:"transcript"`
}
