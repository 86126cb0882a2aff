// Package channel owns bot sessions: the session registry, the per-session
// update poller, message classification, access control, and dispatch.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "telegram").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// TransportMode selects how a session receives updates.
type TransportMode string

const (
	ModePolling TransportMode = "polling"
	ModeWebhook TransportMode = "webhook"
)

// Settings is the typed per-session configuration. Unknown keys coming from
// storage land in Extensions so newer settings survive a round trip.
type Settings struct {
	WebhookURL    string         `json:"webhook_url,omitempty" yaml:"webhook_url"`
	WebhookSecret string         `json:"webhook_secret,omitempty" yaml:"webhook_secret"`
	PollInterval  time.Duration  `json:"poll_interval,omitempty" yaml:"poll_interval"`
	SilentIntake  bool           `json:"silent_intake,omitempty" yaml:"silent_intake"`
	WelcomeText   string         `json:"welcome_text,omitempty" yaml:"welcome_text"`
	Extensions    map[string]any `json:"extensions,omitempty" yaml:"extensions"`
}

// Session is one registered bot credential plus its access-control and
// chat-mapping state.
type Session struct {
	ID               string
	ScopeID          string
	Credential       string
	DisplayName      string
	AllowedChatIDs   []string
	AllowedUsernames []string
	ChatEntities     map[string]string
	Mode             TransportMode
	Settings         Settings
}

// EntityForChat returns the CRM entity linked to chatID, if any.
func (s Session) EntityForChat(chatID string) (string, bool) {
	if s.ChatEntities == nil {
		return "", false
	}
	entityID, ok := s.ChatEntities[strings.TrimSpace(chatID)]
	if !ok || strings.TrimSpace(entityID) == "" {
		return "", false
	}
	return entityID, true
}

// Clone returns a deep copy safe to hand out of the registry.
func (s Session) Clone() Session {
	out := s
	out.AllowedChatIDs = append([]string(nil), s.AllowedChatIDs...)
	out.AllowedUsernames = append([]string(nil), s.AllowedUsernames...)
	out.ChatEntities = cloneStringMap(s.ChatEntities)
	out.Settings.Extensions = cloneAnyMap(s.Settings.Extensions)
	return out
}

func (s Session) mode() TransportMode {
	if s.Mode == "" {
		return ModePolling
	}
	return s.Mode
}

// UpdateKind tags the variant carried by an Update.
type UpdateKind string

const (
	UpdateText          UpdateKind = "text"
	UpdateVoice         UpdateKind = "voice"
	UpdateCallbackQuery UpdateKind = "callback_query"
	UpdateOther         UpdateKind = "other"
)

// Voice describes a voice note attached to an update.
type Voice struct {
	FileRef         string
	FileUniqueRef   string
	DurationSeconds int
	MimeType        string
	SizeBytes       int64
}

// Update is one inbound transport update. It is consumed once and never
// persisted as-is.
type Update struct {
	ID             int64
	Kind           UpdateKind
	ChatID         string
	SenderID       string
	SenderUsername string
	Timestamp      int64
	MessageID      string
	Text           string
	Voice          *Voice
	CallbackData   string
}

// Sender identifies who sent an update.
type Sender struct {
	ID       string
	Username string
}

// VoiceIntake is the payload handed to the voice intake pipeline.
type VoiceIntake struct {
	MessageID       string
	ChatID          string
	FileRef         string
	FileUniqueRef   string
	DurationSeconds int
	MimeType        string
	SizeBytes       int64
	Sender          Sender
	Timestamp       int64
}

// OccurredAt returns the intake timestamp as UTC time.
func (v VoiceIntake) OccurredAt() time.Time {
	if v.Timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(v.Timestamp, 0).UTC()
}

// SessionState is the lifecycle state of a session's receiver.
type SessionState string

const (
	StateStarting   SessionState = "starting"
	StatePolling    SessionState = "polling"
	StateWebhook    SessionState = "webhook"
	StateStopped    SessionState = "stopped"
	StateSuperseded SessionState = "superseded"
)

// SessionStatus describes runtime status for one registered session.
type SessionStatus struct {
	SessionID   string        `json:"session_id"`
	ScopeID     string        `json:"scope_id,omitempty"`
	DisplayName string        `json:"display_name,omitempty"`
	Mode        TransportMode `json:"mode"`
	State       SessionState  `json:"state"`
	LastOffset  int64         `json:"last_offset"`
	LastError   string        `json:"last_error,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func cloneStringMap(input map[string]string) map[string]string {
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

func cloneAnyMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		switch v := value.(type) {
		case map[string]any:
			out[key] = cloneAnyMap(v)
		case []any:
			items := make([]any, len(v))
			copy(items, v)
			out[key] = items
		default:
			out[key] = v
		}
	}
	return out
}
