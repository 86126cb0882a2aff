package channel

import (
	"context"
)

// BotIdentity is the bot account behind a credential, as reported by getMe.
type BotIdentity struct {
	ID       int64
	Username string
}

// Replier sends a plain text reply to a chat.
type Replier interface {
	SendMessage(ctx context.Context, chatID string, text string) error
}

// Transport is a stateless wrapper around the chat transport's HTTP methods.
// Remote failures are returned as *ConflictError or *TransientError.
type Transport interface {
	Replier
	GetMe(ctx context.Context) (BotIdentity, error)
	GetUpdates(ctx context.Context, offset int64, timeoutSeconds int, limit int) ([]Update, error)
	FileURL(ctx context.Context, fileRef string) (string, error)
	SetWebhook(ctx context.Context, url string, secret string) error
	DeleteWebhook(ctx context.Context) error
}

// TransportFactory opens a transport for a session. Implementations perform
// the liveness check (getMe) before returning.
type TransportFactory interface {
	Type() ChannelType
	Open(ctx context.Context, session Session) (Transport, error)
}

// SessionStore is the persistence collaborator for session configs and the
// chat-to-entity mapping.
type SessionStore interface {
	ListActiveSessions(ctx context.Context, scopeID string) ([]Session, error)
	UpdateChatEntityMapping(ctx context.Context, sessionID string, mapping map[string]string) error
}

// SessionDeactivator is implemented by session stores that can stop listing
// a session after it was stopped explicitly.
type SessionDeactivator interface {
	DeactivateSession(ctx context.Context, sessionID string) error
}

// DispatchFunc handles one update for a session. It must be safe to re-run
// for the same update id.
type DispatchFunc func(ctx context.Context, sessionID string, update Update) error
