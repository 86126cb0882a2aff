package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Replies sent by the dispatcher. Error details never reach the chat.
const (
	ReplyNotAuthorized = "Sorry, you are not authorized to use this bot."
	ReplyVoiceFailed   = "Sorry, we could not process your voice message. Please try again later."
	ReplyWelcome       = "Welcome! Send a voice message and it will be filed to your CRM record."
	ReplyLinkUsage     = "Usage: /link <record id>"
	ReplyLinkFailed    = "Sorry, this chat could not be linked. Please try again later."
	ReplyHelp          = "Available commands:\n/start - welcome message\n/status - show link status of this chat\n/link <record id> - link this chat to a CRM record\n/help - this list"
)

// ChatLinker links a chat to a CRM entity.
type ChatLinker interface {
	LinkChatToEntity(ctx context.Context, sessionID, chatID, entityID string) error
}

// VoiceIngester files a voice message and returns the communication id.
type VoiceIngester interface {
	Ingest(ctx context.Context, session Session, voice VoiceIntake, replier Replier) (string, error)
}

// Dispatcher routes classified updates to command replies or voice intake.
type Dispatcher struct {
	linker   ChatLinker
	ingester VoiceIngester
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(log *slog.Logger, linker ChatLinker, ingester VoiceIngester) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		linker:   linker,
		ingester: ingester,
		logger:   log.With(slog.String("component", "dispatcher")),
	}
}

// HandleUpdate implements UpdateHandler.
func (d *Dispatcher) HandleUpdate(ctx context.Context, session Session, replier Replier, update Update) error {
	result := Classify(update, session)
	log := d.logger.With(
		slog.String("session_id", session.ID),
		slog.Int64("update_id", update.ID),
		slog.String("chat_id", update.ChatID),
	)
	if !result.Allowed() {
		log.Info("access denied", slog.String("username", update.SenderUsername))
		return d.reply(ctx, replier, update.ChatID, ReplyNotAuthorized)
	}
	switch result.Kind {
	case ClassCommand:
		return d.handleCommand(ctx, session, replier, update.ChatID, result.Command)
	case ClassVoice:
		commID, err := d.ingest(ctx, session, replier, result.Voice)
		if err != nil {
			log.Error("voice intake failed", slog.Any("error", err))
			if replyErr := d.reply(ctx, replier, update.ChatID, ReplyVoiceFailed); replyErr != nil {
				log.Warn("send failure reply failed", slog.Any("error", replyErr))
			}
			return nil
		}
		log.Info("voice intake stored", slog.String("communication_id", commID))
		return nil
	default:
		return nil
	}
}

func (d *Dispatcher) ingest(ctx context.Context, session Session, replier Replier, voice VoiceIntake) (string, error) {
	if d.ingester == nil {
		return "", fmt.Errorf("voice ingester not configured")
	}
	return d.ingester.Ingest(ctx, session, voice, replier)
}

func (d *Dispatcher) handleCommand(ctx context.Context, session Session, replier Replier, chatID string, cmd Command) error {
	switch cmd.Name {
	case "start":
		text := strings.TrimSpace(session.Settings.WelcomeText)
		if text == "" {
			text = ReplyWelcome
		}
		return d.reply(ctx, replier, chatID, text)
	case "help":
		return d.reply(ctx, replier, chatID, ReplyHelp)
	case "status":
		return d.reply(ctx, replier, chatID, statusText(session, chatID))
	case "link":
		entityID := strings.TrimSpace(cmd.Arg(0))
		if entityID == "" {
			return d.reply(ctx, replier, chatID, ReplyLinkUsage)
		}
		if d.linker == nil {
			return d.reply(ctx, replier, chatID, ReplyLinkFailed)
		}
		if err := d.linker.LinkChatToEntity(ctx, session.ID, chatID, entityID); err != nil {
			d.logger.Error(
				"link chat failed",
				slog.String("session_id", session.ID),
				slog.String("chat_id", chatID),
				slog.Any("error", err),
			)
			return d.reply(ctx, replier, chatID, ReplyLinkFailed)
		}
		return d.reply(ctx, replier, chatID, fmt.Sprintf("This chat is now linked to record %s.", entityID))
	default:
		return nil
	}
}

func statusText(session Session, chatID string) string {
	name := session.DisplayName
	if name == "" {
		name = session.ID
	}
	if entityID, ok := session.EntityForChat(chatID); ok {
		return fmt.Sprintf("%s is active. This chat is linked to record %s.", name, entityID)
	}
	return fmt.Sprintf("%s is active. This chat is not linked to a CRM record yet.", name)
}

func (d *Dispatcher) reply(ctx context.Context, replier Replier, chatID, text string) error {
	if replier == nil {
		return fmt.Errorf("replier not configured")
	}
	if err := replier.SendMessage(ctx, chatID, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}
