package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/estatehub/intake/internal/channel"
)

// SourceTransport is the transport name recorded on communications and jobs.
const SourceTransport = "telegram"

// Service runs the voice intake pipeline: persist, enqueue, acknowledge.
type Service struct {
	store  CommunicationStore
	queue  JobQueue
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(log *slog.Logger, store CommunicationStore, queue JobQueue) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		queue:  queue,
		logger: log.With(slog.String("component", "voice_intake")),
		now:    time.Now,
	}
}

// Ingest stores voice as a communication of session and queues it for
// transcription. A persistence failure is returned wrapped in ErrPersistence.
// A queue failure is only logged: the communication id is still returned.
func (s *Service) Ingest(ctx context.Context, session channel.Session, voice channel.VoiceIntake, replier channel.Replier) (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("%w: store not configured", ErrPersistence)
	}
	log := s.logger.With(
		slog.String("session_id", session.ID),
		slog.String("chat_id", voice.ChatID),
		slog.String("message_id", voice.MessageID),
	)
	entityID, linked := session.EntityForChat(voice.ChatID)
	sourceMessageID := SourceMessageID(voice.ChatID, voice.MessageID)
	occurredAt := voice.OccurredAt()
	if occurredAt.IsZero() {
		occurredAt = s.now().UTC()
	}

	commID, err := s.store.InsertVoiceCommunication(ctx, VoiceCommunication{
		ScopeID:         session.ScopeID,
		EntityID:        entityID,
		Channel:         SourceTransport,
		ChannelID:       session.ID,
		SourceMessageID: sourceMessageID,
		Metadata:        voiceMetadata(voice),
		FileRef:         voice.FileRef,
		DurationSeconds: voice.DurationSeconds,
		OccurredAt:      occurredAt,
	})
	if err != nil {
		log.Error("persist communication failed", slog.Any("error", err))
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	log = log.With(slog.String("communication_id", commID))

	if err := s.enqueue(ctx, commID, sourceMessageID, voice.FileRef); err != nil {
		log.Error("queue failure", slog.Any("error", err))
	}

	if session.Settings.SilentIntake || replier == nil {
		return commID, nil
	}
	if err := replier.SendMessage(ctx, voice.ChatID, AckText(voice.DurationSeconds, entityID, linked)); err != nil {
		log.Warn("send intake acknowledgement failed", slog.Any("error", err))
	}
	return commID, nil
}

func (s *Service) enqueue(ctx context.Context, commID, sourceMessageID, fileRef string) error {
	if s.queue == nil {
		return fmt.Errorf("%w: queue not configured", ErrQueue)
	}
	err := s.queue.InsertProcessingJob(ctx, ProcessingJob{
		CommunicationID: commID,
		SourceTransport: SourceTransport,
		SourceMessageID: sourceMessageID,
		SourceFileRef:   fileRef,
		Status:          JobQueued,
	})
	if err != nil && !errors.Is(err, ErrQueue) {
		return fmt.Errorf("%w: %w", ErrQueue, err)
	}
	return err
}

// AckText is the acknowledgement sent after a voice note is filed.
func AckText(durationSeconds int, entityID string, linked bool) string {
	received := fmt.Sprintf("Voice message received (%ds).", durationSeconds)
	if linked {
		return received + " Linked to " + entityID + "."
	}
	return received + " Not linked to a CRM record yet. Use /link <record id> to link this chat."
}

// SourceMessageID identifies a message across chats of one bot. Message ids
// are only unique within a chat.
func SourceMessageID(chatID, messageID string) string {
	return strings.TrimSpace(chatID) + ":" + strings.TrimSpace(messageID)
}

func voiceMetadata(voice channel.VoiceIntake) map[string]any {
	meta := map[string]any{
		"message_id": voice.MessageID,
		"chat_id":    voice.ChatID,
		"file_ref":   voice.FileRef,
		"sender_id":  voice.Sender.ID,
	}
	if voice.FileUniqueRef != "" {
		meta["file_unique_ref"] = voice.FileUniqueRef
	}
	if voice.Sender.Username != "" {
		meta["sender_username"] = voice.Sender.Username
	}
	if voice.MimeType != "" {
		meta["mime_type"] = voice.MimeType
	}
	if voice.SizeBytes > 0 {
		meta["size_bytes"] = voice.SizeBytes
	}
	return meta
}
