// Package postgres implements the session, communication, and job stores on
// top of a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estatehub/intake/internal/channel"
	"github.com/estatehub/intake/internal/db"
	"github.com/estatehub/intake/internal/intake"
)

// Store is the Postgres persistence collaborator.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("store", "postgres")),
	}
}

const sessionColumns = `id, scope_id, credential, display_name, allowed_chat_ids, allowed_usernames, chat_entities, mode, settings`

// ListActiveSessions returns active sessions of scopeID, or of every scope
// when scopeID is empty.
func (s *Store) ListActiveSessions(ctx context.Context, scopeID string) ([]channel.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM bot_sessions
		 WHERE active AND ($1 = '' OR scope_id = $1)
		 ORDER BY id`,
		strings.TrimSpace(scopeID),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []channel.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession loads one session regardless of its active flag.
func (s *Store) GetSession(ctx context.Context, sessionID string) (channel.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM bot_sessions WHERE id = $1`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return channel.Session{}, channel.ErrSessionNotFound
	}
	return session, err
}

// UpdateChatEntityMapping replaces the stored chat-to-entity map of a session.
func (s *Store) UpdateChatEntityMapping(ctx context.Context, sessionID string, mapping map[string]string) error {
	if mapping == nil {
		mapping = map[string]string{}
	}
	payload, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("marshal chat entities: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE bot_sessions SET chat_entities = $2, updated_at = now() WHERE id = $1`,
		sessionID, payload,
	)
	if err != nil {
		return fmt.Errorf("update chat entities: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return channel.ErrSessionNotFound
	}
	return nil
}

// UpsertSession inserts or replaces a session config and marks it active.
func (s *Store) UpsertSession(ctx context.Context, session channel.Session) error {
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	entities, err := json.Marshal(nonNilMap(session.ChatEntities))
	if err != nil {
		return fmt.Errorf("marshal chat entities: %w", err)
	}
	settings, err := json.Marshal(session.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	mode := session.Mode
	if mode == "" {
		mode = channel.ModePolling
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO bot_sessions (`+sessionColumns+`, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		 ON CONFLICT (id) DO UPDATE SET
		   scope_id = EXCLUDED.scope_id,
		   credential = EXCLUDED.credential,
		   display_name = EXCLUDED.display_name,
		   allowed_chat_ids = EXCLUDED.allowed_chat_ids,
		   allowed_usernames = EXCLUDED.allowed_usernames,
		   chat_entities = EXCLUDED.chat_entities,
		   mode = EXCLUDED.mode,
		   settings = EXCLUDED.settings,
		   active = TRUE,
		   updated_at = now()`,
		session.ID,
		session.ScopeID,
		session.Credential,
		session.DisplayName,
		nonNilSlice(session.AllowedChatIDs),
		nonNilSlice(session.AllowedUsernames),
		entities,
		string(mode),
		settings,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// DeactivateSession clears the active flag so the next reconcile stops it.
func (s *Store) DeactivateSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bot_sessions SET active = FALSE, updated_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return channel.ErrSessionNotFound
	}
	return nil
}

// InsertVoiceCommunication stores a communication. A repeated source message
// returns the id of the record already stored.
func (s *Store) InsertVoiceCommunication(ctx context.Context, comm intake.VoiceCommunication) (string, error) {
	metadata, err := json.Marshal(nonNilAnyMap(comm.Metadata))
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	var id pgtype.UUID
	err = s.pool.QueryRow(ctx,
		`INSERT INTO communications
		   (id, scope_id, entity_id, kind, channel, channel_id, source_message_id, file_ref, duration_seconds, metadata, occurred_at)
		 VALUES ($1, $2, $3, 'voice', $4, $5, $6, $7, $8, $9, COALESCE($10, now()))
		 ON CONFLICT (channel, channel_id, source_message_id)
		 DO UPDATE SET channel = EXCLUDED.channel
		 RETURNING id`,
		pgtype.UUID{Bytes: uuid.New(), Valid: true},
		comm.ScopeID,
		optionalText(comm.EntityID),
		comm.Channel,
		comm.ChannelID,
		comm.SourceMessageID,
		comm.FileRef,
		comm.DurationSeconds,
		metadata,
		pgtype.Timestamptz{Time: comm.OccurredAt, Valid: !comm.OccurredAt.IsZero()},
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert communication: %w", err)
	}
	return db.UUIDString(id), nil
}

// InsertProcessingJob enqueues a job. A second job for the same
// communication is ignored.
func (s *Store) InsertProcessingJob(ctx context.Context, job intake.ProcessingJob) error {
	commID, err := db.ParseUUID(job.CommunicationID)
	if err != nil {
		return err
	}
	status := job.Status
	if status == "" {
		status = intake.JobQueued
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processing_jobs (id, communication_id, source_transport, source_message_id, source_file_ref, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (communication_id) DO NOTHING`,
		pgtype.UUID{Bytes: uuid.New(), Valid: true},
		commID,
		job.SourceTransport,
		job.SourceMessageID,
		job.SourceFileRef,
		string(status),
	)
	if err != nil {
		return fmt.Errorf("insert processing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("processing job already queued", slog.String("communication_id", job.CommunicationID))
	}
	return nil
}

// CountJobs returns how many jobs are in status.
func (s *Store) CountJobs(ctx context.Context, status intake.JobStatus) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM processing_jobs WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func scanSession(row pgx.Row) (channel.Session, error) {
	var (
		session      channel.Session
		mode         string
		entitiesJSON []byte
		settingsJSON []byte
	)
	if err := row.Scan(
		&session.ID,
		&session.ScopeID,
		&session.Credential,
		&session.DisplayName,
		&session.AllowedChatIDs,
		&session.AllowedUsernames,
		&entitiesJSON,
		&mode,
		&settingsJSON,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return channel.Session{}, err
		}
		return channel.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.Mode = channel.TransportMode(mode)
	entities, err := decodeChatEntities(entitiesJSON)
	if err != nil {
		return channel.Session{}, fmt.Errorf("session %s: %w", session.ID, err)
	}
	session.ChatEntities = entities
	settings, err := decodeSettings(settingsJSON)
	if err != nil {
		return channel.Session{}, fmt.Errorf("session %s: %w", session.ID, err)
	}
	session.Settings = settings
	return session, nil
}

func decodeChatEntities(raw []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode chat entities: %w", err)
	}
	return out, nil
}

// decodeSettings keeps unknown keys in Settings.Extensions.
func decodeSettings(raw []byte) (channel.Settings, error) {
	var settings channel.Settings
	if len(raw) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return channel.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return channel.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	for _, known := range []string{"webhook_url", "webhook_secret", "poll_interval", "silent_intake", "welcome_text", "extensions"} {
		delete(all, known)
	}
	if len(all) > 0 {
		if settings.Extensions == nil {
			settings.Extensions = map[string]any{}
		}
		for key, value := range all {
			settings.Extensions[key] = value
		}
	}
	return settings, nil
}

func optionalText(value string) pgtype.Text {
	value = strings.TrimSpace(value)
	return pgtype.Text{String: value, Valid: value != ""}
}

func nonNilSlice(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilMap(values map[string]string) map[string]string {
	if values == nil {
		return map[string]string{}
	}
	return values
}

func nonNilAnyMap(values map[string]any) map[string]any {
	if values == nil {
		return map[string]any{}
	}
	return values
}
