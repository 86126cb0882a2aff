package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estatehub/intake/internal/channel"
	"github.com/estatehub/intake/internal/db"
	"github.com/estatehub/intake/internal/intake"
)

func TestDecodeSettingsKeepsUnknownKeys(t *testing.T) {
	t.Parallel()

	settings, err := decodeSettings([]byte(`{"webhook_url":"https://hooks.example.com/t","silent_intake":true,"transcription_language":"en"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/t", settings.WebhookURL)
	assert.True(t, settings.SilentIntake)
	assert.Equal(t, "en", settings.Extensions["transcription_language"])

	empty, err := decodeSettings(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Extensions)

	_, err = decodeSettings([]byte(`[`))
	assert.Error(t, err)
}

func TestDecodeChatEntities(t *testing.T) {
	t.Parallel()

	entities, err := decodeChatEntities([]byte(`{"100":"lead-9"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"100": "lead-9"}, entities)

	entities, err = decodeChatEntities(nil)
	require.NoError(t, err)
	assert.NotNil(t, entities)
}

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("INTAKE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("skip integration test: INTAKE_TEST_DATABASE_URL is not set")
	}
	if err := db.MigrateDSN(dsn, db.Up); err != nil {
		t.Skipf("skip integration test: migrate failed: %v", err)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewStore(nil, pool), pool
}

func TestSessionRoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	scope := "scope-" + uuid.NewString()

	session := channel.Session{
		ID:             "s-" + uuid.NewString(),
		ScopeID:        scope,
		Credential:     "tok-" + uuid.NewString(),
		DisplayName:    "Listings bot",
		AllowedChatIDs: []string{"100"},
		Settings:       channel.Settings{PollInterval: 2 * time.Second},
	}
	require.NoError(t, store.UpsertSession(ctx, session))
	require.NoError(t, store.UpdateChatEntityMapping(ctx, session.ID, map[string]string{"100": "lead-9"}))

	sessions, err := store.ListActiveSessions(ctx, scope)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	got := sessions[0]
	assert.Equal(t, channel.ModePolling, got.Mode)
	assert.Equal(t, []string{"100"}, got.AllowedChatIDs)
	assert.Empty(t, got.AllowedUsernames)
	assert.Equal(t, "lead-9", got.ChatEntities["100"])
	assert.Equal(t, 2*time.Second, got.Settings.PollInterval)

	require.NoError(t, store.DeactivateSession(ctx, session.ID))
	sessions, err = store.ListActiveSessions(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	assert.ErrorIs(t, store.UpdateChatEntityMapping(ctx, "missing-"+uuid.NewString(), nil), channel.ErrSessionNotFound)
	_, err = store.GetSession(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, channel.ErrSessionNotFound)
}

func TestCommunicationAndJobAreIdempotent(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	comm := intake.VoiceCommunication{
		ScopeID:         "org-1",
		Channel:         intake.SourceTransport,
		ChannelID:       "s-" + uuid.NewString(),
		SourceMessageID: "100:50",
		FileRef:         "file-5",
		DurationSeconds: 12,
		Metadata:        map[string]any{"message_id": "50"},
		OccurredAt:      time.Unix(1700000000, 0).UTC(),
	}
	first, err := store.InsertVoiceCommunication(ctx, comm)
	require.NoError(t, err)
	second, err := store.InsertVoiceCommunication(ctx, comm)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	job := intake.ProcessingJob{
		CommunicationID: first,
		SourceTransport: intake.SourceTransport,
		SourceMessageID: comm.SourceMessageID,
		SourceFileRef:   comm.FileRef,
		Status:          intake.JobQueued,
	}
	require.NoError(t, store.InsertProcessingJob(ctx, job))
	require.NoError(t, store.InsertProcessingJob(ctx, job))

	var jobs int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM processing_jobs WHERE communication_id = $1`, first).Scan(&jobs))
	assert.Equal(t, 1, jobs)

	assert.Error(t, store.InsertProcessingJob(ctx, intake.ProcessingJob{CommunicationID: "nope"}))
}
