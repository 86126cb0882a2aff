package intake_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estatehub/intake/internal/channel"
	"github.com/estatehub/intake/internal/intake"
)

type scriptedTransport struct {
	mu      sync.Mutex
	served  bool
	batch   []channel.Update
	replies []string
}

func (s *scriptedTransport) GetMe(ctx context.Context) (channel.BotIdentity, error) {
	return channel.BotIdentity{ID: 1, Username: "estate_bot"}, nil
}

func (s *scriptedTransport) GetUpdates(ctx context.Context, offset int64, timeout int, limit int) ([]channel.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout == 0 && limit == 1 {
		return nil, nil
	}
	if s.served {
		return nil, nil
	}
	s.served = true
	return s.batch, nil
}

func (s *scriptedTransport) SendMessage(ctx context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, text)
	return nil
}

func (s *scriptedTransport) FileURL(ctx context.Context, fileRef string) (string, error) {
	return "", nil
}

func (s *scriptedTransport) SetWebhook(ctx context.Context, url, secret string) error { return nil }

func (s *scriptedTransport) DeleteWebhook(ctx context.Context) error { return nil }

func (s *scriptedTransport) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.replies...)
}

type staticFactory struct {
	transport channel.Transport
}

func (f staticFactory) Type() channel.ChannelType { return "telegram" }

func (f staticFactory) Open(ctx context.Context, session channel.Session) (channel.Transport, error) {
	return f.transport, nil
}

type memoryStore struct {
	mu    sync.Mutex
	comms []intake.VoiceCommunication
	jobs  []intake.ProcessingJob
}

func (m *memoryStore) InsertVoiceCommunication(ctx context.Context, comm intake.VoiceCommunication) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comms = append(m.comms, comm)
	return "comm-" + comm.SourceMessageID, nil
}

func (m *memoryStore) InsertProcessingJob(ctx context.Context, job intake.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

func TestVoiceAndStartBatch(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{batch: []channel.Update{
		{
			ID:        5,
			Kind:      channel.UpdateVoice,
			ChatID:    "100",
			MessageID: "50",
			Timestamp: 1700000000,
			Voice:     &channel.Voice{FileRef: "file-5", DurationSeconds: 12},
		},
		{ID: 6, Kind: channel.UpdateText, ChatID: "100", MessageID: "51", Text: "/start"},
	}}
	store := &memoryStore{}
	manager := channel.NewManager(nil, staticFactory{transport: transport}, nil, channel.PollerConfig{
		Limit:    100,
		Interval: time.Millisecond,
	})
	manager.SetUpdateHandler(channel.NewDispatcher(nil, manager, intake.NewService(nil, store, store)))
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	require.NoError(t, manager.Register(context.Background(), channel.Session{
		ID:             "s1",
		Credential:     "tok",
		AllowedChatIDs: []string{"100"},
	}))

	require.Eventually(t, func() bool {
		status, err := manager.Status("s1")
		return err == nil && status.LastOffset == 6
	}, 3*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.comms, 1)
	assert.Equal(t, 12, store.comms[0].DurationSeconds)
	require.Len(t, store.jobs, 1)
	assert.Equal(t, intake.JobQueued, store.jobs[0].Status)

	replies := transport.sent()
	assert.Contains(t, replies, channel.ReplyWelcome)
	assert.NotContains(t, replies, channel.ReplyNotAuthorized)
}
