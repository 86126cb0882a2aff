package channel

import (
	"context"
	"sync"
	"testing"
	"time"
)

type sentMessage struct {
	ChatID string
	Text   string
}

type fakeTransport struct {
	getUpdatesFunc    func(ctx context.Context, offset int64, timeout int, limit int) ([]Update, error)
	sendFunc          func(ctx context.Context, chatID, text string) error
	setWebhookFunc    func(ctx context.Context, url, secret string) error
	deleteWebhookFunc func(ctx context.Context) error

	mu             sync.Mutex
	sent           []sentMessage
	offsets        []int64
	webhookURL     string
	deleteWebhooks int
}

func (f *fakeTransport) GetMe(ctx context.Context) (BotIdentity, error) {
	return BotIdentity{ID: 1, Username: "estate_bot"}, nil
}

func (f *fakeTransport) GetUpdates(ctx context.Context, offset int64, timeout int, limit int) ([]Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	f.mu.Unlock()
	if f.getUpdatesFunc == nil {
		return nil, nil
	}
	return f.getUpdatesFunc(ctx, offset, timeout, limit)
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID, text string) error {
	if f.sendFunc != nil {
		if err := f.sendFunc(ctx, chatID, text); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeTransport) FileURL(ctx context.Context, fileRef string) (string, error) {
	return "https://files.example.com/" + fileRef, nil
}

func (f *fakeTransport) SetWebhook(ctx context.Context, url, secret string) error {
	if f.setWebhookFunc != nil {
		if err := f.setWebhookFunc(ctx, url, secret); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookURL = url
	return nil
}

func (f *fakeTransport) DeleteWebhook(ctx context.Context) error {
	f.mu.Lock()
	f.deleteWebhooks++
	f.mu.Unlock()
	if f.deleteWebhookFunc == nil {
		return nil
	}
	return f.deleteWebhookFunc(ctx)
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// pollOffsets returns requested offsets excluding the drain call.
func (f *fakeTransport) pollOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.offsets))
	for _, offset := range f.offsets {
		if offset != drainOffset {
			out = append(out, offset)
		}
	}
	return out
}

type fakeFactory struct {
	openFunc func(ctx context.Context, session Session) (Transport, error)
}

func (f *fakeFactory) Type() ChannelType { return ChannelType("fake") }

func (f *fakeFactory) Open(ctx context.Context, session Session) (Transport, error) {
	if f.openFunc == nil {
		return &fakeTransport{}, nil
	}
	return f.openFunc(ctx, session)
}

type fakeSessionStore struct {
	listFunc   func(ctx context.Context, scopeID string) ([]Session, error)
	updateFunc func(ctx context.Context, sessionID string, mapping map[string]string) error

	mu       sync.Mutex
	mappings map[string]map[string]string
}

func (f *fakeSessionStore) ListActiveSessions(ctx context.Context, scopeID string) ([]Session, error) {
	if f.listFunc == nil {
		return nil, nil
	}
	return f.listFunc(ctx, scopeID)
}

func (f *fakeSessionStore) UpdateChatEntityMapping(ctx context.Context, sessionID string, mapping map[string]string) error {
	if f.updateFunc != nil {
		if err := f.updateFunc(ctx, sessionID, mapping); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mappings == nil {
		f.mappings = map[string]map[string]string{}
	}
	f.mappings[sessionID] = cloneStringMap(mapping)
	return nil
}

type fakeUpdateHandler struct {
	handleFunc func(ctx context.Context, session Session, replier Replier, update Update) error

	mu      sync.Mutex
	updates []Update
}

func (f *fakeUpdateHandler) HandleUpdate(ctx context.Context, session Session, replier Replier, update Update) error {
	f.mu.Lock()
	f.updates = append(f.updates, update)
	f.mu.Unlock()
	if f.handleFunc == nil {
		return nil
	}
	return f.handleFunc(ctx, session, replier, update)
}

func (f *fakeUpdateHandler) ids() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.updates))
	for _, update := range f.updates {
		ids = append(ids, update.ID)
	}
	return ids
}

func testPollerConfig() PollerConfig {
	return PollerConfig{
		LongPollTimeout: 0,
		Limit:           100,
		Interval:        time.Millisecond,
		SettleInterval:  0,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// batchScript serves each batch once, in order, then empty results.
func batchScript(batches ...[]Update) func(ctx context.Context, offset int64, timeout int, limit int) ([]Update, error) {
	var mu sync.Mutex
	next := 0
	return func(ctx context.Context, offset int64, timeout int, limit int) ([]Update, error) {
		if offset == drainOffset {
			return nil, nil
		}
		mu.Lock()
		defer mu.Unlock()
		if next >= len(batches) {
			return nil, nil
		}
		batch := batches[next]
		next++
		return batch, nil
	}
}
