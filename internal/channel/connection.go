package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// connectionEntry is the registry's record of one active session.
type connectionEntry struct {
	session   Session
	transport Transport
	poller    *poller
	webhook   *webhookReceiver
	startedAt time.Time
}

func (e *connectionEntry) stop() {
	if e == nil {
		return
	}
	if e.poller != nil {
		e.poller.stop()
	}
	if e.webhook != nil {
		e.webhook.stop()
	}
}

func (e *connectionEntry) status() SessionStatus {
	status := SessionStatus{
		SessionID:   e.session.ID,
		ScopeID:     e.session.ScopeID,
		DisplayName: e.session.DisplayName,
		Mode:        e.session.mode(),
		UpdatedAt:   e.startedAt,
	}
	switch {
	case e.poller != nil:
		status.State, status.LastOffset, status.LastError, status.UpdatedAt = e.poller.snapshot()
	case e.webhook != nil:
		status.State, status.LastOffset, status.LastError, status.UpdatedAt = e.webhook.snapshot()
	default:
		status.State = StateStopped
	}
	return status
}

// webhookReceiver dispatches pushed updates for a webhook-mode session with
// the same ordering and dedup rules as the poller.
type webhookReceiver struct {
	sessionID string
	dispatch  DispatchFunc
	logger    *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	cursor    int64
	stopped   bool
	lastError string
	updatedAt time.Time
}

func newWebhookReceiver(parent context.Context, sessionID string, dispatch DispatchFunc, log *slog.Logger) *webhookReceiver {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &webhookReceiver{
		sessionID: sessionID,
		dispatch:  dispatch,
		logger:    log.With(slog.String("session_id", sessionID)),
		ctx:       ctx,
		cancel:    cancel,
		updatedAt: time.Now().UTC(),
	}
}

// handle dispatches update unless it was already seen. It reports whether
// the update was dispatched.
func (w *webhookReceiver) handle(update Update) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.ctx.Err() != nil {
		return false
	}
	if update.ID <= w.cursor {
		return false
	}
	if err := safeDispatch(w.ctx, w.dispatch, w.sessionID, update); err != nil {
		w.lastError = err.Error()
		w.logger.Error("dispatch webhook update failed", slog.Int64("update_id", update.ID), slog.Any("error", err))
	}
	w.cursor = update.ID
	w.updatedAt = time.Now().UTC()
	return true
}

func (w *webhookReceiver) stop() {
	w.cancel()
	w.mu.Lock()
	w.stopped = true
	w.updatedAt = time.Now().UTC()
	w.mu.Unlock()
}

func (w *webhookReceiver) snapshot() (SessionState, int64, string, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	state := StateWebhook
	if w.stopped {
		state = StateStopped
	}
	return state, w.cursor, w.lastError, w.updatedAt
}
