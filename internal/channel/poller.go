package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// drainOffset is far beyond any real update id; fetching with it confirms
// and discards the backlog left over from a previous process.
const drainOffset int64 = math.MaxInt32

// PollerConfig tunes the update poller. A zero Limit or Interval falls back
// to the default. A zero LongPollTimeout means short polling and a zero
// SettleInterval skips the settle wait.
type PollerConfig struct {
	LongPollTimeout int
	Limit           int
	Interval        time.Duration
	SettleInterval  time.Duration
}

// DefaultPollerConfig returns the production cadence.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		LongPollTimeout: 25,
		Limit:           100,
		Interval:        5 * time.Second,
		SettleInterval:  time.Second,
	}
}

func (c PollerConfig) withDefaults() PollerConfig {
	def := DefaultPollerConfig()
	if c.LongPollTimeout < 0 {
		c.LongPollTimeout = 0
	}
	if c.Limit <= 0 || c.Limit > 100 {
		c.Limit = def.Limit
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.SettleInterval < 0 {
		c.SettleInterval = 0
	}
	return c
}

// poller runs the per-session fetch loop:
// starting -> polling -> (stopped | superseded).
type poller struct {
	sessionID string
	transport Transport
	dispatch  DispatchFunc
	cfg       PollerConfig
	logger    *slog.Logger
	onExit    func(p *poller, state SessionState, err error)

	cursor atomic.Int64

	mu        sync.Mutex
	state     SessionState
	lastError string
	updatedAt time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newPoller(sessionID string, transport Transport, dispatch DispatchFunc, cfg PollerConfig, log *slog.Logger) *poller {
	if log == nil {
		log = slog.Default()
	}
	return &poller{
		sessionID: sessionID,
		transport: transport,
		dispatch:  dispatch,
		cfg:       cfg.withDefaults(),
		logger:    log.With(slog.String("session_id", sessionID)),
		state:     StateStarting,
		updatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// start launches the loop. The cursor is reset to 0.
func (p *poller) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.cursor.Store(0)
	go p.run(ctx)
}

// stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (p *poller) stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	<-p.done
}

func (p *poller) run(ctx context.Context) {
	state, err := p.loop(ctx)
	if p.cancel != nil {
		p.cancel()
	}
	p.setState(state, err)
	close(p.done)
	if p.onExit != nil {
		p.onExit(p, state, err)
	}
}

func (p *poller) loop(ctx context.Context) (SessionState, error) {
	p.setState(StateStarting, nil)
	p.prepare(ctx)
	if !sleepContext(ctx, p.cfg.SettleInterval) {
		return StateStopped, nil
	}
	p.setState(StatePolling, nil)
	p.logger.Info("polling started")
	for {
		if ctx.Err() != nil {
			return StateStopped, nil
		}
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return StateStopped, nil
			}
			if IsConflict(err) {
				p.logger.Warn("poller superseded", slog.Any("error", err))
				return StateSuperseded, err
			}
			p.logger.Error("fetch updates failed", slog.Any("error", err))
			p.recordError(err)
		}
		if !sleepContext(ctx, p.cfg.Interval) {
			return StateStopped, nil
		}
	}
}

// prepare clears a leftover webhook and drains the stale backlog. Both are
// best effort; a conflict here usually means the previous poller's request
// has not been torn down by the remote side yet.
func (p *poller) prepare(ctx context.Context) {
	if err := p.transport.DeleteWebhook(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("delete webhook before polling failed", slog.Any("error", err))
	}
	if _, err := p.transport.GetUpdates(ctx, drainOffset, 0, 1); err != nil && ctx.Err() == nil {
		p.logger.Warn("drain stale updates failed", slog.Any("error", err))
	}
}

func (p *poller) pollOnce(ctx context.Context) error {
	updates, err := p.transport.GetUpdates(ctx, p.cursor.Load()+1, p.cfg.LongPollTimeout, p.cfg.Limit)
	if err != nil {
		return err
	}
	sort.SliceStable(updates, func(i, j int) bool {
		return updates[i].ID < updates[j].ID
	})
	for _, update := range updates {
		if ctx.Err() != nil {
			return nil
		}
		if update.ID <= p.cursor.Load() {
			continue
		}
		if err := safeDispatch(ctx, p.dispatch, p.sessionID, update); err != nil {
			p.logger.Error(
				"dispatch update failed",
				slog.Int64("update_id", update.ID),
				slog.String("kind", string(update.Kind)),
				slog.Any("error", err),
			)
		}
		p.advance(update.ID)
	}
	return nil
}

// advance moves the cursor forward; it never decreases.
func (p *poller) advance(updateID int64) {
	for {
		current := p.cursor.Load()
		if updateID <= current {
			return
		}
		if p.cursor.CompareAndSwap(current, updateID) {
			return
		}
	}
}

func (p *poller) setState(state SessionState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	if err != nil {
		p.lastError = err.Error()
	}
	p.updatedAt = time.Now().UTC()
}

func (p *poller) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastError = err.Error()
	p.updatedAt = time.Now().UTC()
}

func (p *poller) snapshot() (SessionState, int64, string, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.cursor.Load(), p.lastError, p.updatedAt
}

// safeDispatch turns a panicking handler into an error so one bad update
// cannot halt the session.
func safeDispatch(ctx context.Context, dispatch DispatchFunc, sessionID string, update Update) (err error) {
	if dispatch == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	return dispatch(ctx, sessionID, update)
}

// sleepContext waits for d or until ctx is done. It reports whether the
// full wait elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
