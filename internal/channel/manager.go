package channel

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrWebhookUnauthorized is returned when a pushed update carries the wrong secret.
var ErrWebhookUnauthorized = errors.New("webhook secret mismatch")

// UpdateHandler receives every update that a session's receiver accepts.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, session Session, replier Replier, update Update) error
}

// Manager owns bot sessions: registration with credential takeover, the
// per-session receivers, and chat-to-entity links. It is constructed once by
// the application and shared by reference.
type Manager struct {
	registry  *Registry
	factory   TransportFactory
	store     SessionStore
	handler   UpdateHandler
	pollerCfg PollerConfig
	outbound  OutboundPolicy
	logger    *slog.Logger

	// registerMu serializes register, stop, reconcile, and shutdown so that
	// takeover observes a consistent view of active credentials.
	registerMu sync.Mutex
	// linkMu serializes read-modify-write of chat mappings. It is separate
	// from registerMu because links are created from inside dispatch.
	linkMu sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc

	terminalMu sync.Mutex
	terminal   map[string]terminalRecord
}

// terminalRecord is the last status of a session that is no longer running.
// held marks an explicit stop: reconcile leaves such sessions down until the
// next Register.
type terminalRecord struct {
	status SessionStatus
	held   bool
}

// NewManager creates a Manager. store may be nil, in which case chat links
// live only in memory and LoadActiveSessions is unavailable.
func NewManager(log *slog.Logger, factory TransportFactory, store SessionStore, cfg PollerConfig) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry:   NewRegistry(),
		factory:    factory,
		store:      store,
		pollerCfg:  cfg.withDefaults(),
		outbound:   DefaultOutboundPolicy(),
		logger:     log.With(slog.String("component", "session_manager")),
		baseCtx:    ctx,
		baseCancel: cancel,
		terminal:   map[string]terminalRecord{},
	}
}

// SetUpdateHandler installs the dispatcher. Call it before registering sessions.
func (m *Manager) SetUpdateHandler(handler UpdateHandler) {
	m.handler = handler
}

// SetOutboundPolicy replaces the reply chunking and retry policy.
func (m *Manager) SetOutboundPolicy(policy OutboundPolicy) {
	m.outbound = normalizeOutboundPolicy(policy)
}

// Registry returns the session registry owned by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Register validates session and starts its receiver. If another session
// holds the same credential, that session is fully stopped first
// (last-writer-wins). Registering an id that is already active restarts it.
func (m *Manager) Register(ctx context.Context, session Session) error {
	session, err := normalizeSession(session)
	if err != nil {
		return err
	}
	m.registerMu.Lock()
	defer m.registerMu.Unlock()
	return m.registerLocked(ctx, session)
}

func (m *Manager) registerLocked(ctx context.Context, session Session) error {
	if m.factory == nil {
		return fmt.Errorf("transport factory not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	transport, err := m.factory.Open(ctx, session)
	if err != nil {
		m.logger.Error("open transport failed", slog.String("session_id", session.ID), slog.Any("error", err))
		return fmt.Errorf("open transport: %w", err)
	}

	entry := &connectionEntry{
		session:   session.Clone(),
		transport: transport,
		startedAt: time.Now().UTC(),
	}
	dispatch := m.dispatchUpdate
	switch session.mode() {
	case ModeWebhook:
		entry.webhook = newWebhookReceiver(m.baseCtx, session.ID, dispatch, m.logger)
	default:
		cfg := m.pollerCfg
		if session.Settings.PollInterval > 0 {
			cfg.Interval = session.Settings.PollInterval
		}
		p := newPoller(session.ID, transport, dispatch, cfg, m.logger)
		p.onExit = func(p *poller, state SessionState, err error) {
			m.onPollerExit(entry, state, err)
		}
		entry.poller = p
	}

	if err := m.insertWithTakeover(entry); err != nil {
		return err
	}
	m.clearTerminal(session.ID)

	if entry.webhook != nil {
		if err := transport.SetWebhook(ctx, session.Settings.WebhookURL, session.Settings.WebhookSecret); err != nil {
			m.registry.removeEntry(session.ID, entry)
			entry.stop()
			m.logger.Error("set webhook failed", slog.String("session_id", session.ID), slog.Any("error", err))
			return fmt.Errorf("set webhook: %w", err)
		}
		m.logger.Info(
			"session registered",
			slog.String("session_id", session.ID),
			slog.String("channel", m.factory.Type().String()),
			slog.String("mode", string(ModeWebhook)),
		)
		return nil
	}
	entry.poller.start(m.baseCtx)
	m.logger.Info(
		"session registered",
		slog.String("session_id", session.ID),
		slog.String("channel", m.factory.Type().String()),
		slog.String("mode", string(ModePolling)),
	)
	return nil
}

// insertWithTakeover adds entry, tearing down whichever session blocks it.
// The blocking poller has exited before the new one can start.
func (m *Manager) insertWithTakeover(entry *connectionEntry) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		existing, err := m.registry.add(entry)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateCredential) && !errors.Is(err, errSessionExists) {
			return err
		}
		if existing == nil {
			continue
		}
		if errors.Is(err, ErrDuplicateCredential) {
			m.logger.Warn(
				"credential takeover",
				slog.String("previous_session_id", existing.session.ID),
				slog.String("session_id", entry.session.ID),
			)
			m.teardown(existing, StateSuperseded, err)
		} else {
			m.logger.Info("session restart", slog.String("session_id", entry.session.ID))
			m.teardown(existing, StateStopped, nil)
		}
	}
	return fmt.Errorf("register session %s: %w", entry.session.ID, ErrDuplicateCredential)
}

func (m *Manager) teardown(entry *connectionEntry, state SessionState, cause error) {
	m.registry.removeEntry(entry.session.ID, entry)
	entry.stop()
	m.recordTerminal(entry, state, cause)
}

func (m *Manager) onPollerExit(entry *connectionEntry, state SessionState, err error) {
	if state != StateSuperseded {
		return
	}
	if !m.registry.removeEntry(entry.session.ID, entry) {
		return
	}
	m.recordTerminal(entry, StateSuperseded, err)
	m.logger.Warn(
		"session superseded by another poller",
		slog.String("session_id", entry.session.ID),
		slog.Any("error", err),
	)
}

// Lookup returns a copy of the registered session.
func (m *Manager) Lookup(id string) (Session, error) {
	return m.registry.Lookup(id)
}

// Transport returns the open transport of a registered session.
func (m *Manager) Transport(id string) (Transport, error) {
	entry, ok := m.registry.get(strings.TrimSpace(id))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return entry.transport, nil
}

// Stop terminates the session. Stopping an unknown session is a no-op.
// When Stop returns no further dispatch happens for the session. A stopped
// session stays down across reconciles until it is registered again, and
// stores implementing SessionDeactivator are told to stop listing it.
func (m *Manager) Stop(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	m.registerMu.Lock()
	defer m.registerMu.Unlock()
	if entry := m.registry.remove(id); entry != nil {
		m.stopEntry(ctx, entry)
	} else if _, ok := m.terminalState(id); !ok {
		return nil
	}
	m.holdTerminal(id)
	m.deactivate(ctx, id)
	return nil
}

func (m *Manager) deactivate(ctx context.Context, id string) {
	deactivator, ok := m.store.(SessionDeactivator)
	if !ok {
		return
	}
	if err := deactivator.DeactivateSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		m.logger.Warn("deactivate session failed", slog.String("session_id", id), slog.Any("error", err))
	}
}

func (m *Manager) stopEntry(ctx context.Context, entry *connectionEntry) {
	entry.stop()
	if entry.webhook != nil && entry.transport != nil {
		if err := entry.transport.DeleteWebhook(ctx); err != nil {
			m.logger.Warn("delete webhook failed", slog.String("session_id", entry.session.ID), slog.Any("error", err))
		}
	}
	m.recordTerminal(entry, StateStopped, nil)
	m.logger.Info("session stopped", slog.String("session_id", entry.session.ID))
}

// LinkChatToEntity links chatID to a CRM entity and persists the updated map.
// The in-memory map changes only after persistence succeeds.
func (m *Manager) LinkChatToEntity(ctx context.Context, sessionID, chatID, entityID string) error {
	sessionID = strings.TrimSpace(sessionID)
	chatID = strings.TrimSpace(chatID)
	entityID = strings.TrimSpace(entityID)
	if chatID == "" {
		return fmt.Errorf("chat id is required")
	}
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	m.linkMu.Lock()
	defer m.linkMu.Unlock()

	session, err := m.registry.Lookup(sessionID)
	if err != nil {
		return err
	}
	mapping := cloneStringMap(session.ChatEntities)
	mapping[chatID] = entityID
	if m.store != nil {
		if err := m.store.UpdateChatEntityMapping(ctx, sessionID, mapping); err != nil {
			return fmt.Errorf("persist chat mapping: %w", err)
		}
	}
	if !m.registry.setChatEntities(sessionID, mapping) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.logger.Info(
		"chat linked",
		slog.String("session_id", sessionID),
		slog.String("chat_id", chatID),
		slog.String("entity_id", entityID),
	)
	return nil
}

// HandleWebhookUpdate dispatches a pushed update for a webhook-mode session.
// It reports false when the update was a duplicate or the session is stopping.
func (m *Manager) HandleWebhookUpdate(ctx context.Context, sessionID, secret string, update Update) (bool, error) {
	entry, ok := m.registry.get(strings.TrimSpace(sessionID))
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if entry.webhook == nil {
		return false, fmt.Errorf("session %s does not accept webhooks", sessionID)
	}
	expected := entry.session.Settings.WebhookSecret
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) != 1 {
		return false, ErrWebhookUnauthorized
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return entry.webhook.handle(update), nil
}

func (m *Manager) dispatchUpdate(ctx context.Context, sessionID string, update Update) error {
	entry, ok := m.registry.get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if m.handler == nil {
		return nil
	}
	session, err := m.registry.Lookup(sessionID)
	if err != nil {
		return err
	}
	replier := NewPolicyReplier(entry.transport, m.outbound, m.logger.With(slog.String("session_id", sessionID)))
	return m.handler.HandleUpdate(ctx, session, replier, update)
}

// Status returns the runtime status of a registered or recently ended session.
func (m *Manager) Status(id string) (SessionStatus, error) {
	id = strings.TrimSpace(id)
	if entry, ok := m.registry.get(id); ok {
		return entry.status(), nil
	}
	m.terminalMu.Lock()
	defer m.terminalMu.Unlock()
	if record, ok := m.terminal[id]; ok {
		return record.status, nil
	}
	return SessionStatus{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Statuses returns statuses of active sessions followed by ended ones.
func (m *Manager) Statuses() []SessionStatus {
	entries := m.registry.entries()
	items := make([]SessionStatus, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		items = append(items, entry.status())
		seen[entry.session.ID] = struct{}{}
	}
	m.terminalMu.Lock()
	defer m.terminalMu.Unlock()
	for id, record := range m.terminal {
		if _, ok := seen[id]; ok {
			continue
		}
		items = append(items, record.status)
	}
	return items
}

// Shutdown stops every session and releases the manager's base context.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.registerMu.Lock()
	defer m.registerMu.Unlock()
	for _, entry := range m.registry.entries() {
		if m.registry.removeEntry(entry.session.ID, entry) {
			m.stopEntry(ctx, entry)
		}
	}
	m.baseCancel()
	return nil
}

func (m *Manager) recordTerminal(entry *connectionEntry, state SessionState, cause error) {
	status := entry.status()
	status.State = state
	status.UpdatedAt = time.Now().UTC()
	if cause != nil {
		status.LastError = cause.Error()
	}
	m.terminalMu.Lock()
	defer m.terminalMu.Unlock()
	m.terminal[entry.session.ID] = terminalRecord{status: status}
}

func (m *Manager) holdTerminal(id string) {
	m.terminalMu.Lock()
	defer m.terminalMu.Unlock()
	if record, ok := m.terminal[id]; ok {
		record.held = true
		m.terminal[id] = record
	}
}

func (m *Manager) clearTerminal(id string) {
	m.terminalMu.Lock()
	defer m.terminalMu.Unlock()
	delete(m.terminal, id)
}

func (m *Manager) terminalState(id string) (SessionState, bool) {
	m.terminalMu.Lock()
	defer m.terminalMu.Unlock()
	record, ok := m.terminal[id]
	return record.status.State, ok
}

// staysDown reports whether reconcile must not start id: it was stopped
// explicitly or lost its credential to another poller.
func (m *Manager) staysDown(id string) bool {
	m.terminalMu.Lock()
	defer m.terminalMu.Unlock()
	record, ok := m.terminal[id]
	return ok && (record.held || record.status.State == StateSuperseded)
}

// pruneTerminal forgets ended sessions of scopeID that the store no longer
// lists.
func (m *Manager) pruneTerminal(scopeID string, listed map[string]Session) {
	m.terminalMu.Lock()
	defer m.terminalMu.Unlock()
	for id, record := range m.terminal {
		if scopeID != "" && record.status.ScopeID != scopeID {
			continue
		}
		if _, ok := listed[id]; ok {
			continue
		}
		delete(m.terminal, id)
	}
}

func normalizeSession(session Session) (Session, error) {
	session.ID = strings.TrimSpace(session.ID)
	session.Credential = strings.TrimSpace(session.Credential)
	session.DisplayName = strings.TrimSpace(session.DisplayName)
	if session.ID == "" {
		return Session{}, fmt.Errorf("session id is required")
	}
	if session.Credential == "" {
		return Session{}, fmt.Errorf("session %s: credential is required", session.ID)
	}
	switch session.Mode {
	case "":
		session.Mode = ModePolling
	case ModePolling, ModeWebhook:
	default:
		return Session{}, fmt.Errorf("session %s: unsupported transport mode %q", session.ID, session.Mode)
	}
	if session.Mode == ModeWebhook {
		if strings.TrimSpace(session.Settings.WebhookURL) == "" {
			return Session{}, fmt.Errorf("session %s: webhook url is required in webhook mode", session.ID)
		}
		if err := ValidateWebhookSecret(session.Settings.WebhookSecret); err != nil {
			return Session{}, fmt.Errorf("session %s: %w", session.ID, err)
		}
	}
	if session.ChatEntities == nil {
		session.ChatEntities = map[string]string{}
	}
	return session, nil
}

// ValidateWebhookSecret checks a webhook secret token: 1 to 256 characters
// of A-Z, a-z, 0-9, underscore and hyphen.
func ValidateWebhookSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("webhook secret is required in webhook mode")
	}
	if len(secret) > 256 {
		return fmt.Errorf("webhook secret is longer than 256 characters")
	}
	for _, r := range secret {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("webhook secret contains invalid character %q", r)
		}
	}
	return nil
}
