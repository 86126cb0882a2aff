package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// LoadActiveSessions registers every persisted session of scopeID. A failing
// session does not prevent the others from starting; all failures are joined.
func (m *Manager) LoadActiveSessions(ctx context.Context, scopeID string) error {
	if m.store == nil {
		return fmt.Errorf("session store not configured")
	}
	sessions, err := m.store.ListActiveSessions(ctx, strings.TrimSpace(scopeID))
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	var errs []error
	for _, session := range sessions {
		if err := m.Register(ctx, session); err != nil {
			m.logger.Error("load session failed", slog.String("session_id", session.ID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("session %s: %w", session.ID, err))
		}
	}
	m.logger.Info("sessions loaded", slog.String("scope_id", scopeID), slog.Int("count", len(sessions)-len(errs)))
	return errors.Join(errs...)
}

// Reconcile brings the running set of scopeID in line with the store. New
// sessions are started, changed ones restarted or updated in place, and
// sessions whose config disappeared are stopped. Sessions that were stopped
// explicitly or ended superseded stay down until registered again.
func (m *Manager) Reconcile(ctx context.Context, scopeID string) error {
	if m.store == nil {
		return fmt.Errorf("session store not configured")
	}
	scopeID = strings.TrimSpace(scopeID)
	sessions, err := m.store.ListActiveSessions(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	m.registerMu.Lock()
	defer m.registerMu.Unlock()

	desired := make(map[string]Session, len(sessions))
	var errs []error
	for _, raw := range sessions {
		session, err := normalizeSession(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		desired[session.ID] = session
	}

	m.pruneTerminal(scopeID, desired)

	for _, entry := range m.registry.entries() {
		if scopeID != "" && entry.session.ScopeID != scopeID {
			continue
		}
		if _, ok := desired[entry.session.ID]; ok {
			continue
		}
		if m.registry.removeEntry(entry.session.ID, entry) {
			m.stopEntry(ctx, entry)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(desired)) {
		session := desired[id]
		if m.staysDown(id) {
			m.logger.Debug("skip ended session", slog.String("session_id", id))
			continue
		}
		if current, err := m.registry.Lookup(id); err == nil && !needsRestart(current, session) {
			m.updateInPlace(session)
			continue
		}
		if err := m.registerLocked(ctx, session); err != nil {
			m.logger.Error("reconcile session failed", slog.String("session_id", id), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// updateInPlace swaps the config of a running session. The store snapshot may
// predate a link made since it was read; links are only ever added, so links
// known in memory are kept.
func (m *Manager) updateInPlace(session Session) {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()
	if current, err := m.registry.Lookup(session.ID); err == nil {
		for chatID, entityID := range current.ChatEntities {
			if _, ok := session.ChatEntities[chatID]; !ok {
				session.ChatEntities[chatID] = entityID
			}
		}
	}
	m.registry.replaceSession(session)
}

// needsRestart reports whether moving from current to next changes how the
// receiver talks to the transport.
func needsRestart(current, next Session) bool {
	if credentialKey(current.Credential) != credentialKey(next.Credential) {
		return true
	}
	if current.mode() != next.mode() {
		return true
	}
	if current.Settings.PollInterval != next.Settings.PollInterval {
		return true
	}
	if next.mode() == ModeWebhook {
		return current.Settings.WebhookURL != next.Settings.WebhookURL ||
			current.Settings.WebhookSecret != next.Settings.WebhookSecret
	}
	return false
}
