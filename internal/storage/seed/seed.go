// Package seed reads bot sessions from a YAML file and layers them over
// another session store.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/estatehub/intake/internal/channel"
)

// File is the on-disk seed layout.
type File struct {
	Sessions []Entry `yaml:"sessions"`
}

// Entry is one seeded session. TokenEnv names an environment variable that
// holds the credential and wins over Token.
type Entry struct {
	ID               string            `yaml:"id"`
	Scope            string            `yaml:"scope"`
	Token            string            `yaml:"token"`
	TokenEnv         string            `yaml:"token_env"`
	DisplayName      string            `yaml:"display_name"`
	AllowedChatIDs   []string          `yaml:"allowed_chat_ids"`
	AllowedUsernames []string          `yaml:"allowed_usernames"`
	ChatEntities     map[string]string `yaml:"chat_entities"`
	Mode             string            `yaml:"mode"`
	Settings         channel.Settings  `yaml:"settings"`
}

// Load parses path. A missing file yields no sessions.
func Load(path string) ([]channel.Session, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes seed YAML into sessions.
func Parse(raw []byte) ([]channel.Session, error) {
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Sessions))
	sessions := make([]channel.Session, 0, len(file.Sessions))
	for i, entry := range file.Sessions {
		session, err := entry.session()
		if err != nil {
			return nil, fmt.Errorf("sessions[%d]: %w", i, err)
		}
		if _, dup := seen[session.ID]; dup {
			return nil, fmt.Errorf("sessions[%d]: duplicate id %q", i, session.ID)
		}
		seen[session.ID] = struct{}{}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (e Entry) session() (channel.Session, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return channel.Session{}, fmt.Errorf("id is required")
	}
	token := strings.TrimSpace(e.Token)
	if env := strings.TrimSpace(e.TokenEnv); env != "" {
		token = strings.TrimSpace(os.Getenv(env))
		if token == "" {
			return channel.Session{}, fmt.Errorf("environment variable %s is empty", env)
		}
	}
	if token == "" {
		return channel.Session{}, fmt.Errorf("token is required")
	}
	mode := channel.TransportMode(strings.ToLower(strings.TrimSpace(e.Mode)))
	switch mode {
	case "":
		mode = channel.ModePolling
	case channel.ModePolling:
	case channel.ModeWebhook:
		if err := channel.ValidateWebhookSecret(e.Settings.WebhookSecret); err != nil {
			return channel.Session{}, err
		}
	default:
		return channel.Session{}, fmt.Errorf("unknown mode %q", e.Mode)
	}
	entities := make(map[string]string, len(e.ChatEntities))
	for chatID, entityID := range e.ChatEntities {
		entities[chatID] = entityID
	}
	return channel.Session{
		ID:               id,
		ScopeID:          strings.TrimSpace(e.Scope),
		Credential:       token,
		DisplayName:      e.DisplayName,
		AllowedChatIDs:   e.AllowedChatIDs,
		AllowedUsernames: e.AllowedUsernames,
		ChatEntities:     entities,
		Mode:             mode,
		Settings:         e.Settings,
	}, nil
}

// Store serves seeded sessions next to a base store. On an id clash the base
// store wins. Chat links and deactivation of seed sessions are kept in
// memory.
type Store struct {
	base     channel.SessionStore
	mu       sync.Mutex
	seeds    map[string]channel.Session
	order    []string
	inactive map[string]struct{}
}

// NewStore layers sessions over base. base may be nil.
func NewStore(base channel.SessionStore, sessions []channel.Session) *Store {
	s := &Store{
		base:     base,
		seeds:    make(map[string]channel.Session, len(sessions)),
		inactive: map[string]struct{}{},
	}
	for _, session := range sessions {
		if _, ok := s.seeds[session.ID]; !ok {
			s.order = append(s.order, session.ID)
		}
		s.seeds[session.ID] = session.Clone()
	}
	return s
}

func (s *Store) ListActiveSessions(ctx context.Context, scopeID string) ([]channel.Session, error) {
	var out []channel.Session
	taken := map[string]struct{}{}
	if s.base != nil {
		sessions, err := s.base.ListActiveSessions(ctx, scopeID)
		if err != nil {
			return nil, err
		}
		for _, session := range sessions {
			taken[session.ID] = struct{}{}
		}
		out = append(out, sessions...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if _, ok := taken[id]; ok {
			continue
		}
		if _, ok := s.inactive[id]; ok {
			continue
		}
		session := s.seeds[id]
		if scopeID != "" && session.ScopeID != scopeID {
			continue
		}
		out = append(out, session.Clone())
	}
	return out, nil
}

func (s *Store) UpdateChatEntityMapping(ctx context.Context, sessionID string, mapping map[string]string) error {
	if s.base != nil {
		err := s.base.UpdateChatEntityMapping(ctx, sessionID, mapping)
		if !errors.Is(err, channel.ErrSessionNotFound) {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.seeds[sessionID]
	if !ok {
		return channel.ErrSessionNotFound
	}
	session.ChatEntities = make(map[string]string, len(mapping))
	for chatID, entityID := range mapping {
		session.ChatEntities[chatID] = entityID
	}
	s.seeds[sessionID] = session
	return nil
}

// DeactivateSession deactivates sessionID in the base store when it supports
// it and hides the seed entry of the same id.
func (s *Store) DeactivateSession(ctx context.Context, sessionID string) error {
	found := false
	if deactivator, ok := s.base.(channel.SessionDeactivator); ok {
		err := deactivator.DeactivateSession(ctx, sessionID)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, channel.ErrSessionNotFound):
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seeds[sessionID]; ok {
		s.inactive[sessionID] = struct{}{}
		found = true
	}
	if !found {
		return channel.ErrSessionNotFound
	}
	return nil
}
