package media

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/estatehub/intake/internal/channel"
)

// TransportSource looks up the open transport of a session.
type TransportSource interface {
	Transport(sessionID string) (channel.Transport, error)
}

// Relay is a configured intermediary for file downloads.
type Relay struct {
	Name     string
	Template string
}

// Service resolves session files on demand. The chain is built per call from
// the session transport.
type Service struct {
	sessions TransportSource
	relays   []Relay
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewService creates a Service. A nil client uses http.DefaultClient and a
// non-positive maxBytes uses MaxAssetBytes.
func NewService(log *slog.Logger, sessions TransportSource, relays []Relay, client *http.Client, maxBytes int64) *Service {
	if log == nil {
		log = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = MaxAssetBytes
	}
	return &Service{
		sessions: sessions,
		relays:   relays,
		client:   client,
		maxBytes: maxBytes,
		logger:   log.With(slog.String("service", "media")),
	}
}

// ResolveFile downloads ref for sessionID through direct, relay, and
// server-side strategies in that order.
func (s *Service) ResolveFile(ctx context.Context, sessionID, ref string) (Result, error) {
	transport, err := s.sessions.Transport(sessionID)
	if err != nil {
		return Result{}, err
	}
	result, err := s.chainFor(transport).Fetch(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info(
		"file resolved",
		slog.String("session_id", sessionID),
		slog.String("strategy", result.Strategy),
		slog.Int("bytes", len(result.Data)),
	)
	return result, nil
}

func (s *Service) chainFor(resolver URLResolver) *Chain {
	strategies := make([]Strategy, 0, len(s.relays)+2)
	strategies = append(strategies, DirectStrategy{Resolver: resolver, Client: s.client, MaxBytes: s.maxBytes})
	for _, relay := range s.relays {
		if strings.TrimSpace(relay.Template) == "" {
			continue
		}
		strategies = append(strategies, RelayStrategy{
			Label:    relay.Name,
			Template: relay.Template,
			Resolver: resolver,
			Client:   s.client,
			MaxBytes: s.maxBytes,
		})
	}
	strategies = append(strategies, ServerOnlyStrategy{})
	return NewChain(s.logger, strategies...)
}
