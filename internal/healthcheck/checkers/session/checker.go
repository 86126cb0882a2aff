package sessionchecker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/estatehub/intake/internal/channel"
	"github.com/estatehub/intake/internal/healthcheck"
)

const (
	checkTypeReceiver  = "session.receiver"
	checkTypeTransport = "session.transport"

	defaultProbeTimeout = 5 * time.Second
)

// SessionObserver reads runtime session state.
type SessionObserver interface {
	Status(id string) (channel.SessionStatus, error)
	Transport(id string) (channel.Transport, error)
}

// Checker reports whether a session is receiving updates and whether its
// credential still answers getMe.
type Checker struct {
	logger       *slog.Logger
	observer     SessionObserver
	probeTimeout time.Duration
}

// NewChecker creates a session health checker.
func NewChecker(log *slog.Logger, observer SessionObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:       log.With(slog.String("checker", "healthcheck_session")),
		observer:     observer,
		probeTimeout: defaultProbeTimeout,
	}
}

// ListChecks evaluates receiver state and transport liveness for a session.
func (c *Checker) ListChecks(ctx context.Context, sessionID string) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		c.logger.Warn("session healthcheck dependency is unavailable", slog.String("session_id", sessionID))
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeReceiver + ".service",
				Type:    checkTypeReceiver,
				Status:  healthcheck.StatusWarn,
				Summary: "Session checker service is not available.",
				Detail:  "session observer is nil",
			},
		}
	}

	status, err := c.observer.Status(sessionID)
	if err != nil {
		if errors.Is(err, channel.ErrSessionNotFound) {
			return []healthcheck.CheckResult{}
		}
		return []healthcheck.CheckResult{{
			ID:      checkTypeReceiver + "." + sessionID,
			Type:    checkTypeReceiver,
			Status:  healthcheck.StatusUnknown,
			Summary: "Session status is unavailable.",
			Detail:  err.Error(),
		}}
	}

	checks := []healthcheck.CheckResult{receiverCheck(status)}
	if status.State == channel.StatePolling || status.State == channel.StateWebhook || status.State == channel.StateStarting {
		checks = append(checks, c.transportCheck(ctx, sessionID))
	}
	return checks
}

func receiverCheck(status channel.SessionStatus) healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:       checkTypeReceiver + "." + status.SessionID,
		Type:     checkTypeReceiver,
		Subtitle: buildSubtitle(status),
		Metadata: map[string]any{
			"state":       string(status.State),
			"mode":        string(status.Mode),
			"last_offset": status.LastOffset,
		},
	}
	if status.UpdatedAt.Unix() > 0 {
		item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	switch status.State {
	case channel.StatePolling, channel.StateWebhook:
		item.Status = healthcheck.StatusOK
		item.Summary = fmt.Sprintf("Session is receiving updates (%s).", status.Mode)
		if strings.TrimSpace(status.LastError) != "" {
			item.Status = healthcheck.StatusWarn
			item.Summary = "Session is receiving updates but the last request failed."
			item.Detail = strings.TrimSpace(status.LastError)
		}
	case channel.StateStarting:
		item.Status = healthcheck.StatusWarn
		item.Summary = "Session is starting."
	case channel.StateSuperseded:
		item.Status = healthcheck.StatusError
		item.Summary = "Session was superseded by another poller using the same credential."
		item.Detail = strings.TrimSpace(status.LastError)
	default:
		item.Status = healthcheck.StatusError
		item.Summary = "Session is stopped."
		item.Detail = strings.TrimSpace(status.LastError)
	}
	return item
}

func (c *Checker) transportCheck(ctx context.Context, sessionID string) healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:   checkTypeTransport + "." + sessionID,
		Type: checkTypeTransport,
	}
	transport, err := c.observer.Transport(sessionID)
	if err != nil {
		item.Status = healthcheck.StatusUnknown
		item.Summary = "Session transport is not available."
		item.Detail = err.Error()
		return item
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	identity, err := transport.GetMe(probeCtx)
	if err != nil {
		c.logger.Warn("transport probe failed", slog.String("session_id", sessionID), slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Bot credential did not answer getMe."
		item.Detail = err.Error()
		return item
	}
	item.Status = healthcheck.StatusOK
	item.Summary = "Bot credential is valid."
	item.Subtitle = "@" + identity.Username
	item.Metadata = map[string]any{"bot_id": identity.ID}
	return item
}

func buildSubtitle(status channel.SessionStatus) string {
	name := strings.TrimSpace(status.DisplayName)
	if name == "" {
		name = status.SessionID
	}
	if len(name) > 32 {
		name = name[:32]
	}
	return name
}
