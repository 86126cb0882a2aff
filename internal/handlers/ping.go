package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/estatehub/intake/internal/channel"
)

// StatusLister lists runtime session statuses.
type StatusLister interface {
	Statuses() []channel.SessionStatus
}

type PingHandler struct {
	logger   *slog.Logger
	sessions StatusLister
}

func NewPingHandler(log *slog.Logger, sessions StatusLister) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{logger: log.With(slog.String("handler", "ping")), sessions: sessions}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
}

// Ping reports liveness and how many sessions are receiving updates.
func (h *PingHandler) Ping(c echo.Context) error {
	active := 0
	if h.sessions != nil {
		for _, status := range h.sessions.Statuses() {
			if status.State == channel.StatePolling || status.State == channel.StateWebhook {
				active++
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": active,
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
