package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/estatehub/intake/internal/channel"
	"github.com/estatehub/intake/internal/channel/adapters/telegram"
)

// SecretTokenHeader carries the secret configured with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxWebhookBody = 1 << 20

// WebhookReceiver dispatches pushed updates to webhook-mode sessions.
type WebhookReceiver interface {
	HandleWebhookUpdate(ctx context.Context, sessionID, secret string, update channel.Update) (bool, error)
}

type WebhookHandler struct {
	logger   *slog.Logger
	receiver WebhookReceiver
}

func NewWebhookHandler(log *slog.Logger, receiver WebhookReceiver) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{logger: log.With(slog.String("handler", "webhook")), receiver: receiver}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/telegram/:id", h.HandleTelegram)
}

// HandleTelegram answers 200 for accepted and duplicate updates so the Bot
// API does not redeliver them.
func (h *WebhookHandler) HandleTelegram(c echo.Context) error {
	sessionID := strings.TrimSpace(c.Param("id"))
	update, err := telegram.DecodeWebhookUpdate(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	secret := c.Request().Header.Get(SecretTokenHeader)
	accepted, err := h.receiver.HandleWebhookUpdate(c.Request().Context(), sessionID, secret, update)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrWebhookUnauthorized):
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid secret token")
		case errors.Is(err, channel.ErrSessionNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		default:
			h.logger.Error("webhook dispatch failed", slog.String("session_id", sessionID), slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, "dispatch failed")
		}
	}
	if !accepted {
		h.logger.Debug("webhook update skipped", slog.String("session_id", sessionID), slog.Int64("update_id", update.ID))
	}
	return c.NoContent(http.StatusOK)
}
