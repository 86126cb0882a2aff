package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/estatehub/intake/internal/auth"
	"github.com/estatehub/intake/internal/channel"
	"github.com/estatehub/intake/internal/healthcheck"
)

// StatusReader reads the runtime status of one session.
type StatusReader interface {
	Status(id string) (channel.SessionStatus, error)
}

// SessionService is the session manager surface the HTTP API needs.
type SessionService interface {
	StatusLister
	StatusReader
	Stop(ctx context.Context, id string) error
	LinkChatToEntity(ctx context.Context, sessionID, chatID, entityID string) error
	Reconcile(ctx context.Context, scopeID string) error
}

type SessionsHandler struct {
	logger   *slog.Logger
	sessions SessionService
	checker  healthcheck.Checker
	scopeID  string
}

// NewSessionsHandler creates the session admin API. scopeID is the scope
// reconciled by POST /sessions/reconcile.
func NewSessionsHandler(log *slog.Logger, sessions SessionService, checker healthcheck.Checker, scopeID string) *SessionsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SessionsHandler{
		logger:   log.With(slog.String("handler", "sessions")),
		sessions: sessions,
		checker:  checker,
		scopeID:  scopeID,
	}
}

func (h *SessionsHandler) Register(e *echo.Echo) {
	group := e.Group("/sessions")
	group.GET("", h.ListSessions)
	group.POST("/reconcile", h.ReconcileSessions)
	group.GET("/:id", h.GetSession)
	group.DELETE("/:id", h.StopSession)
	group.POST("/:id/links", h.LinkChat)
	group.GET("/:id/checks", h.ListChecks)
}

// LinkChatRequest links a chat of a session to a CRM record.
type LinkChatRequest struct {
	ChatID   string `json:"chat_id" validate:"required,max=64"`
	EntityID string `json:"entity_id" validate:"required,max=128"`
}

// ChecksResponse is the body of GET /sessions/:id/checks.
type ChecksResponse struct {
	SessionID string                    `json:"session_id"`
	Status    string                    `json:"status"`
	Items     []healthcheck.CheckResult `json:"items"`
}

func (h *SessionsHandler) ListSessions(c echo.Context) error {
	all := h.sessions.Statuses()
	items := make([]channel.SessionStatus, 0, len(all))
	for _, status := range all {
		if scopeVisible(c, status.ScopeID) {
			items = append(items, status)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SessionID < items[j].SessionID })
	return c.JSON(http.StatusOK, items)
}

func (h *SessionsHandler) GetSession(c echo.Context) error {
	status, err := visibleStatus(c, h.sessions, c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// StopSession stops a session. Stopping an unknown session succeeds.
func (h *SessionsHandler) StopSession(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := visibleStatus(c, h.sessions, id); err != nil {
		if !errors.Is(err, channel.ErrSessionNotFound) || tokenScope(c) != "" {
			return sessionError(err)
		}
	}
	if err := h.sessions.Stop(c.Request().Context(), id); err != nil {
		return sessionError(err)
	}
	h.logger.Info("session stopped via api", slog.String("session_id", id))
	return c.NoContent(http.StatusNoContent)
}

func (h *SessionsHandler) LinkChat(c echo.Context) error {
	var req LinkChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.ChatID = strings.TrimSpace(req.ChatID)
	req.EntityID = strings.TrimSpace(req.EntityID)
	if err := c.Validate(&req); err != nil {
		return err
	}
	id := strings.TrimSpace(c.Param("id"))
	if tokenScope(c) != "" {
		if _, err := visibleStatus(c, h.sessions, id); err != nil {
			return sessionError(err)
		}
	}
	if err := h.sessions.LinkChatToEntity(c.Request().Context(), id, req.ChatID, req.EntityID); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"session_id": id,
		"chat_id":    req.ChatID,
		"entity_id":  req.EntityID,
	})
}

func (h *SessionsHandler) ListChecks(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := visibleStatus(c, h.sessions, id); err != nil {
		return sessionError(err)
	}
	var items []healthcheck.CheckResult
	if h.checker != nil {
		items = h.checker.ListChecks(c.Request().Context(), id)
	}
	if items == nil {
		items = []healthcheck.CheckResult{}
	}
	return c.JSON(http.StatusOK, ChecksResponse{
		SessionID: id,
		Status:    healthcheck.Overall(items),
		Items:     items,
	})
}

func (h *SessionsHandler) ReconcileSessions(c echo.Context) error {
	if scope := tokenScope(c); scope != "" && scope != h.scopeID {
		return echo.NewHTTPError(http.StatusForbidden, "token scope does not cover this instance")
	}
	if err := h.sessions.Reconcile(c.Request().Context(), h.scopeID); err != nil {
		h.logger.Warn("reconcile via api finished with errors", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, h.sessions.Statuses())
}

// tokenScope returns the scope a service token is limited to. It is empty
// for unrestricted tokens and when auth is disabled.
func tokenScope(c echo.Context) string {
	info, err := auth.ServiceTokenFromContext(c)
	if err != nil {
		return ""
	}
	return info.ScopeID
}

func scopeVisible(c echo.Context, scopeID string) bool {
	scope := tokenScope(c)
	return scope == "" || scope == scopeID
}

// visibleStatus hides sessions outside the token scope as not found.
func visibleStatus(c echo.Context, reader StatusReader, id string) (channel.SessionStatus, error) {
	status, err := reader.Status(strings.TrimSpace(id))
	if err != nil {
		return channel.SessionStatus{}, err
	}
	if !scopeVisible(c, status.ScopeID) {
		return channel.SessionStatus{}, fmt.Errorf("%w: %s", channel.ErrSessionNotFound, id)
	}
	return status, nil
}

func sessionError(err error) error {
	if errors.Is(err, channel.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
