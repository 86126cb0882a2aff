package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/estatehub/intake/internal/channel"
	"github.com/estatehub/intake/internal/media"
)

// FileResolver downloads a session file through the fallback chain.
type FileResolver interface {
	ResolveFile(ctx context.Context, sessionID, ref string) (media.Result, error)
}

type FilesHandler struct {
	logger   *slog.Logger
	resolver FileResolver
	sessions StatusReader
}

// NewFilesHandler creates the file download API. sessions is used to hide
// sessions outside a scoped token and may be nil.
func NewFilesHandler(log *slog.Logger, resolver FileResolver, sessions StatusReader) *FilesHandler {
	if log == nil {
		log = slog.Default()
	}
	return &FilesHandler{logger: log.With(slog.String("handler", "files")), resolver: resolver, sessions: sessions}
}

func (h *FilesHandler) Register(e *echo.Echo) {
	e.GET("/sessions/:id/files/:file_ref", h.GetFile)
}

// GetFile streams the file bytes. The strategy that produced them is
// reported in the X-File-Strategy header.
func (h *FilesHandler) GetFile(c echo.Context) error {
	if h.resolver == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "file retrieval is not configured")
	}
	sessionID := strings.TrimSpace(c.Param("id"))
	ref := strings.TrimSpace(c.Param("file_ref"))
	if ref == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "file_ref is required")
	}
	if h.sessions != nil && tokenScope(c) != "" {
		if _, err := visibleStatus(c, h.sessions, sessionID); err != nil {
			return sessionError(err)
		}
	}
	result, err := h.resolver.ResolveFile(c.Request().Context(), sessionID, ref)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrSessionNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, media.ErrAssetTooLarge):
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, media.ErrFileRetrievalExhausted):
			h.logger.Warn("file retrieval exhausted", slog.String("session_id", sessionID), slog.String("file_ref", ref), slog.Any("error", err))
			return echo.NewHTTPError(http.StatusBadGateway, "file could not be retrieved")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	c.Response().Header().Set("X-File-Strategy", result.Strategy)
	return c.Blob(http.StatusOK, http.DetectContentType(result.Data), result.Data)
}
