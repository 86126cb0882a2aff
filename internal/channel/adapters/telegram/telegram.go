// Package telegram implements channel.Transport on top of the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/estatehub/intake/internal/channel"
)

// Type is the channel type handled by this package.
const Type channel.ChannelType = "telegram"

const (
	defaultAPIEndpoint  = tgbotapi.APIEndpoint
	defaultFileEndpoint = tgbotapi.FileEndpoint
)

// Config tunes the Bot API client. Zero values fall back to the public
// Telegram endpoints.
type Config struct {
	// APIEndpoint is a format string taking the token and the method name.
	APIEndpoint string
	// FileEndpoint is a format string taking the token and the file path.
	FileEndpoint      string
	RequestTimeout    time.Duration
	SendRatePerSecond float64
	HTTPClient        *http.Client
}

// Adapter opens Telegram transports for sessions.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewAdapter creates an Adapter with the given logger.
func NewAdapter(log *slog.Logger, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.APIEndpoint) == "" {
		cfg.APIEndpoint = defaultAPIEndpoint
	}
	if strings.TrimSpace(cfg.FileEndpoint) == "" {
		cfg.FileEndpoint = defaultFileEndpoint
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	adapter := &Adapter{
		cfg:    cfg,
		client: client,
		logger: log.With(slog.String("adapter", "telegram")),
	}
	setBotLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	})
	return adapter
}

// Type returns the Telegram channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Open builds a client for the session credential and verifies it with getMe.
func (a *Adapter) Open(ctx context.Context, session channel.Session) (channel.Transport, error) {
	token := strings.TrimSpace(session.Credential)
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, a.cfg.APIEndpoint, contextClient{ctx: ctx, next: a.client})
	if err != nil {
		a.logger.Error("create bot failed", slog.String("session_id", session.ID), slog.Any("error", err))
		return nil, mapError("getMe", err)
	}
	bot.Client = a.client
	a.logger.Info(
		"bot verified",
		slog.String("session_id", session.ID),
		slog.String("username", bot.Self.UserName),
	)
	return newClient(bot, a.client, a.cfg, a.logger.With(slog.String("session_id", session.ID))), nil
}

// contextClient binds a context to requests built by the Bot API library,
// which does not take one itself.
type contextClient struct {
	ctx  context.Context
	next tgbotapi.HTTPClient
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	if c.ctx == nil {
		return c.next.Do(req)
	}
	return c.next.Do(req.WithContext(c.ctx))
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// The Bot API library keeps its logger in a package variable.
var setBotLoggerOnce sync.Once

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
