package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/estatehub/intake/internal/channel"
)

const telegramMaxMessageLength = 4096

// Client is a stateless wrapper around the Bot API methods used by a session.
type Client struct {
	bot          *tgbotapi.BotAPI
	http         tgbotapi.HTTPClient
	fileEndpoint string
	limiter      *rate.Limiter
	logger       *slog.Logger
}

func newClient(bot *tgbotapi.BotAPI, httpClient *http.Client, cfg Config, log *slog.Logger) *Client {
	return &Client{
		bot:          bot,
		http:         httpClient,
		fileEndpoint: cfg.FileEndpoint,
		limiter:      newLimiter(cfg.SendRatePerSecond),
		logger:       log,
	}
}

// withContext returns a shallow copy of the bot whose requests carry ctx.
func (c *Client) withContext(ctx context.Context) *tgbotapi.BotAPI {
	bot := *c.bot
	bot.Client = contextClient{ctx: ctx, next: c.http}
	return &bot
}

// GetMe returns the bot identity behind the credential.
func (c *Client) GetMe(ctx context.Context) (channel.BotIdentity, error) {
	user, err := c.withContext(ctx).GetMe()
	if err != nil {
		return channel.BotIdentity{}, mapError("getMe", err)
	}
	return channel.BotIdentity{ID: user.ID, Username: user.UserName}, nil
}

// GetUpdates fetches updates with id >= offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int, limit int) ([]channel.Update, error) {
	updates, err := c.withContext(ctx).GetUpdates(tgbotapi.UpdateConfig{
		Offset:  int(offset),
		Limit:   limit,
		Timeout: timeoutSeconds,
	})
	if err != nil {
		return nil, mapError("getUpdates", err)
	}
	out := make([]channel.Update, 0, len(updates))
	for _, update := range updates {
		out = append(out, ConvertUpdate(update))
	}
	return out, nil
}

// SendMessage sends plain text to a numeric chat id or an @channel username.
func (c *Client) SendMessage(ctx context.Context, chatID string, text string) error {
	target := strings.TrimSpace(chatID)
	if target == "" {
		return fmt.Errorf("telegram target is required")
	}
	text = truncateTelegramText(sanitizeTelegramText(text))
	var message tgbotapi.MessageConfig
	if strings.HasPrefix(target, "@") {
		message = tgbotapi.NewMessageToChannel(target, text)
	} else {
		id, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram target must be @username or chat_id")
		}
		message = tgbotapi.NewMessage(id, text)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.withContext(ctx).Send(message); err != nil {
		return mapError("sendMessage", err)
	}
	return nil
}

// FileURL resolves a file reference to a download URL via getFile.
func (c *Client) FileURL(ctx context.Context, fileRef string) (string, error) {
	fileRef = strings.TrimSpace(fileRef)
	if fileRef == "" {
		return "", fmt.Errorf("file reference is required")
	}
	file, err := c.withContext(ctx).GetFile(tgbotapi.FileConfig{FileID: fileRef})
	if err != nil {
		return "", mapError("getFile", err)
	}
	if strings.TrimSpace(file.FilePath) == "" {
		return "", fmt.Errorf("getFile: empty file path for %s", fileRef)
	}
	return fmt.Sprintf(c.fileEndpoint, c.bot.Token, file.FilePath), nil
}

// SetWebhook registers url as the push target. The library's webhook config
// predates secret tokens, so the request is built by hand.
func (c *Client) SetWebhook(ctx context.Context, url string, secret string) error {
	params := tgbotapi.Params{}
	params["url"] = strings.TrimSpace(url)
	params.AddNonEmpty("secret_token", strings.TrimSpace(secret))
	if _, err := c.withContext(ctx).MakeRequest("setWebhook", params); err != nil {
		return mapError("setWebhook", err)
	}
	c.logger.Info("webhook set", slog.String("url", url))
	return nil
}

// DeleteWebhook clears any registered webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	if _, err := c.withContext(ctx).Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return mapError("deleteWebhook", err)
	}
	return nil
}

// mapError turns Bot API failures into channel transport errors. HTTP 409 is
// the only signal used for conflict detection.
func mapError(method string, err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := asAPIError(err); ok {
		if apiErr.Code == http.StatusConflict {
			return &channel.ConflictError{Method: method, Description: apiErr.Message}
		}
		return &channel.TransientError{Method: method, Code: apiErr.Code, Err: err}
	}
	return &channel.TransientError{Method: method, Err: err}
}

func asAPIError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var value tgbotapi.Error
	if errors.As(err, &value) {
		return value, true
	}
	return tgbotapi.Error{}, false
}

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength runes,
// appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if utf8.RuneCountInString(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	runes := []rune(text)
	return string(runes[:telegramMaxMessageLength-len(suffix)]) + suffix
}
