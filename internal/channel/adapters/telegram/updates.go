package telegram

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/estatehub/intake/internal/channel"
)

// ConvertUpdate maps a Bot API update to the transport-neutral variant.
// Only new messages are classified as text or voice; edits and channel
// posts become UpdateOther.
func ConvertUpdate(update tgbotapi.Update) channel.Update {
	out := channel.Update{
		ID:   int64(update.UpdateID),
		Kind: channel.UpdateOther,
	}
	if cb := update.CallbackQuery; cb != nil {
		out.Kind = channel.UpdateCallbackQuery
		out.CallbackData = cb.Data
		if cb.From != nil {
			out.SenderID = strconv.FormatInt(cb.From.ID, 10)
			out.SenderUsername = strings.TrimSpace(cb.From.UserName)
		}
		if cb.Message != nil {
			fillMessage(&out, cb.Message)
		}
		return out
	}
	msg := update.Message
	if msg == nil {
		return out
	}
	fillMessage(&out, msg)
	switch {
	case msg.Voice != nil:
		out.Kind = channel.UpdateVoice
		out.Voice = &channel.Voice{
			FileRef:         msg.Voice.FileID,
			FileUniqueRef:   msg.Voice.FileUniqueID,
			DurationSeconds: msg.Voice.Duration,
			MimeType:        strings.TrimSpace(msg.Voice.MimeType),
			SizeBytes:       int64(msg.Voice.FileSize),
		}
	case strings.TrimSpace(msg.Text) != "":
		out.Kind = channel.UpdateText
		out.Text = msg.Text
	}
	return out
}

func fillMessage(out *channel.Update, msg *tgbotapi.Message) {
	out.MessageID = strconv.Itoa(msg.MessageID)
	out.Timestamp = int64(msg.Date)
	if msg.Chat != nil {
		out.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if out.SenderID != "" {
		return
	}
	switch {
	case msg.From != nil:
		out.SenderID = strconv.FormatInt(msg.From.ID, 10)
		out.SenderUsername = strings.TrimSpace(msg.From.UserName)
	case msg.SenderChat != nil:
		out.SenderID = strconv.FormatInt(msg.SenderChat.ID, 10)
		out.SenderUsername = strings.TrimSpace(msg.SenderChat.UserName)
	}
}

// DecodeWebhookUpdate reads one pushed update from a webhook request body.
func DecodeWebhookUpdate(r io.Reader) (channel.Update, error) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r).Decode(&update); err != nil {
		return channel.Update{}, fmt.Errorf("decode telegram update: %w", err)
	}
	if update.UpdateID <= 0 {
		return channel.Update{}, fmt.Errorf("decode telegram update: missing update_id")
	}
	return ConvertUpdate(update), nil
}
