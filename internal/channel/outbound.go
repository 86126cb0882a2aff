package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// OutboundPolicy controls how replies are split and retried.
type OutboundPolicy struct {
	TextLimit    int
	RetryMax     int
	RetryBackoff time.Duration
}

// DefaultOutboundPolicy matches the Bot API message size limit.
func DefaultOutboundPolicy() OutboundPolicy {
	return OutboundPolicy{
		TextLimit:    4096,
		RetryMax:     3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

func normalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	def := DefaultOutboundPolicy()
	if policy.TextLimit <= 0 {
		policy.TextLimit = def.TextLimit
	}
	if policy.RetryMax <= 0 {
		policy.RetryMax = def.RetryMax
	}
	if policy.RetryBackoff < 0 {
		policy.RetryBackoff = 0
	}
	return policy
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	var chunks []string
	var buf []string
	bufLen := 0
	flush := func() {
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n"))
			buf = buf[:0]
			bufLen = 0
		}
	}
	for _, line := range strings.Split(trimmed, "\n") {
		lineLen := runeLen(line)
		sep := 0
		if len(buf) > 0 {
			sep = 1
		}
		if bufLen+sep+lineLen <= limit {
			buf = append(buf, line)
			bufLen += sep + lineLen
			continue
		}
		flush()
		if lineLen <= limit {
			buf = append(buf, line)
			bufLen = lineLen
			continue
		}
		chunks = append(chunks, splitLongLine(line, limit)...)
	}
	flush()
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

func splitLongLine(line string, limit int) []string {
	runes := []rune(line)
	chunks := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		segment := strings.TrimSpace(string(runes[start:end]))
		if segment == "" {
			continue
		}
		chunks = append(chunks, segment)
	}
	return chunks
}

// policyReplier splits long replies and retries failed sends.
type policyReplier struct {
	next   Replier
	policy OutboundPolicy
	logger *slog.Logger
}

// NewPolicyReplier wraps next with chunking and retries. Conflict errors and
// context cancellation are not retried.
func NewPolicyReplier(next Replier, policy OutboundPolicy, log *slog.Logger) Replier {
	if log == nil {
		log = slog.Default()
	}
	return &policyReplier{
		next:   next,
		policy: normalizeOutboundPolicy(policy),
		logger: log,
	}
}

func (r *policyReplier) SendMessage(ctx context.Context, chatID, text string) error {
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("chat id is required")
	}
	chunks := ChunkText(text, r.policy.TextLimit)
	if len(chunks) == 0 {
		return fmt.Errorf("message is required")
	}
	for _, chunk := range chunks {
		if err := r.sendWithRetry(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (r *policyReplier) sendWithRetry(ctx context.Context, chatID, text string) error {
	var lastErr error
	for i := 0; i < r.policy.RetryMax; i++ {
		err := r.next.SendMessage(ctx, chatID, text)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || IsConflict(err) {
			break
		}
		r.logger.Warn("send reply retry",
			slog.String("chat_id", chatID),
			slog.Int("attempt", i+1),
			slog.Any("error", err))
		if i+1 < r.policy.RetryMax && !sleepContext(ctx, time.Duration(i+1)*r.policy.RetryBackoff) {
			break
		}
	}
	return fmt.Errorf("send reply failed after retries: %w", lastErr)
}
