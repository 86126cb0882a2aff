package channel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestChunkText(t *testing.T) {
	t.Parallel()

	if got := ChunkText("   ", 10); got != nil {
		t.Fatalf("expected nil for blank text, got %v", got)
	}
	if got := ChunkText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected chunks: %v", got)
	}
	got := ChunkText("aaaa\nbbbb\ncccc", 9)
	if len(got) != 2 || got[0] != "aaaa\nbbbb" || got[1] != "cccc" {
		t.Fatalf("unexpected line chunks: %q", got)
	}
	long := strings.Repeat("é", 25)
	got = ChunkText(long, 10)
	if len(got) != 3 || runeLen(got[2]) != 5 {
		t.Fatalf("unexpected rune chunks: %q", got)
	}
}

func TestPolicyReplierRetriesTransient(t *testing.T) {
	t.Parallel()

	attempts := 0
	next := &fakeTransport{
		sendFunc: func(ctx context.Context, chatID, text string) error {
			attempts++
			if attempts < 3 {
				return &TransientError{Method: "sendMessage", Code: 500, Err: errors.New("internal")}
			}
			return nil
		},
	}
	replier := NewPolicyReplier(next, OutboundPolicy{TextLimit: 100, RetryMax: 3, RetryBackoff: time.Millisecond}, nil)
	if err := replier.SendMessage(context.Background(), "100", "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if attempts != 3 || len(next.sentMessages()) != 1 {
		t.Fatalf("unexpected attempts=%d sent=%d", attempts, len(next.sentMessages()))
	}
}

func TestPolicyReplierStopsOnConflict(t *testing.T) {
	t.Parallel()

	attempts := 0
	next := &fakeTransport{
		sendFunc: func(ctx context.Context, chatID, text string) error {
			attempts++
			return &ConflictError{Method: "sendMessage"}
		},
	}
	replier := NewPolicyReplier(next, OutboundPolicy{RetryMax: 5}, nil)
	err := replier.SendMessage(context.Background(), "100", "hello")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestPolicyReplierChunksLongReplies(t *testing.T) {
	t.Parallel()

	next := &fakeTransport{}
	replier := NewPolicyReplier(next, OutboundPolicy{TextLimit: 5}, nil)
	if err := replier.SendMessage(context.Background(), "100", "abcde\nfghij\nk"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	sent := next.sentMessages()
	if len(sent) != 3 || sent[0].Text != "abcde" || sent[2].Text != "k" {
		t.Fatalf("unexpected chunks: %+v", sent)
	}
	if err := replier.SendMessage(context.Background(), "", "x"); err == nil {
		t.Fatal("expected error for empty chat id")
	}
}
