package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/joshsymonds/inboxpilot/internal/config"
	"github.com/joshsymonds/inboxpilot/internal/digest"
	"github.com/joshsymonds/inboxpilot/internal/store"
	"github.com/joshsymonds/inboxpilot/internal/telegram"
)

func failingDial(t *testing.T) {
	t.Helper()
	orig := dialTelegram
	dialTelegram = func(string) (telegram.API, error) { return nil, errors.New("telegram unreachable") }
	t.Cleanup(func() { dialTelegram = orig })
}

func chatConfig() config.Config {
	var cfg config.Config
	cfg.Telegram.Token = "token"
	cfg.Telegram.ChatID = 42
	return cfg
}

func TestDialChatFailureIsFatalOnlyWhenChatIsNeeded(t *testing.T) {
	failingDial(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bot, err := dialChat(chatConfig(), nil, logger, false)
	if err != nil || bot != nil {
		t.Fatalf("dialChat without chat need = %v, %v; want nil, nil", bot, err)
	}
	if _, err := dialChat(chatConfig(), nil, logger, true); err == nil {
		t.Fatalf("expected dial error when the chat is required")
	}
}

func TestDialChatRequiresTokenAndChatID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := chatConfig()
	cfg.Telegram.ChatID = 0

	if _, err := dialChat(cfg, nil, logger, true); err == nil {
		t.Fatalf("expected error without chat id")
	}
	bot, err := dialChat(cfg, nil, logger, false)
	if err != nil || bot != nil {
		t.Fatalf("dialChat = %v, %v; want nil, nil", bot, err)
	}
}

type heldLease struct{}

func (heldLease) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	_, _, _ = ctx, owner, ttl
	return fmt.Errorf("lease %s: %w", name, store.ErrLeaseHeld)
}

func (heldLease) ReleaseLease(ctx context.Context, name, owner string) error {
	_, _, _ = ctx, name, owner
	return nil
}

type chatLog struct{ texts []string }

func (c *chatLog) SendText(ctx context.Context, text string) error {
	_ = ctx
	c.texts = append(c.texts, text)
	return nil
}

func TestCatchUpWhileDigestRunsElsewhere(t *testing.T) {
	chat := &chatLog{}
	h := &chatHandler{
		digest: &digest.Runner{Lock: heldLease{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))},
		chat:   chat,
	}
	if err := h.CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if len(chat.texts) != 1 || chat.texts[0] != "A digest is already on its way." {
		t.Fatalf("chat = %q", chat.texts)
	}
}
