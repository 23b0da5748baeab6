package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joshsymonds/inboxpilot/internal/actions"
	"github.com/joshsymonds/inboxpilot/internal/classify"
	"github.com/joshsymonds/inboxpilot/internal/config"
	"github.com/joshsymonds/inboxpilot/internal/credential"
	"github.com/joshsymonds/inboxpilot/internal/digest"
	"github.com/joshsymonds/inboxpilot/internal/gmail"
	"github.com/joshsymonds/inboxpilot/internal/llm"
	"github.com/joshsymonds/inboxpilot/internal/rate"
	"github.com/joshsymonds/inboxpilot/internal/runtime"
	"github.com/joshsymonds/inboxpilot/internal/store"
	mailsync "github.com/joshsymonds/inboxpilot/internal/sync"
	"github.com/joshsymonds/inboxpilot/internal/telegram"
)

// app holds the wired services for one process.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	mail       gmail.Client
	limiter    rate.Limiter
	store      *store.SQLiteStore
	classifier *classify.Classifier
	poller     *mailsync.Poller
	digest     *digest.Runner
	bot        *telegram.Bot
	handler    telegram.Handler

	closers []func()
}

// newApp wires every service. Without needChat the Telegram bot is optional
// and digests can only be previewed.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, needChat bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	vips, err := classify.LoadVIPFile(cfg.VIPFile)
	if err != nil {
		return nil, err
	}
	a.classifier = classify.New(vips)
	logger.Info("vip list loaded", "path", cfg.VIPFile, "count", len(vips))

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, func() { _ = st.Close() })

	a.mail, err = runtime.NewGmailClient(ctx, cfg.GmailDir)
	if err != nil {
		return nil, fmt.Errorf("create gmail client: %w", err)
	}
	if cfg.RPS > 0 {
		bucket := rate.NewTokenBucket(cfg.RPS)
		a.limiter = bucket
		a.closers = append(a.closers, bucket.Stop)
	}

	creds, err := credential.Open(cfg.CredentialDir)
	if err != nil {
		logger.Debug("keyring unavailable; secrets must come from config or env", "error", err)
	}

	apiKey, err := creds.Resolve(cfg.LLM.APIKey, credential.KeyLLMAPIKey)
	if err != nil {
		logger.Warn("no LLM API key; newsletter summaries and drafts are disabled", "error", err)
	}
	assistant := llm.New(llm.Options{APIKey: apiKey, Model: cfg.LLM.Model, MaxTokens: cfg.LLM.MaxTokens, Logger: logger})

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a.digest = &digest.Runner{
		Collector: &digest.Collector{
			Client:     a.mail,
			Limiter:    a.limiter,
			Logger:     logger,
			Classifier: a.classifier,
			PageSize:   cfg.PageSize,
		},
		Formatter: &digest.Formatter{Summarizer: assistant, Logger: logger, Location: loc},
		Store:     st,
		Lock:      st,
		Logger:    logger,
		Lookback:  cfg.Digest.Lookback,
	}

	a.bot, err = dialChat(cfg, creds, logger, needChat)
	if err != nil {
		return nil, err
	}

	if a.bot != nil {
		a.digest.Sender = a.bot
		a.handler = &chatHandler{
			digest: a.digest,
			actions: &actions.Service{
				Mail:      a.mail,
				Drafts:    st,
				Drafter:   assistant,
				Presenter: a.bot,
				Limiter:   a.limiter,
				Logger:    logger,
			},
			chat: a.bot,
		}
		fetcher := &mailsync.Fetcher{Client: a.mail, Limiter: a.limiter, Logger: logger}
		a.poller = mailsync.NewPoller(fetcher, a.classifier, a.bot, st, logger)
		a.poller.Interval = cfg.Sync.PollInterval
		a.poller.ResetOnInvalidCursor = cfg.Sync.ResetOnInvalidCursor
	}

	ok = true
	return a, nil
}

var dialTelegram = func(token string) (telegram.API, error) { return telegram.Dial(token) }

// dialChat connects the Telegram bot when a token and chat id are configured.
// Commands that do not need the chat keep going without it when dialing fails.
func dialChat(cfg config.Config, creds *credential.Store, logger *slog.Logger, needChat bool) (*telegram.Bot, error) {
	token, err := creds.Resolve(cfg.Telegram.Token, credential.KeyTelegramToken)
	if err != nil || cfg.Telegram.ChatID == 0 {
		if needChat {
			return nil, errors.New("telegram token and chat id are required (set INBOXPILOT_TELEGRAM_TOKEN or run `inboxpilot secret set telegram_token`, and --chat-id)")
		}
		return nil, nil
	}
	api, err := dialTelegram(token)
	if err != nil {
		if needChat {
			return nil, err
		}
		logger.Warn("telegram unavailable; continuing without chat", "error", err)
		return nil, nil
	}
	return telegram.NewBot(api, cfg.Telegram.ChatID, cfg.Digest.CatchUpPhrase, logger), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// watchVIPFile reloads the VIP list on SIGHUP.
func (a *app) watchVIPFile(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			vips, err := classify.LoadVIPFile(a.cfg.VIPFile)
			if err != nil {
				a.logger.Warn("vip reload failed; keeping previous list", "error", err)
				continue
			}
			a.classifier.Reload(vips)
			a.logger.Info("vip list reloaded", "count", len(vips))
		}
	}
}

// chatHandler routes chat requests to the digest runner and the action service.
type chatHandler struct {
	digest  *digest.Runner
	actions *actions.Service
	chat    digest.Sender
}

func (h *chatHandler) CatchUp(ctx context.Context) error {
	res, err := h.digest.Run(ctx, "chat")
	if errors.Is(err, store.ErrLeaseHeld) {
		return h.chat.SendText(ctx, "A digest is already on its way.")
	}
	if err != nil {
		return err
	}
	if !res.Sent {
		return h.chat.SendText(ctx, "Nothing new since the last digest.")
	}
	return nil
}

func (h *chatHandler) HandleAction(ctx context.Context, a actions.Action) error {
	return h.actions.Handle(ctx, a)
}
