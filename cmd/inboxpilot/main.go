package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joshsymonds/inboxpilot/internal/audit"
	"github.com/joshsymonds/inboxpilot/internal/config"
	"github.com/joshsymonds/inboxpilot/internal/credential"
	"github.com/joshsymonds/inboxpilot/internal/runtime"
	mailsync "github.com/joshsymonds/inboxpilot/internal/sync"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		runtime.DefaultLogger().Error("inboxpilot failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "inboxpilot",
		Short:         "Push important Gmail to Telegram and digest the rest",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root)

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Poll the mailbox, schedule digests and answer the chat until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, true, runService)
			},
		},
		newDigestCommand(),
		&cobra.Command{
			Use:   "reset-cursor",
			Short: "Move the sync cursor to the mailbox's current position",
			Long: "Stores the mailbox's current history id as the sync cursor. " +
				"Messages that arrived before the reset are not notified.",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, false, func(ctx context.Context, a *app) error {
					next, err := mailsync.ResetCursor(ctx, a.mail, a.limiter, a.store)
					if err != nil {
						return fmt.Errorf("reset cursor: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), next)
					return nil
				})
			},
		},
		newAuditCommand(),
		newSecretCommand(),
	)
	return root
}

func newAuditCommand() *cobra.Command {
	var (
		window   time.Duration
		topN     int
		jsonPath string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Rank recent senders and lists by category and suggest VIP candidates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				svc := audit.NewService(a.mail, a.limiter, a.classifier, a.logger)
				rep, err := svc.Run(ctx, audit.Options{Window: window, TopN: topN, PageSize: a.cfg.PageSize})
				if err != nil {
					return fmt.Errorf("run audit: %w", err)
				}
				if err := audit.PrintHuman(rep, cmd.OutOrStdout()); err != nil {
					return err
				}
				if jsonPath != "" {
					if err := audit.WriteJSON(rep, jsonPath); err != nil {
						return fmt.Errorf("write report: %w", err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 7*24*time.Hour, "lookback window")
	cmd.Flags().IntVar(&topN, "top", 20, "number of senders and lists to show")
	cmd.Flags().StringVar(&jsonPath, "json", "", "also write the report as JSON to this relative path")
	return cmd
}

func newDigestCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Build the digest for mail since the last one and send it now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, !dryRun, func(ctx context.Context, a *app) error {
				if dryRun {
					res, err := a.digest.Preview(ctx)
					if err != nil {
						return fmt.Errorf("preview digest: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), res.Report)
					return nil
				}
				if _, err := a.digest.Run(ctx, "cli"); err != nil {
					return fmt.Errorf("run digest: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the digest; do not send it or move the watermark")
	return cmd
}

func newSecretCommand() *cobra.Command {
	secret := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the OS keyring",
	}
	secret.AddCommand(&cobra.Command{
		Use:       "set <" + credential.KeyTelegramToken + "|" + credential.KeyLLMAPIKey + ">",
		Short:     "Store a secret read from stdin",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{credential.KeyTelegramToken, credential.KeyLLMAPIKey},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != credential.KeyTelegramToken && args[0] != credential.KeyLLMAPIKey {
				return fmt.Errorf("unknown secret %q", args[0])
			}
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			value := strings.TrimSpace(line)
			if value == "" {
				return errors.New("empty secret")
			}
			creds, err := credential.Open(cfg.CredentialDir)
			if err != nil {
				return err
			}
			return creds.Set(args[0], value)
		},
	})
	return secret
}

// withApp loads configuration, wires the services and runs fn until
// SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, needChat bool, fn func(context.Context, *app) error) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	logger := runtime.NewLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, needChat)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runService(ctx context.Context, a *app) error {
	a.logger.Info("inboxpilot starting",
		"poll_interval", a.cfg.Sync.PollInterval, "digest_interval", a.cfg.Digest.Interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.poller.Run(gctx) })
	g.Go(func() error { return a.digest.Schedule(gctx, a.cfg.Digest.Interval) })
	g.Go(func() error { return a.bot.Listen(gctx, a.handler) })
	g.Go(func() error { return a.watchVIPFile(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("inboxpilot stopped")
	return nil
}
