package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"feedwindow/internal/config"
	"feedwindow/internal/logging"
	"feedwindow/internal/retry"
	"feedwindow/internal/rss"
	"feedwindow/internal/service"
	"feedwindow/internal/storage"
	"feedwindow/internal/window"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "feedwindow",
		Short: "Aggregate RSS and Atom feeds into a rolling article window",
		Long: `feedwindow polls a list of RSS and Atom sources, merges their items into a
48 hour window of articles and serves the result as JSON on /articles.

Without a subcommand it runs the server and the polling loop.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve /articles and refresh on every poll interval",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Run a single refresh cycle and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runRefresh(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Fetch every source and report how it parses, without storing anything",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runCheck(cmd.Context())
			},
		},
	)
	return root
}

type app struct {
	cfg    config.Config
	logger *log.Logger
	kv     storage.KV
	svc    *service.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	kv, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}

	backoff := retry.New(cfg.MaxRetries, cfg.RetryDelay, logger)
	snapshots := storage.NewSnapshotStore(kv, backoff, logger)
	fetcher := rss.NewFetcher(nil, rss.FetcherOptions{
		Timeout:       cfg.FetchTimeout,
		UserAgent:     cfg.UserAgent,
		RatePerSecond: cfg.FetchRate,
	}, logger)
	sources := func() ([]rss.Source, error) {
		return config.LoadSources(cfg.SourcesFile)
	}

	svc := service.NewService(fetcher, window.NewEngine(cfg.Retention), snapshots, sources, logger, cfg)
	return &app{cfg: cfg, logger: logger, kv: kv, svc: svc}, nil
}

func (a *app) close() {
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("close store failed", "error", err)
	}
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("starting feedwindow",
		"store", a.cfg.Store,
		"sources_file", a.cfg.SourcesFile,
		"poll_interval", a.cfg.PollInterval,
		"retention", a.cfg.Retention)
	return a.svc.Run(ctx)
}

func runRefresh(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.svc.RunOnce(ctx)
	if err != nil {
		return err
	}
	for _, f := range report.Failures {
		a.logger.Warn("source contributed nothing", "source", f.Source, "reason", f.Reason)
	}
	return nil
}

func runCheck(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	checks, err := a.svc.Check(ctx)
	if err != nil {
		return err
	}

	failed := 0
	for _, c := range checks {
		logger := a.logger.With("source", c.Source.Name, "url", c.Source.FeedURL)
		if c.FetchErr != nil {
			failed++
			logger.Error("fetch failed", "status", c.Status, "error", c.FetchErr)
			continue
		}
		in := c.Inspection
		if in.ParseErr != nil {
			failed++
			logger.Error("no articles extracted", "error", in.ParseErr, "declared", in.DeclaredType)
			continue
		}
		if !in.Agrees() {
			logger.Warn("structural and declared readings differ",
				"format", in.Format, "articles", in.Articles,
				"declared", in.DeclaredType, "items", in.Items, "gofeed_error", in.GofeedErr)
			continue
		}
		logger.Info("ok", "format", in.Format, "articles", in.Articles, "title", in.Title)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d sources unusable", failed, len(checks))
	}
	return nil
}
