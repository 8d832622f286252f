package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/epubfeed/internal/api"
	"github.com/kalambet/epubfeed/internal/config"
	"github.com/kalambet/epubfeed/internal/epub"
	"github.com/kalambet/epubfeed/internal/extract"
	"github.com/kalambet/epubfeed/internal/feed"
	"github.com/kalambet/epubfeed/internal/ingest"
	"github.com/kalambet/epubfeed/internal/metrics"
	"github.com/kalambet/epubfeed/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status and request counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

// service holds the components shared by serve and mcp.
type service struct {
	cfg          config.Config
	store        *storage.Store
	feed         *feed.Store
	orchestrator *ingest.Orchestrator
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func newService(cfg config.Config, logger *slog.Logger) (*service, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	feedStore, err := feed.NewStore(feed.Options{
		Path:       cfg.Storage.FeedPath,
		MaxEntries: cfg.Feed.MaxEntries,
		Title:      cfg.Feed.Title,
		Link:       cfg.Server.PublicURL,
		SelfURL:    cfg.Server.PublicURL + "/rss.xml",
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening feed: %w", err)
	}

	packager, err := epub.New(epub.Options{
		Command:     cfg.Packaging.Command,
		Args:        cfg.PackagingArgs(),
		InputFormat: cfg.Packaging.InputFormat,
		Timeout:     cfg.Packaging.Timeout,
		Concurrency: cfg.Packaging.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("configuring packager: %w", err)
	}

	m := metrics.New()
	orch, err := ingest.NewOrchestrator(ingest.Options{
		Extractor: extract.New(extract.Options{
			Timeout:   cfg.Extract.Timeout,
			MaxBytes:  int64(cfg.Extract.MaxBytes),
			UserAgent: cfg.Extract.UserAgent,
			Logger:    logger,
		}),
		Packager:      packager,
		Feed:          feedStore,
		Store:         store,
		Metrics:       m,
		Logger:        logger,
		EpubDir:       cfg.Storage.EpubDir,
		PublicURL:     cfg.Server.PublicURL,
		ExcerptLength: cfg.Feed.ExcerptLength,
		IncludeFailed: cfg.Feed.IncludeFailed,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &service{cfg: cfg, store: store, feed: feedStore, orchestrator: orch, metrics: m, logger: logger}, nil
}

// background starts the feed watcher and the resync worker.
func (s *service) background(ctx context.Context) {
	go func() {
		if err := s.feed.Watch(ctx); err != nil {
			s.logger.Error("feed watcher stopped", "error", err)
		}
	}()
	syncer := ingest.NewFeedSyncer(s.store, s.feed, s.cfg.Server.PublicURL, 30*time.Second, s.logger.With("component", "feed-sync"))
	go syncer.Run(ctx)
}

func (s *service) Close() error {
	return s.store.Close()
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "epubfeed version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	svc.background(ctx)

	handler := api.NewRouter(api.Deps{
		Submitter: svc.orchestrator,
		Feed:      svc.feed,
		Requests:  svc.store,
		EpubDir:   cfg.Storage.EpubDir,
		PublicURL: cfg.Server.PublicURL,
		Token:     cfg.Auth.APIToken,
		Metrics:   svc.metrics.Handler(),
		Logger:    logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("epubfeed listening", "addr", addr, "public_url", cfg.Server.PublicURL, "feed", cfg.Storage.FeedPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// In-flight submissions get time to finish their feed write.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://%s:%d", clientHost(cfg.Server.Host), cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on %s", serverURL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}
	printStatus("Public URL", "%s", cfg.Server.PublicURL)
	printStatus("Converter", "%s %s", cfg.Packaging.Command, cfg.Packaging.Args)

	if info, err := os.Stat(cfg.Storage.FeedPath); err == nil {
		printStatus("Feed", "%s (%s, updated %s)", cfg.Storage.FeedPath, humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
	} else {
		printStatus("Feed", "%s (not written yet)", cfg.Storage.FeedPath)
	}

	if entries, err := os.ReadDir(cfg.Storage.EpubDir); err == nil {
		var total int64
		count := 0
		for _, e := range entries {
			if info, err := e.Info(); err == nil && strings.HasSuffix(e.Name(), ".epub") {
				total += info.Size()
				count++
			}
		}
		printStatus("E-books", "%d (%s)", count, humanize.Bytes(uint64(total)))
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		printWarning("could not open request store: %v", err)
		return nil
	}
	defer store.Close()
	counts, err := store.CountByStatus()
	if err != nil {
		printWarning("could not count requests: %v", err)
		return nil
	}
	printStatus("Requests", "%s completed, %s failed, %s pending",
		humanize.Comma(int64(counts[storage.StatusCompleted])),
		humanize.Comma(int64(counts[storage.StatusFailed])),
		humanize.Comma(int64(counts[storage.StatusPending])),
	)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
