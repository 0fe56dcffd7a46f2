// Package app wires the components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mverril/mailgate/internal/asyncjob"
	"github.com/mverril/mailgate/internal/captcha"
	"github.com/mverril/mailgate/internal/config"
	"github.com/mverril/mailgate/internal/dispatch"
	"github.com/mverril/mailgate/internal/mailer"
	"github.com/mverril/mailgate/internal/metrics"
	"github.com/mverril/mailgate/internal/spfcheck"
	"github.com/mverril/mailgate/internal/store"
	"github.com/mverril/mailgate/internal/ticket"
	"github.com/mverril/mailgate/internal/web"
)

// App is the main application
type App struct {
	config        *config.Config
	lists         *store.ListStore
	queries       *store.QueryStore
	cache         *asyncjob.Cache
	webServer     *web.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	codec, err := ticket.NewCodec(cfg.TicketKey(), cfg.Ticket.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket codec: %w", err)
	}

	lists, err := store.OpenLists(cfg.Storage.ListsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open list store: %w", err)
	}

	queries, err := store.OpenQueries(cfg.Storage.QueryDBPath)
	if err != nil {
		lists.Close()
		return nil, fmt.Errorf("failed to open query store: %w", err)
	}

	cache := asyncjob.New(cfg.Async.MaxWorkers, cfg.Async.ProducerTimeout,
		logger.With("component", "asyncjob"))

	mailClient := mailer.NewClient(cfg.Mail, logger.With("component", "mailer"))
	prober := mailer.NewProber(cfg.Mail.Timeout, localHostname(cfg),
		logger.With("component", "prober"))
	spfChecker := spfcheck.NewChecker(cfg.Mail.Timeout,
		logger.With("component", "spf"))
	gate := captcha.NewGate(cfg.Captcha, logger.With("component", "captcha"))

	dispatcher := dispatch.New(lists, queries, cache, mailClient, spfChecker, gate,
		logger.With("component", "dispatch"))
	dispatcher.SetBaseURL(cfg.Server.BaseURL)

	webServer := web.NewServer(codec, dispatcher, cache, prober, &cfg.Server,
		cfg.Captcha.SiteKey, logger.With("component", "web"))

	a := &App{
		config:    cfg,
		lists:     lists,
		queries:   queries,
		cache:     cache,
		webServer: webServer,
		logger:    logger,
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		cache.SetMetrics(m)
		dispatcher.SetRecorder(m)
		webServer.SetMetrics(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr)
	}

	if gate.Enabled() {
		logger.Info("captcha gating enabled")
	}
	if !mailClient.Enabled() {
		logger.Warn("outbound mail is disabled; confirmation messages will not be sent")
	}

	return a, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailgate",
		"listen_addr", a.config.Server.ListenAddr,
		"ticket_window", a.config.Ticket.Window,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		if err := a.webServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("web server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var firstErr error
	if err := a.webServer.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Let in-flight confirmation sends finish; they carry their own
	// timeouts.
	a.cache.Close()

	if err := a.queries.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.lists.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.logger.Info("shutdown complete")
	return firstErr
}

// localHostname picks the EHLO name for probes from the mail From
// domain when configured.
func localHostname(cfg *config.Config) string {
	if cfg.Mail.From != "" {
		for i := len(cfg.Mail.From) - 1; i >= 0; i-- {
			if cfg.Mail.From[i] == '@' {
				return cfg.Mail.From[i+1:]
			}
		}
	}
	return "localhost"
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
