// Package internal provides the main application initialization and runtime logic.
package internal

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/trellis/internal/api"
	"github.com/starford/trellis/internal/mcpserver"
	"github.com/starford/trellis/internal/reconcile"
)

// NewLogger returns the JSON logger every mode uses. It writes to stderr so
// stdout stays free for command output and the MCP stream.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{mode: ModeServe, version: "dev"}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := app.logger
	if logger == nil {
		logger = NewLogger(cfg.App.LogLevel)
	}
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("mode", string(app.mode)),
		slog.String("repo_path", cfg.Repo.Path),
		slog.String("pattern", cfg.Repo.Pattern),
		slog.String("log_level", cfg.App.LogLevel.String()))

	stack, err := NewStack(cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	if res, err := stack.Engine.Reconcile(ctx, reconcile.Options{}); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
		}
	} else {
		logFindings(logger, res)
	}

	switch app.mode {
	case ModeMCP:
		srv := mcpserver.New(stack.Service, app.version, cfg.Context.Budget, cfg.Context.RefBudget)
		return srv.ServeStdio()
	case ModeWatch:
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return stack.Engine.Watch(ctx, stack.Root, watchCallback(logger))
	case ModeServe:
		return serve(ctx, cfg, stack, logger)
	default:
		return fmt.Errorf("unknown mode %q", app.mode)
	}
}

func watchCallback(logger *slog.Logger) reconcile.ResultCallback {
	return func(res *reconcile.Result, err error) {
		if err != nil {
			return
		}
		logFindings(logger, res)
	}
}

func logFindings(logger *slog.Logger, res *reconcile.Result) {
	for _, f := range res.Findings {
		logger.Warn("document skipped",
			slog.String("kind", string(f.Kind)),
			slog.String("path", f.Path),
			slog.String("error", f.Error()))
	}
}

func serve(ctx context.Context, cfg *Config, stack *Stack, logger *slog.Logger) error {
	apiRouter := api.NewRouter(stack.Service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, api.ContextDefaults{
		Budget:    cfg.Context.Budget,
		RefBudget: cfg.Context.RefBudget,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := stack.DB.SchemaVersion(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Keep the cache current between requests.
	g.Go(func() error {
		return stack.Engine.Watch(gCtx, stack.Root, watchCallback(logger))
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the watcher stops with the server.
var errShutdown = errors.New("shutdown")
