package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chartsfromquery/c4q/internal/config"
	"github.com/chartsfromquery/c4q/internal/observability"
	"github.com/chartsfromquery/c4q/internal/session"
	"github.com/chartsfromquery/c4q/internal/upstream"
	"github.com/chartsfromquery/c4q/internal/web"
	"github.com/chartsfromquery/c4q/internal/web/uistatic"
)

func main() {
	cfg, err := config.LoadFromEnv(config.WebServiceName)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	client, err := upstream.NewClient(upstream.Config{
		BaseURL:          cfg.Upstream.BaseURL,
		Timeout:          cfg.Upstream.Timeout,
		GenerateSQLPath:  cfg.Upstream.GenerateSQLPath,
		RunSQLPath:       cfg.Upstream.RunSQLPath,
		ExplainChartPath: cfg.Upstream.ExplainChartPath,
	})
	if err != nil {
		logger.Error("failed to initialize upstream client", slog.Any("error", err))
		os.Exit(1)
	}

	state := session.New(client, session.Options{
		RunTimeout: cfg.Pipeline.RunTimeout,
		Logger:     logger,
	})

	handler := web.NewHandler(cfg, web.Dependencies{
		Logger:            logger,
		Session:           state,
		UI:                uistatic.Handler(),
		Readiness:         web.CombineReadinessChecks(web.CheckUpstreamConfig(cfg)),
		DependencyTimeout: time.Second,
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting web server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("upstream", client.BaseURL()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("web server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down web server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
	state.Wait()
}
