package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chartsfromquery/c4q/internal/backend"
	"github.com/chartsfromquery/c4q/internal/config"
	"github.com/chartsfromquery/c4q/internal/demo"
	"github.com/chartsfromquery/c4q/internal/nl2sql"
	"github.com/chartsfromquery/c4q/internal/observability"
	"github.com/chartsfromquery/c4q/internal/query"
	duckdbengine "github.com/chartsfromquery/c4q/internal/query/duckdb"
	postgresengine "github.com/chartsfromquery/c4q/internal/query/postgres"
	"github.com/chartsfromquery/c4q/internal/storage"
	localstore "github.com/chartsfromquery/c4q/internal/storage/local"
	s3store "github.com/chartsfromquery/c4q/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv(config.BackendServiceName)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	objectStore, err := openObjectStore(context.Background(), cfg.ObjectStore)
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	var engine query.Engine
	switch cfg.Backend.Engine {
	case "postgres":
		var db *sql.DB
		db, err = postgresengine.Open(context.Background(), postgresengine.DBConfig{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open postgres db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		engine = postgresengine.NewEngine(db, cfg.Postgres.Schema)
	default:
		engine = duckdbengine.NewEngine(objectStore, cfg.Backend.DataPrefix)
		if cfg.Backend.SeedDemo {
			info, written, err := demo.Seed(context.Background(), objectStore, demo.SeedConfig{Prefix: cfg.Backend.DataPrefix, Seed: 1})
			if err != nil {
				logger.Error("failed to seed demo dataset", slog.Any("error", err))
				os.Exit(1)
			}
			if written {
				logger.Info("seeded demo dataset", slog.String("key", info.Key), slog.Int64("size", info.Size))
			}
		}
	}

	translator, err := newTranslator(cfg.AI)
	if err != nil {
		logger.Error("failed to initialize query translator", slog.Any("error", err))
		os.Exit(1)
	}

	handler := backend.NewRouter(cfg, backend.Dependencies{
		Logger:         logger,
		Engine:         engine,
		Translator:     translator,
		Store:          objectStore,
		RequestTimeout: cfg.HTTP.WriteTimeout,
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
		logger.Info("starting dev backend",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("engine", engine.Name()),
			slog.String("object_store", cfg.ObjectStore.Kind),
			slog.String("ai_provider", cfg.AI.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("dev backend failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down dev backend")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func openObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (storage.ObjectStore, error) {
	switch cfg.Kind {
	case "s3":
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.Endpoint,
			Region:           cfg.Region,
			Bucket:           cfg.Bucket,
			AccessKeyID:      cfg.AccessKeyID,
			SecretAccessKey:  cfg.SecretAccessKey,
			UseSSL:           cfg.UseSSL,
			Prefix:           cfg.Prefix,
			AutoCreateBucket: cfg.AutoCreateBucket,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "local":
		store, err := localstore.New(cfg.LocalDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported object store kind %q", cfg.Kind)
	}
}

func newTranslator(cfg config.AIConfig) (nl2sql.Translator, error) {
	var (
		translator nl2sql.Translator
		err        error
	)
	switch cfg.Provider {
	case "openai":
		translator, err = nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	case "anthropic":
		translator, err = nl2sql.NewAnthropicTranslator(nl2sql.AnthropicConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	default:
		translator = nl2sql.NewLocalTranslator()
	}
	if err != nil {
		return nil, err
	}
	return nl2sql.NewCachingTranslator(translator, cfg.CacheTTL), nil
}
