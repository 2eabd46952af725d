// Package web serves the landing page, the app page and the JSON API behind it.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chartsfromquery/c4q/internal/config"
	"github.com/chartsfromquery/c4q/internal/conversation"
	"github.com/chartsfromquery/c4q/internal/dataset"
	"github.com/chartsfromquery/c4q/internal/observability"
	"github.com/chartsfromquery/c4q/internal/pipeline"
	"github.com/chartsfromquery/c4q/internal/session"
)

type ReadinessCheck func(ctx context.Context) error

// Session is the per-page state the handlers read and mutate.
type Session interface {
	Upload(ctx context.Context, name string, r io.Reader) (dataset.Dataset, error)
	Dataset() (dataset.Dataset, bool)
	Submit(ctx context.Context, input string) (<-chan pipeline.Result, error)
	Messages() []conversation.Message
	MessagesSince(n int) []conversation.Message
	Visualizations() []conversation.Visualization
	Snapshot() session.Snapshot
	SetTab(tab session.Tab) error
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	DependencyTimeout time.Duration
	Session           Session
	UI                http.Handler
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/dataset", func(w http.ResponseWriter, r *http.Request) {
		handleUploadDataset(cfg, deps, w, r)
	})
	mux.HandleFunc("GET /v1/dataset", func(w http.ResponseWriter, r *http.Request) {
		handleGetDataset(deps, w, r)
	})
	mux.HandleFunc("POST /v1/chat", func(w http.ResponseWriter, r *http.Request) {
		handleSubmitChat(deps, w, r)
	})
	mux.HandleFunc("GET /v1/chat", func(w http.ResponseWriter, r *http.Request) {
		handleListChat(deps, w, r)
	})
	mux.HandleFunc("GET /v1/visualizations", func(w http.ResponseWriter, r *http.Request) {
		handleListVisualizations(deps, w, r)
	})
	mux.HandleFunc("GET /v1/session", func(w http.ResponseWriter, r *http.Request) {
		if !requireSession(deps, w, r) {
			return
		}
		writeJSON(w, http.StatusOK, deps.Session.Snapshot())
	})
	mux.HandleFunc("PUT /v1/session/tab", func(w http.ResponseWriter, r *http.Request) {
		handleSetTab(deps, w, r)
	})

	if deps.UI != nil {
		mux.Handle("GET /{path...}", deps.UI)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares,
			observability.LoggingMiddleware(deps.Logger),
			observability.RecoverMiddleware(deps.Logger),
		)
	}
	return chain(mux, middlewares...)
}

// CheckUpstreamConfig reports not ready until an upstream base URL is set.
func CheckUpstreamConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Upstream.BaseURL == "" {
			return errors.New("upstream base url is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func requireSession(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Session == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSION_NOT_CONFIGURED", "session is not configured", false, nil)
		return false
	}
	return true
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
