// Package backend is a development implementation of the three endpoints the
// web client calls: generate_sql, run_sql and explain_chart. It also exposes
// the data files it queries so they can be managed over HTTP.
package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chartsfromquery/c4q/internal/config"
	"github.com/chartsfromquery/c4q/internal/nl2sql"
	"github.com/chartsfromquery/c4q/internal/observability"
	"github.com/chartsfromquery/c4q/internal/query"
	"github.com/chartsfromquery/c4q/internal/storage"
)

type Dependencies struct {
	Logger     *slog.Logger
	Engine     query.Engine
	Translator nl2sql.Translator
	// Store enables the /datasets routes. It should be the store the engine reads.
	Store          storage.ObjectStore
	RequestTimeout time.Duration
}

type server struct {
	cfg  config.Config
	deps Dependencies
}

func NewRouter(cfg config.Config, deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &server{cfg: cfg, deps: deps}

	r := chi.NewRouter()
	r.Use(observability.TraceMiddleware)
	r.Use(observability.MetricsMiddleware)
	r.Use(observability.LoggingMiddleware(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		engine := ""
		if deps.Engine != nil {
			engine = deps.Engine.Name()
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name, "engine": engine})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/generate_sql", s.handleGenerateSQL)
	r.Post("/run_sql", s.handleRunSQL)
	r.Post("/explain_chart", s.handleExplainChart)

	r.Route("/datasets", func(r chi.Router) {
		r.Get("/", s.handleListDatasets)
		r.Put("/{name}", s.handlePutDataset)
		r.Get("/{name}", s.handleStatDataset)
		r.Delete("/{name}", s.handleDeleteDataset)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "route not found", false, map[string]any{"path": r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", false, map[string]any{"method": r.Method})
	})
	return r
}

// dialect names the SQL flavour the translator should target.
func dialect(engine query.Engine) string {
	switch engine.Name() {
	case "postgres":
		return "PostgreSQL"
	default:
		return "DuckDB"
	}
}

func decodeBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
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
