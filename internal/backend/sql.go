package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chartsfromquery/c4q/internal/nl2sql"
	"github.com/chartsfromquery/c4q/internal/observability"
	"github.com/chartsfromquery/c4q/internal/query"
)

type generateSQLRequest struct {
	Prompt string `json:"prompt"`
}

type generateSQLResponse struct {
	SQL      string `json:"sql"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Cached   bool   `json:"cached"`
}

type runSQLRequest struct {
	SQL string `json:"sql"`
}

type runSQLResponse struct {
	Data     []map[string]any `json:"data"`
	Columns  []string         `json:"columns"`
	RowCount int              `json:"row_count"`
	Stats    map[string]any   `json:"stats"`
}

func (s *server) handleGenerateSQL(w http.ResponseWriter, r *http.Request) {
	if s.deps.Translator == nil || s.deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TRANSLATE_NOT_CONFIGURED", "sql generation is not configured", false, nil)
		return
	}

	var req generateSQLRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid generate_sql request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "PROMPT_REQUIRED", "prompt is required", false, nil)
		return
	}

	tables, err := s.tableContexts(r.Context())
	if err != nil {
		if errors.Is(err, query.ErrNoTables) {
			writeError(r.Context(), w, http.StatusConflict, "NO_TABLES", "no data files are loaded", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_FETCH_FAILED", "failed to load schema context", true, map[string]any{"details": err.Error()})
		return
	}

	result, err := s.deps.Translator.Translate(r.Context(), nl2sql.Request{
		NaturalLanguage: req.Prompt,
		Dialect:         dialect(s.deps.Engine),
		Tables:          tables,
	})
	if err != nil {
		if errors.Is(err, nl2sql.ErrNoTables) {
			writeError(r.Context(), w, http.StatusConflict, "NO_TABLES", "no data files are loaded", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadGateway, "TRANSLATE_FAILED", "failed to translate query", true, map[string]any{"details": err.Error()})
		return
	}

	s.deps.Logger.InfoContext(r.Context(), "sql generated",
		"trace_id", observability.TraceIDFromContext(r.Context()),
		"provider", result.Provider,
		"model", result.Model,
		"cached", result.Cached,
	)
	writeJSON(w, http.StatusOK, generateSQLResponse{
		SQL:      result.SQL,
		Provider: result.Provider,
		Model:    result.Model,
		Cached:   result.Cached,
	})
}

func (s *server) handleRunSQL(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}

	var req runSQLRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid run_sql request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	if !query.IsReadOnly(req.SQL) {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_NOT_ALLOWED", "only read-only SELECT/WITH queries are allowed", false, nil)
		return
	}

	result, err := s.deps.Engine.Execute(r.Context(), query.Request{SQL: req.SQL, RowLimit: s.cfg.Backend.RowLimit})
	observability.ObserveBackendQuery(s.deps.Engine.Name(), err)
	if err != nil {
		if errors.Is(err, query.ErrNoTables) {
			writeError(r.Context(), w, http.StatusConflict, "NO_TABLES", "no data files are loaded", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, runSQLResponse{
		Data:     query.Records(result.Columns, result.Rows),
		Columns:  result.Columns,
		RowCount: len(result.Rows),
		Stats: map[string]any{
			"engine":        s.deps.Engine.Name(),
			"duration_ms":   result.Duration.Milliseconds(),
			"scanned_files": result.ScannedFiles,
			"scanned_bytes": result.ScannedBytes,
		},
	})
}

func (s *server) tableContexts(ctx context.Context) ([]nl2sql.TableContext, error) {
	schemas, err := s.deps.Engine.Describe(ctx, s.cfg.Backend.SchemaSampleRows)
	if err != nil {
		return nil, fmt.Errorf("describe tables: %w", err)
	}
	tables := make([]nl2sql.TableContext, 0, len(schemas))
	for _, schema := range schemas {
		tables = append(tables, nl2sql.TableContext{
			TableName:  schema.TableName,
			Columns:    schema.Columns,
			SampleRows: schema.SampleRows,
		})
	}
	return tables, nil
}
