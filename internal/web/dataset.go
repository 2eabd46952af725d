package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/chartsfromquery/c4q/internal/config"
	"github.com/chartsfromquery/c4q/internal/dataset"
)

const uploadFormOverhead = 1 << 20

type datasetResponse struct {
	Name        string     `json:"name"`
	Headers     []string   `json:"headers"`
	Rows        [][]string `json:"rows"`
	RowCount    int        `json:"row_count"`
	ColumnCount int        `json:"column_count"`
	Truncated   bool       `json:"truncated"`
}

func handleUploadDataset(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSession(deps, w, r) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, cfg.Upload.MaxBytes+uploadFormOverhead)
	if err := r.ParseMultipartForm(cfg.Upload.MaxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "uploaded file exceeds the size limit", false, map[string]any{"max_bytes": cfg.Upload.MaxBytes})
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_UPLOAD", "request must be multipart/form-data", false, map[string]any{"details": err.Error()})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "FILE_REQUIRED", "form field \"file\" is required", false, nil)
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > cfg.Upload.MaxBytes {
		writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "uploaded file exceeds the size limit", false, map[string]any{"max_bytes": cfg.Upload.MaxBytes})
		return
	}

	built, err := deps.Session.Upload(r.Context(), header.Filename, file)
	if err != nil {
		writeUploadError(w, r, header.Filename, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDatasetResponse(built, 0))
}

func writeUploadError(w http.ResponseWriter, r *http.Request, filename string, err error) {
	var parseErr *dataset.ParseError
	switch {
	case errors.Is(err, dataset.ErrUnsupportedFormat):
		writeError(r.Context(), w, http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Only CSV file support is currently implemented.", false, map[string]any{"file": filename})
	case errors.Is(err, dataset.ErrNoData):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "NO_DATA", "No data found in file.", false, map[string]any{"file": filename})
	case errors.As(err, &parseErr):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "CSV_PARSE_FAILED", "Error parsing CSV: "+parseErr.Err.Error(), false, map[string]any{"file": filename, "line": parseErr.Line})
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "UPLOAD_FAILED", "failed to read uploaded file", true, map[string]any{"details": err.Error()})
	}
}

func handleGetDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSession(deps, w, r) {
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}

	current, ok := deps.Session.Dataset()
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "NO_DATASET", "no dataset has been uploaded", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, newDatasetResponse(current, limit))
}

func newDatasetResponse(ds dataset.Dataset, limit int) datasetResponse {
	rows := ds.Rows
	truncated := false
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
		truncated = true
	}
	return datasetResponse{
		Name:        ds.Name,
		Headers:     ds.Headers,
		Rows:        rows,
		RowCount:    ds.RowCount(),
		ColumnCount: ds.ColumnCount(),
		Truncated:   truncated,
	}
}
