package backend

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chartsfromquery/c4q/internal/chart"
)

type explainChartRequest struct {
	Prompt  string          `json:"prompt"`
	Data    json.RawMessage `json:"data"`
	Columns json.RawMessage `json:"columns,omitempty"`
}

type explainChartResponse struct {
	Chart       chart.Spec `json:"chart"`
	Explanation string     `json:"explanation"`
}

func (s *server) handleExplainChart(w http.ResponseWriter, r *http.Request) {
	var req explainChartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid explain_chart request body", false, map[string]any{"details": err.Error()})
		return
	}
	if len(req.Data) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "DATA_REQUIRED", "data is required", false, nil)
		return
	}

	table, err := chart.DecodeTable(req.Data, req.Columns)
	if err != nil {
		if errors.Is(err, chart.ErrNoRows) {
			writeError(r.Context(), w, http.StatusUnprocessableEntity, "NO_ROWS", "data has no rows to chart", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_DATA", "data must be an array of records or rows", false, map[string]any{"details": err.Error()})
		return
	}

	spec, explanation, err := chart.Derive(req.Prompt, table)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "CHART_FAILED", "failed to derive chart", false, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, explainChartResponse{Chart: spec, Explanation: explanation})
}
