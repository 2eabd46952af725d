package upstream

import (
	"bytes"
	"encoding/json"
	"strings"
)

type GenerateSQLRequest struct {
	Prompt string `json:"prompt"`
}

type GenerateSQLResponse struct {
	SQL json.RawMessage `json:"sql"`
}

// SQLText returns the generated statement when the service sent a non-blank string.
func (r GenerateSQLResponse) SQLText() (string, bool) {
	var sql string
	if err := json.Unmarshal(r.SQL, &sql); err != nil {
		return "", false
	}
	if strings.TrimSpace(sql) == "" {
		return "", false
	}
	return sql, true
}

type RunSQLRequest struct {
	SQL string `json:"sql"`
}

// RunSQLResponse keeps data and columns as raw JSON so they can be forwarded
// to explain_chart unchanged.
type RunSQLResponse struct {
	Data    json.RawMessage `json:"data"`
	Columns json.RawMessage `json:"columns"`
}

// RowCount reports the length of data when it is a JSON array.
func (r RunSQLResponse) RowCount() (int, bool) {
	var rows []json.RawMessage
	if err := json.Unmarshal(r.Data, &rows); err != nil || rows == nil {
		return 0, false
	}
	return len(rows), true
}

type ExplainChartRequest struct {
	Prompt  string          `json:"prompt"`
	Data    json.RawMessage `json:"data"`
	Columns json.RawMessage `json:"columns,omitempty"`
}

type ExplainChartResponse struct {
	Chart       json.RawMessage `json:"chart"`
	Explanation json.RawMessage `json:"explanation"`
}

func (r ExplainChartResponse) ExplanationText() (string, bool) {
	var text string
	if err := json.Unmarshal(r.Explanation, &text); err != nil || text == "" {
		return "", false
	}
	return text, true
}

// HasChart treats missing, null, false, 0 and "" as no chart.
func (r ExplainChartResponse) HasChart() bool {
	trimmed := bytes.TrimSpace(r.Chart)
	if len(trimmed) == 0 {
		return false
	}
	switch string(trimmed) {
	case "null", "false", `""`:
		return false
	}
	var number json.Number
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(&number); err == nil {
		value, err := number.Float64()
		return err != nil || value != 0
	}
	return true
}
