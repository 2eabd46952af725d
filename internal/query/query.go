// Package query runs read-only SQL for the dev backend's run_sql endpoint.
package query

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// ErrNoTables reports that the engine has nothing to query yet.
var ErrNoTables = errors.New("no queryable tables")

type Request struct {
	SQL      string
	RowLimit int
}

type Result struct {
	Columns      []string
	Rows         [][]any
	ScannedFiles int
	ScannedBytes int64
	Duration     time.Duration
}

// TableSchema is the schema context handed to SQL generation.
type TableSchema struct {
	TableName  string   `json:"table_name"`
	Columns    []string `json:"columns"`
	SampleRows [][]any  `json:"sample_rows"`
}

type Engine interface {
	Name() string
	Execute(ctx context.Context, request Request) (Result, error)
	Describe(ctx context.Context, sampleRows int) ([]TableSchema, error)
}

// IsReadOnly accepts a single SELECT or WITH statement.
func IsReadOnly(sqlText string) bool {
	normalized := strings.ToLower(StripTrailingSemicolons(sqlText))
	if normalized == "" || strings.Contains(normalized, ";") {
		return false
	}
	return strings.HasPrefix(normalized, "select") || strings.HasPrefix(normalized, "with")
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// WithRowLimit wraps a statement so that at most limit rows come back.
func WithRowLimit(sqlText string, limit int) string {
	sqlText = StripTrailingSemicolons(sqlText)
	if limit <= 0 {
		return sqlText
	}
	return "SELECT * FROM (" + sqlText + ") AS q LIMIT " + strconv.Itoa(limit)
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

// Records turns positional rows into column-keyed objects.
func Records(columns []string, rows [][]any) []map[string]any {
	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		record := make(map[string]any, len(columns))
		for i, column := range columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}

// NormalizeValues converts driver values into JSON-friendly ones.
func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case interface{ Float64() float64 }:
			normalized[i] = typed.Float64()
		case *big.Int:
			if typed.IsInt64() {
				normalized[i] = typed.Int64()
			} else {
				normalized[i] = typed.String()
			}
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
