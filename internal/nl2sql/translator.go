// Package nl2sql turns a natural-language request plus schema context into a
// single read-only SQL statement.
package nl2sql

import (
	"context"
	"errors"
)

var ErrNoTables = errors.New("no tables available for translation")

type TableContext struct {
	TableName  string   `json:"table_name"`
	Columns    []string `json:"columns"`
	SampleRows [][]any  `json:"sample_rows"`
}

type Request struct {
	NaturalLanguage string         `json:"natural_language"`
	Dialect         string         `json:"dialect"`
	Tables          []TableContext `json:"tables"`
}

type Result struct {
	SQL      string `json:"sql"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Cached   bool   `json:"cached"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}
