// Package postgres runs SQL against a PostgreSQL database through pgx. Every
// statement executes inside a read-only transaction.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/chartsfromquery/c4q/internal/query"
)

const describeColumnsSQL = `
SELECT table_name, column_name
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`

type Engine struct {
	db     *sql.DB
	schema string
}

func NewEngine(db *sql.DB, schema string) *Engine {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	return &Engine{db: db, schema: schema}
}

func (e *Engine) Name() string {
	return "postgres"
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := query.StripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	var result query.Result
	err := e.readOnly(ctx, func(tx *sql.Tx) error {
		columns, rows, err := runQuery(ctx, tx, query.WithRowLimit(sqlText, request.RowLimit))
		if err != nil {
			return err
		}
		result = query.Result{Columns: columns, Rows: rows}
		return nil
	})
	if err != nil {
		return query.Result{}, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Engine) Describe(ctx context.Context, sampleRows int) ([]query.TableSchema, error) {
	if sampleRows <= 0 {
		sampleRows = 5
	}

	var schemas []query.TableSchema
	err := e.readOnly(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, describeColumnsSQL, e.schema)
		if err != nil {
			return fmt.Errorf("list columns: %w", err)
		}
		defer func() { _ = rows.Close() }()

		index := map[string]int{}
		for rows.Next() {
			var tableName, columnName string
			if err := rows.Scan(&tableName, &columnName); err != nil {
				return fmt.Errorf("scan column: %w", err)
			}
			i, ok := index[tableName]
			if !ok {
				i = len(schemas)
				index[tableName] = i
				schemas = append(schemas, query.TableSchema{TableName: tableName})
			}
			schemas[i].Columns = append(schemas[i].Columns, columnName)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate columns: %w", err)
		}
		_ = rows.Close()

		for i := range schemas {
			sampleSQL := fmt.Sprintf("SELECT * FROM %s.%s LIMIT %d", query.QuoteIdent(e.schema), query.QuoteIdent(schemas[i].TableName), sampleRows)
			_, sample, err := runQuery(ctx, tx, sampleSQL)
			if err != nil {
				return fmt.Errorf("sample table %q: %w", schemas[i].TableName, err)
			}
			schemas[i].SampleRows = sample
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return schemas, nil
}

func (e *Engine) readOnly(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}

func runQuery(ctx context.Context, tx *sql.Tx, sqlText string) ([]string, [][]any, error) {
	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, query.NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, resultRows, nil
}
