// Package duckdb runs SQL in an embedded DuckDB over CSV and parquet objects
// pulled from an object store. Each object becomes a view named after its
// file stem.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/chartsfromquery/c4q/internal/query"
	"github.com/chartsfromquery/c4q/internal/storage"
)

type Engine struct {
	Store      storage.ObjectStore
	DataPrefix string
}

type tableFile struct {
	TableName     string
	ObjectPath    string
	Format        string
	FileSizeBytes int64
}

type workspace struct {
	db     *sql.DB
	dir    string
	files  []tableFile
	tables []string
	bytes  int64
}

func NewEngine(store storage.ObjectStore, dataPrefix string) *Engine {
	return &Engine{Store: store, DataPrefix: dataPrefix}
}

func (e *Engine) Name() string {
	return "duckdb"
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := query.StripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	ws, err := e.open(ctx)
	if err != nil {
		return query.Result{}, err
	}
	defer ws.close()

	columns, rows, err := runQuery(ctx, ws.db, query.WithRowLimit(sqlText, request.RowLimit))
	if err != nil {
		return query.Result{}, err
	}
	return query.Result{
		Columns:      columns,
		Rows:         rows,
		ScannedFiles: len(ws.files),
		ScannedBytes: ws.bytes,
		Duration:     time.Since(start),
	}, nil
}

func (e *Engine) Describe(ctx context.Context, sampleRows int) ([]query.TableSchema, error) {
	if sampleRows <= 0 {
		sampleRows = 5
	}
	ws, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	defer ws.close()

	schemas := make([]query.TableSchema, 0, len(ws.tables))
	for _, table := range ws.tables {
		columns, rows, err := runQuery(ctx, ws.db, fmt.Sprintf("SELECT * FROM %s LIMIT %d", query.QuoteIdent(table), sampleRows))
		if err != nil {
			return nil, fmt.Errorf("sample table %q: %w", table, err)
		}
		schemas = append(schemas, query.TableSchema{TableName: table, Columns: columns, SampleRows: rows})
	}
	return schemas, nil
}

func (e *Engine) open(ctx context.Context) (*workspace, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	files, err := e.listTableFiles(ctx)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no csv or parquet files found under %q", query.ErrNoTables, e.DataPrefix)
	}

	workDir, err := os.MkdirTemp("", "c4q-query-")
	if err != nil {
		return nil, fmt.Errorf("create query temp dir: %w", err)
	}
	ws := &workspace{dir: workDir, files: files}

	grouped := map[string][]string{}
	formats := map[string]string{}
	for index, file := range files {
		if existing, ok := formats[file.TableName]; ok && existing != file.Format {
			ws.close()
			return nil, fmt.Errorf("table %q mixes %s and %s files", file.TableName, existing, file.Format)
		}
		formats[file.TableName] = file.Format

		reader, err := e.Store.Get(ctx, file.ObjectPath)
		if err != nil {
			ws.close()
			return nil, fmt.Errorf("get object %q: %w", file.ObjectPath, err)
		}
		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.%s", sanitizeFileComponent(file.TableName), index, file.Format))
		if err := writeFile(localPath, reader); err != nil {
			_ = reader.Close()
			ws.close()
			return nil, fmt.Errorf("write local data file %q: %w", localPath, err)
		}
		if err := reader.Close(); err != nil {
			ws.close()
			return nil, fmt.Errorf("close object %q: %w", file.ObjectPath, err)
		}
		grouped[file.TableName] = append(grouped[file.TableName], localPath)
		ws.bytes += file.FileSizeBytes
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		ws.close()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	ws.db = db

	for tableName, localPaths := range grouped {
		reader := "read_parquet"
		if formats[tableName] == "csv" {
			reader = "read_csv_auto"
		}
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM %s(%s)`, query.QuoteIdent(tableName), reader, quoteStringArray(localPaths))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			ws.close()
			return nil, fmt.Errorf("create view for table %q: %w", tableName, err)
		}
		ws.tables = append(ws.tables, tableName)
	}
	sort.Strings(ws.tables)
	return ws, nil
}

func (e *Engine) listTableFiles(ctx context.Context) ([]tableFile, error) {
	objects, err := e.Store.List(ctx, e.DataPrefix)
	if err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}
	files := make([]tableFile, 0, len(objects))
	for _, object := range objects {
		format, ok := storage.FormatFromKey(object.Key)
		if !ok {
			continue
		}
		tableName, ok := storage.TableNameFromKey(object.Key)
		if !ok {
			continue
		}
		files = append(files, tableFile{
			TableName:     tableName,
			ObjectPath:    object.Key,
			Format:        format,
			FileSizeBytes: object.Size,
		})
	}
	return files, nil
}

func (ws *workspace) close() {
	if ws.db != nil {
		_ = ws.db.Close()
	}
	_ = os.RemoveAll(ws.dir)
}

func runQuery(ctx context.Context, db *sql.DB, sqlText string) ([]string, [][]any, error) {
	rows, err := db.QueryContext(ctx, sqlText)
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

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
