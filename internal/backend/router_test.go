package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chartsfromquery/c4q/internal/config"
	"github.com/chartsfromquery/c4q/internal/conversation"
	"github.com/chartsfromquery/c4q/internal/nl2sql"
	"github.com/chartsfromquery/c4q/internal/observability"
	"github.com/chartsfromquery/c4q/internal/pipeline"
	"github.com/chartsfromquery/c4q/internal/query"
	"github.com/chartsfromquery/c4q/internal/storage/local"
	"github.com/chartsfromquery/c4q/internal/upstream"
)

type fakeEngine struct {
	name     string
	schemas  []query.TableSchema
	result   query.Result
	err      error
	requests []query.Request
}

func (f *fakeEngine) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeEngine) Execute(_ context.Context, request query.Request) (query.Result, error) {
	f.requests = append(f.requests, request)
	if f.err != nil {
		return query.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeEngine) Describe(context.Context, int) ([]query.TableSchema, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.schemas, nil
}

type recordingTranslator struct {
	requests []nl2sql.Request
	result   nl2sql.Result
	err      error
}

func (r *recordingTranslator) Translate(_ context.Context, req nl2sql.Request) (nl2sql.Result, error) {
	r.requests = append(r.requests, req)
	return r.result, r.err
}

func salesEngine() *fakeEngine {
	return &fakeEngine{
		schemas: []query.TableSchema{{
			TableName:  "sales",
			Columns:    []string{"region", "revenue"},
			SampleRows: [][]any{{"North", int64(10)}},
		}},
		result: query.Result{
			Columns: []string{"region", "revenue"},
			Rows:    [][]any{{"North", int64(10)}, {"South", int64(4)}},
		},
	}
}

func testConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load(config.BackendServiceName, mapLookup(env))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return body.ErrorCode
}

func TestHealthReportsEngine(t *testing.T) {
	h := NewRouter(testConfig(t, nil), Dependencies{Engine: &fakeEngine{name: "duckdb"}})
	rr := doJSON(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"engine":"duckdb"`) {
		t.Fatalf("health = %d %s", rr.Code, rr.Body.String())
	}
}

func TestGenerateSQLPassesSchemaAndDialect(t *testing.T) {
	engine := salesEngine()
	engine.name = "postgres"
	translator := &recordingTranslator{result: nl2sql.Result{SQL: "SELECT 1", Provider: "local", Model: "keywords"}}
	h := NewRouter(testConfig(t, nil), Dependencies{Engine: engine, Translator: translator})

	rr := doJSON(t, h, http.MethodPost, "/generate_sql", `{"prompt":"revenue by region"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp generateSQLResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SQL != "SELECT 1" || resp.Provider != "local" {
		t.Fatalf("response = %#v", resp)
	}
	if len(translator.requests) != 1 {
		t.Fatalf("translator calls = %d", len(translator.requests))
	}
	got := translator.requests[0]
	if got.Dialect != "PostgreSQL" || got.NaturalLanguage != "revenue by region" || len(got.Tables) != 1 || got.Tables[0].TableName != "sales" {
		t.Fatalf("translator request = %#v", got)
	}
}

func TestGenerateSQLErrors(t *testing.T) {
	tests := []struct {
		name       string
		engine     *fakeEngine
		translator *recordingTranslator
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "unknown field", engine: salesEngine(), translator: &recordingTranslator{}, body: `{"prompt":"x","extra":1}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_JSON"},
		{name: "blank prompt", engine: salesEngine(), translator: &recordingTranslator{}, body: `{"prompt":"  "}`, wantStatus: http.StatusBadRequest, wantCode: "PROMPT_REQUIRED"},
		{name: "no tables", engine: &fakeEngine{err: fmt.Errorf("%w: empty", query.ErrNoTables)}, translator: &recordingTranslator{}, body: `{"prompt":"x"}`, wantStatus: http.StatusConflict, wantCode: "NO_TABLES"},
		{name: "schema failure", engine: &fakeEngine{err: errors.New("disk gone")}, translator: &recordingTranslator{}, body: `{"prompt":"x"}`, wantStatus: http.StatusInternalServerError, wantCode: "SCHEMA_FETCH_FAILED"},
		{name: "translator failure", engine: salesEngine(), translator: &recordingTranslator{err: errors.New("model down")}, body: `{"prompt":"x"}`, wantStatus: http.StatusBadGateway, wantCode: "TRANSLATE_FAILED"},
		{name: "translator without tables", engine: salesEngine(), translator: &recordingTranslator{err: nl2sql.ErrNoTables}, body: `{"prompt":"x"}`, wantStatus: http.StatusConflict, wantCode: "NO_TABLES"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewRouter(testConfig(t, nil), Dependencies{Engine: tc.engine, Translator: tc.translator})
			rr := doJSON(t, h, http.MethodPost, "/generate_sql", tc.body)
			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tc.wantStatus, rr.Body.String())
			}
			if code := decodeError(t, rr); code != tc.wantCode {
				t.Fatalf("error_code = %q, want %q", code, tc.wantCode)
			}
		})
	}
}

func TestGenerateSQLNotConfigured(t *testing.T) {
	h := NewRouter(testConfig(t, nil), Dependencies{})
	rr := doJSON(t, h, http.MethodPost, "/generate_sql", `{"prompt":"x"}`)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestRunSQLReturnsRecordsAndColumns(t *testing.T) {
	engine := salesEngine()
	h := NewRouter(testConfig(t, map[string]string{"C4Q_BACKEND_ROW_LIMIT": "25"}), Dependencies{Engine: engine})

	rr := doJSON(t, h, http.MethodPost, "/run_sql", `{"sql":"SELECT region, revenue FROM sales;"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Data     []map[string]any `json:"data"`
		Columns  []string         `json:"columns"`
		RowCount int              `json:"row_count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RowCount != 2 || len(resp.Data) != 2 || resp.Data[1]["region"] != "South" || resp.Data[1]["revenue"] != float64(4) {
		t.Fatalf("response = %#v", resp)
	}
	if strings.Join(resp.Columns, ",") != "region,revenue" {
		t.Fatalf("columns = %v", resp.Columns)
	}
	if len(engine.requests) != 1 || engine.requests[0].RowLimit != 25 {
		t.Fatalf("engine requests = %#v", engine.requests)
	}
}

func TestRunSQLErrors(t *testing.T) {
	tests := []struct {
		name       string
		engine     *fakeEngine
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "blank", engine: salesEngine(), body: `{"sql":" "}`, wantStatus: http.StatusBadRequest, wantCode: "SQL_REQUIRED"},
		{name: "write statement", engine: salesEngine(), body: `{"sql":"DELETE FROM sales"}`, wantStatus: http.StatusBadRequest, wantCode: "SQL_NOT_ALLOWED"},
		{name: "stacked statements", engine: salesEngine(), body: `{"sql":"SELECT 1; DROP TABLE sales"}`, wantStatus: http.StatusBadRequest, wantCode: "SQL_NOT_ALLOWED"},
		{name: "execution failure", engine: &fakeEngine{err: errors.New("no such column")}, body: `{"sql":"SELECT nope FROM sales"}`, wantStatus: http.StatusBadRequest, wantCode: "QUERY_EXECUTION_FAILED"},
		{name: "no tables", engine: &fakeEngine{err: query.ErrNoTables}, body: `{"sql":"SELECT 1"}`, wantStatus: http.StatusConflict, wantCode: "NO_TABLES"},
		{name: "bad json", engine: salesEngine(), body: `{`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_JSON"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewRouter(testConfig(t, nil), Dependencies{Engine: tc.engine})
			rr := doJSON(t, h, http.MethodPost, "/run_sql", tc.body)
			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tc.wantStatus, rr.Body.String())
			}
			if code := decodeError(t, rr); code != tc.wantCode {
				t.Fatalf("error_code = %q, want %q", code, tc.wantCode)
			}
		})
	}
}

func TestExplainChart(t *testing.T) {
	h := NewRouter(testConfig(t, nil), Dependencies{})
	rr := doJSON(t, h, http.MethodPost, "/explain_chart",
		`{"prompt":"revenue by region","data":[{"region":"North","revenue":10},{"region":"South","revenue":4}],"columns":["region","revenue"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Chart struct {
			Type   string    `json:"type"`
			Title  string    `json:"title"`
			Labels []string  `json:"labels"`
			Values []float64 `json:"values"`
		} `json:"chart"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Chart.Type != "bar" || resp.Chart.Title != "revenue by region" || len(resp.Chart.Values) != 2 {
		t.Fatalf("chart = %#v", resp.Chart)
	}
	if !strings.Contains(resp.Explanation, "Highest is North") {
		t.Fatalf("explanation = %q", resp.Explanation)
	}
}

func TestExplainChartErrors(t *testing.T) {
	tests := []struct {
		body       string
		wantStatus int
		wantCode   string
	}{
		{body: `{"prompt":"x"}`, wantStatus: http.StatusBadRequest, wantCode: "DATA_REQUIRED"},
		{body: `{"prompt":"x","data":[]}`, wantStatus: http.StatusUnprocessableEntity, wantCode: "NO_ROWS"},
		{body: `{"prompt":"x","data":{"a":1}}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_DATA"},
	}
	h := NewRouter(testConfig(t, nil), Dependencies{})
	for _, tc := range tests {
		rr := doJSON(t, h, http.MethodPost, "/explain_chart", tc.body)
		if rr.Code != tc.wantStatus {
			t.Fatalf("%s: status = %d, want %d", tc.body, rr.Code, tc.wantStatus)
		}
		if code := decodeError(t, rr); code != tc.wantCode {
			t.Fatalf("%s: error_code = %q, want %q", tc.body, code, tc.wantCode)
		}
	}
}

func TestDatasetRoutes(t *testing.T) {
	store, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New() error = %v", err)
	}
	h := NewRouter(testConfig(t, map[string]string{"C4Q_BACKEND_DATA_PREFIX": "datasets"}), Dependencies{Store: store})

	req := httptest.NewRequest(http.MethodPut, "/datasets/Sales-2024.csv", bytes.NewBufferString("region,revenue\nNorth,10\n"))
	req.Header.Set("Content-Type", "text/csv")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("put status = %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"table":"sales_2024"`) {
		t.Fatalf("put body = %s", rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodGet, "/datasets", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"key":"datasets/Sales-2024.csv"`) {
		t.Fatalf("list = %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodGet, "/datasets/Sales-2024.csv", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stat status = %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodDelete, "/datasets/Sales-2024.csv", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodGet, "/datasets/Sales-2024.csv", "")
	if rr.Code != http.StatusNotFound || decodeError(t, rr) != "DATASET_NOT_FOUND" {
		t.Fatalf("stat after delete = %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPut, "/datasets/notes.txt", "hello")
	if rr.Code != http.StatusBadRequest || decodeError(t, rr) != "INVALID_DATASET_NAME" {
		t.Fatalf("invalid name = %d %s", rr.Code, rr.Body.String())
	}
}

func TestDatasetUploadLimit(t *testing.T) {
	store, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New() error = %v", err)
	}
	h := NewRouter(testConfig(t, map[string]string{"C4Q_UPLOAD_MAX_BYTES": "8"}), Dependencies{Store: store})
	rr := doJSON(t, h, http.MethodPut, "/datasets/big.csv", "a,b\n1,2\n3,4\n")
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestDatasetRoutesWithoutStore(t *testing.T) {
	h := NewRouter(testConfig(t, nil), Dependencies{})
	rr := doJSON(t, h, http.MethodGet, "/datasets", "")
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	h := NewRouter(testConfig(t, nil), Dependencies{})
	rr := doJSON(t, h, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound || decodeError(t, rr) != "NOT_FOUND" {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected trace header")
	}
}

func TestMetricsEndpointCountsQueries(t *testing.T) {
	h := NewRouter(testConfig(t, nil), Dependencies{Engine: salesEngine()})
	_ = doJSON(t, h, http.MethodPost, "/run_sql", `{"sql":"SELECT 1"}`)
	rr := doJSON(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	for _, want := range []string{`c4q_backend_queries_total{engine="fake",status="ok"}`, `route="/run_sql"`} {
		if !strings.Contains(rr.Body.String(), want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
}

// The web client's upstream client and orchestrator should drive the backend
// end to end.
func TestPipelineAgainstBackend(t *testing.T) {
	translator := &recordingTranslator{result: nl2sql.Result{SQL: "SELECT region, revenue FROM sales", Provider: "local"}}
	server := httptest.NewServer(NewRouter(testConfig(t, nil), Dependencies{Engine: salesEngine(), Translator: translator}))
	defer server.Close()

	client, err := upstream.NewClient(upstream.Config{BaseURL: server.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	log := conversation.NewLog()
	gallery := conversation.NewGallery()
	log.AppendUser("revenue by region")
	result := pipeline.NewOrchestrator(client, log, gallery, observability.NopLogger()).Run(context.Background(), "revenue by region")
	if result.Outcome != pipeline.OutcomeCompleted {
		t.Fatalf("outcome = %q err=%v", result.Outcome, result.Err)
	}
	if log.Len() != 3 || gallery.Len() != 1 {
		t.Fatalf("messages = %d visualizations = %d", log.Len(), gallery.Len())
	}
	if gallery.Items()[0].Title != "revenue by region" {
		t.Fatalf("title = %q", gallery.Items()[0].Title)
	}
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
