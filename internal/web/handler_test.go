package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chartsfromquery/c4q/internal/config"
	"github.com/chartsfromquery/c4q/internal/session"
	"github.com/chartsfromquery/c4q/internal/upstream"
	"github.com/chartsfromquery/c4q/internal/web/uistatic"
)

func newTestConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load(config.WebServiceName, mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func newUpstreamServer(t *testing.T, handler http.HandlerFunc) (*upstream.Client, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	client, err := upstream.NewClient(upstream.Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, server.Close
}

func salesUpstream(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/generate_sql":
		_, _ = w.Write([]byte(`{"sql":"SELECT region, AVG(sales) AS avg FROM sales GROUP BY region"}`))
	case "/run_sql":
		_, _ = w.Write([]byte(`{"data":[{"region":"North","avg":12},{"region":"South","avg":4}],"columns":["region","avg"]}`))
	case "/explain_chart":
		_, _ = w.Write([]byte(`{"chart":{"type":"bar","x":"region","y":"avg"},"explanation":"Sales are highest in North."}`))
	default:
		http.NotFound(w, r)
	}
}

func multipartUpload(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = io.WriteString(part, content)
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/dataset", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(newTestConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected trace header")
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(newTestConfig(t, nil), Dependencies{
		Readiness: func(context.Context) error { return errors.New("dependency down") },
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("body = %#v", body)
	}
}

func TestCheckUpstreamConfig(t *testing.T) {
	cfg := newTestConfig(t, nil)
	if err := CheckUpstreamConfig(cfg)(context.Background()); err != nil {
		t.Fatalf("CheckUpstreamConfig() error = %v", err)
	}
	cfg.Upstream.BaseURL = ""
	check := CombineReadinessChecks(nil, CheckUpstreamConfig(cfg))
	if err := check(context.Background()); err == nil {
		t.Fatal("expected readiness error")
	}
}

func TestSessionRoutesRequireSession(t *testing.T) {
	h := NewHandler(newTestConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/chat", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestUploadAndFetchDataset(t *testing.T) {
	client, closeServer := newUpstreamServer(t, salesUpstream)
	defer closeServer()
	state := session.New(client, session.Options{})
	h := NewHandler(newTestConfig(t, nil), Dependencies{Session: state})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartUpload(t, "sales.csv", "region,sales\nNorth,12\n\nSouth,4\n"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body = %s", rr.Code, rr.Body.String())
	}
	var uploaded datasetResponse
	decodeBody(t, rr, &uploaded)
	if uploaded.Name != "sales.csv" || uploaded.RowCount != 2 || uploaded.ColumnCount != 2 {
		t.Fatalf("uploaded = %#v", uploaded)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/dataset?limit=1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var fetched datasetResponse
	decodeBody(t, rr, &fetched)
	if len(fetched.Rows) != 1 || !fetched.Truncated || fetched.RowCount != 2 {
		t.Fatalf("fetched = %#v", fetched)
	}
	if fetched.Rows[0][0] != "North" || fetched.Rows[0][1] != "12" {
		t.Fatalf("row = %#v", fetched.Rows[0])
	}
}

func TestGetDatasetBeforeUpload(t *testing.T) {
	state := session.New(nil, session.Options{})
	h := NewHandler(newTestConfig(t, nil), Dependencies{Session: state})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/dataset", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		status   int
		code     string
	}{
		{name: "wrong extension", filename: "report.txt", content: "a,b\n1,2\n", status: http.StatusBadRequest, code: "UNSUPPORTED_FORMAT"},
		{name: "header only", filename: "empty.csv", content: "a,b\n", status: http.StatusUnprocessableEntity, code: "NO_DATA"},
		{name: "ragged row", filename: "bad.csv", content: "a,b\n1,2,3\n", status: http.StatusUnprocessableEntity, code: "CSV_PARSE_FAILED"},
		{name: "too large", filename: "big.csv", content: "a\n" + strings.Repeat("1\n", 64), status: http.StatusRequestEntityTooLarge, code: "UPLOAD_TOO_LARGE"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			state := session.New(nil, session.Options{})
			cfg := newTestConfig(t, map[string]string{"C4Q_UPLOAD_MAX_BYTES": "64"})
			h := NewHandler(cfg, Dependencies{Session: state})

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, multipartUpload(t, tc.filename, tc.content))
			if rr.Code != tc.status {
				t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
			}
			var body map[string]any
			decodeBody(t, rr, &body)
			if body["error_code"] != tc.code {
				t.Fatalf("error_code = %v", body["error_code"])
			}
			if _, ok := state.Dataset(); ok {
				t.Fatal("dataset should not be set after a failed upload")
			}
		})
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	state := session.New(nil, session.Options{})
	h := NewHandler(newTestConfig(t, nil), Dependencies{Session: state})

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("other", "value")
	_ = writer.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/dataset", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestChatWaitRunsPipeline(t *testing.T) {
	client, closeServer := newUpstreamServer(t, salesUpstream)
	defer closeServer()
	state := session.New(client, session.Options{})
	h := NewHandler(newTestConfig(t, nil), Dependencies{Session: state})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat?wait=true", strings.NewReader(`{"prompt":"average sales by region"}`))
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	var run runResponse
	decodeBody(t, rr, &run)
	if run.Outcome != "completed" || len(run.Stages) != 3 {
		t.Fatalf("run = %#v", run)
	}
	if len(run.Messages) != 3 {
		t.Fatalf("messages = %#v", run.Messages)
	}
	if run.Messages[2].Content != "Sales are highest in North." {
		t.Fatalf("explanation message = %q", run.Messages[2].Content)
	}
	if run.Visualization == nil || run.Visualization.Title != "average sales by region" {
		t.Fatalf("visualization = %#v", run.Visualization)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/visualizations", nil))
	var listed struct {
		Visualizations []visualizationView `json:"visualizations"`
	}
	decodeBody(t, rr, &listed)
	if len(listed.Visualizations) != 1 {
		t.Fatalf("visualizations = %#v", listed)
	}
	if !strings.Contains(listed.Visualizations[0].Pretty, "\n  \"type\": \"bar\"") {
		t.Fatalf("pretty = %q", listed.Visualizations[0].Pretty)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/chat?since=1", nil))
	var chat chatListResponse
	decodeBody(t, rr, &chat)
	if chat.Total != 3 || len(chat.Messages) != 2 || chat.Busy {
		t.Fatalf("chat = %#v", chat)
	}
}

func TestChatFailureAppendsSingleNotice(t *testing.T) {
	client, closeServer := newUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/generate_sql" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		t.Errorf("unexpected call to %s", r.URL.Path)
	})
	defer closeServer()
	state := session.New(client, session.Options{})
	h := NewHandler(newTestConfig(t, nil), Dependencies{Session: state})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat?wait=1", strings.NewReader(`{"prompt":"why"}`)))
	var run runResponse
	decodeBody(t, rr, &run)
	if run.Outcome != "failed" || run.FailedStage != "generate_sql" {
		t.Fatalf("run = %#v", run)
	}
	if len(run.Messages) != 2 || run.Messages[1].Content != "❌ Could not process your request." {
		t.Fatalf("messages = %#v", run.Messages)
	}
}

func TestChatBlankPromptIsNoContent(t *testing.T) {
	state := session.New(nil, session.Options{})
	h := NewHandler(newTestConfig(t, nil), Dependencies{Session: state})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"prompt":"   "}`)))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if state.Snapshot().Messages != 0 {
		t.Fatal("blank prompt should not append a message")
	}
}

func TestChatRejectsInvalidBody(t *testing.T) {
	state := session.New(nil, session.Options{})
	h := NewHandler(newTestConfig(t, nil), Dependencies{Session: state})

	for _, body := range []string{`not json`, `{"prompt":"x","extra":1}`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q status = %d", body, rr.Code)
		}
	}
}

func TestChatBusyReturnsConflict(t *testing.T) {
	release := make(chan struct{})
	client, closeServer := newUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/generate_sql" {
			<-release
		}
		salesUpstream(w, r)
	})
	defer closeServer()
	state := session.New(client, session.Options{})
	h := NewHandler(newTestConfig(t, nil), Dependencies{Session: state})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"prompt":"first"}`)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"prompt":"second"}`)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("second status = %d", rr.Code)
	}

	close(release)
	state.Wait()
	if got := state.Snapshot().Messages; got != 3 {
		t.Fatalf("messages = %d", got)
	}
}

func TestSetTab(t *testing.T) {
	state := session.New(nil, session.Options{})
	h := NewHandler(newTestConfig(t, nil), Dependencies{Session: state})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/session", nil))
	var snap session.Snapshot
	decodeBody(t, rr, &snap)
	if snap.Tab != session.TabData {
		t.Fatalf("default tab = %q", snap.Tab)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/v1/session/tab", strings.NewReader(`{"tab":"viz"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	decodeBody(t, rr, &snap)
	if snap.Tab != session.TabViz {
		t.Fatalf("tab = %q", snap.Tab)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/v1/session/tab", strings.NewReader(`{"tab":"settings"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMetricsEndpointExposesPipelineCounters(t *testing.T) {
	client, closeServer := newUpstreamServer(t, salesUpstream)
	defer closeServer()
	state := session.New(client, session.Options{})
	h := NewHandler(newTestConfig(t, nil), Dependencies{Session: state})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat?wait=true", strings.NewReader(`{"prompt":"count"}`)))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	body := rr.Body.String()
	for _, name := range []string{"c4q_pipeline_runs_total", "c4q_pipeline_stage_duration_seconds", "c4q_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics missing %s", name)
		}
	}
}

func TestUIRoutes(t *testing.T) {
	h := NewHandler(newTestConfig(t, nil), Dependencies{UI: uistatic.Handler()})

	tests := []struct {
		path string
		want string
	}{
		{path: "/", want: "Meet ChartsFromQuery"},
		{path: "/app/", want: `data-tab="chat"`},
		{path: "/app/anything", want: `data-tab="viz"`},
		{path: "/styles.css", want: ".sidebar"},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d", tc.path, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), tc.want) {
			t.Fatalf("%s body missing %q", tc.path, tc.want)
		}
	}
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
