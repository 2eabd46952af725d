package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chartsfromquery/c4q/internal/dataset"
	"github.com/chartsfromquery/c4q/internal/pipeline"
	"github.com/chartsfromquery/c4q/internal/upstream"
)

type fakeUpstream struct {
	mu      sync.Mutex
	gate    chan struct{}
	calls   int
	sawDone bool
}

func (f *fakeUpstream) GenerateSQL(ctx context.Context, _ string) (upstream.GenerateSQLResponse, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if ctx.Err() != nil {
		f.mu.Lock()
		f.sawDone = true
		f.mu.Unlock()
	}
	return upstream.GenerateSQLResponse{SQL: json.RawMessage(`"SELECT region, SUM(sales) FROM t GROUP BY 1"`)}, nil
}

func (f *fakeUpstream) RunSQL(context.Context, string) (upstream.RunSQLResponse, error) {
	return upstream.RunSQLResponse{Data: json.RawMessage(`[{"region":"N","sum":3}]`), Columns: json.RawMessage(`["region","sum"]`)}, nil
}

func (f *fakeUpstream) ExplainChart(_ context.Context, req upstream.ExplainChartRequest) (upstream.ExplainChartResponse, error) {
	return upstream.ExplainChartResponse{
		Chart:       json.RawMessage(`{"type":"bar"}`),
		Explanation: json.RawMessage(`"N only."`),
	}, nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNewStateDefaultsToDataTab(t *testing.T) {
	state := New(&fakeUpstream{}, Options{})
	if state.Tab() != TabData {
		t.Fatalf("Tab() = %q", state.Tab())
	}
	snap := state.Snapshot()
	if snap.HasDataset || snap.Busy || snap.Messages != 0 || snap.Visualizations != 0 {
		t.Fatalf("Snapshot() = %#v", snap)
	}
}

func TestSubmitBlankPromptIsNoOp(t *testing.T) {
	fake := &fakeUpstream{}
	state := New(fake, Options{})
	for _, input := range []string{"", "   ", "\n\t"} {
		if _, err := state.Submit(context.Background(), input); !errors.Is(err, ErrEmptyPrompt) {
			t.Fatalf("Submit(%q) error = %v", input, err)
		}
	}
	if len(state.Messages()) != 0 {
		t.Fatalf("messages = %#v", state.Messages())
	}
	if fake.callCount() != 0 {
		t.Fatalf("calls = %d", fake.callCount())
	}
}

func TestSubmitRunsPipelineAndRecordsResult(t *testing.T) {
	state := New(&fakeUpstream{}, Options{})
	done, err := state.Submit(context.Background(), "  total sales by region  ")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	result := waitResult(t, done)
	if result.Outcome != pipeline.OutcomeCompleted {
		t.Fatalf("Outcome = %q err = %v", result.Outcome, result.Err)
	}

	messages := state.Messages()
	if len(messages) != 3 {
		t.Fatalf("messages = %#v", messages)
	}
	if messages[0].Content != "total sales by region" {
		t.Fatalf("user message = %q", messages[0].Content)
	}
	viz := state.Visualizations()
	if len(viz) != 1 || viz[0].Title != "total sales by region" {
		t.Fatalf("visualizations = %#v", viz)
	}
	if state.Busy() {
		t.Fatal("Busy() should be false after completion")
	}
}

func TestSubmitRejectsConcurrentRun(t *testing.T) {
	fake := &fakeUpstream{gate: make(chan struct{})}
	state := New(fake, Options{})

	first, err := state.Submit(context.Background(), "first")
	if err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	if !state.Busy() {
		t.Fatal("Busy() should be true while running")
	}
	if _, err := state.Submit(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("Submit(second) error = %v", err)
	}
	if got := len(state.Messages()); got != 1 {
		t.Fatalf("messages while busy = %d", got)
	}

	close(fake.gate)
	waitResult(t, first)
	state.Wait()

	if _, err := state.Submit(context.Background(), "third"); err != nil {
		t.Fatalf("Submit(third) error = %v", err)
	}
	state.Wait()
	if got := fake.callCount(); got != 2 {
		t.Fatalf("calls = %d", got)
	}
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	fake := &fakeUpstream{gate: make(chan struct{})}
	state := New(fake, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done, err := state.Submit(ctx, "keep going")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	cancel()
	close(fake.gate)

	result := waitResult(t, done)
	if result.Outcome != pipeline.OutcomeCompleted {
		t.Fatalf("Outcome = %q err = %v", result.Outcome, result.Err)
	}
	if fake.sawDone {
		t.Fatal("pipeline context should not inherit caller cancellation")
	}
}

func TestUploadReplacesDatasetOnlyOnSuccess(t *testing.T) {
	state := New(&fakeUpstream{}, Options{})
	ctx := context.Background()

	first, err := state.Upload(ctx, "sales.csv", strings.NewReader("region,sales\nN,1\nS,2\n"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if first.RowCount() != 2 {
		t.Fatalf("RowCount() = %d", first.RowCount())
	}

	if _, err := state.Upload(ctx, "report.txt", strings.NewReader("a,b\n1,2\n")); !errors.Is(err, dataset.ErrUnsupportedFormat) {
		t.Fatalf("Upload(txt) error = %v", err)
	}
	if _, err := state.Upload(ctx, "empty.csv", strings.NewReader("a,b\n")); !errors.Is(err, dataset.ErrNoData) {
		t.Fatalf("Upload(empty) error = %v", err)
	}

	current, ok := state.Dataset()
	if !ok || !current.Equal(first) {
		t.Fatalf("Dataset() = %#v, %v", current, ok)
	}

	second, err := state.Upload(ctx, "other.csv", strings.NewReader("x\n9\n"))
	if err != nil {
		t.Fatalf("Upload(other) error = %v", err)
	}
	current, _ = state.Dataset()
	if !current.Equal(second) || current.ColumnCount() != 1 {
		t.Fatalf("Dataset() = %#v", current)
	}
	if snap := state.Snapshot(); !snap.HasDataset || snap.DatasetRows != 1 || snap.DatasetColumns != 1 {
		t.Fatalf("Snapshot() = %#v", snap)
	}
}

func TestSetTab(t *testing.T) {
	state := New(&fakeUpstream{}, Options{})
	if err := state.SetTab(TabViz); err != nil {
		t.Fatalf("SetTab() error = %v", err)
	}
	if state.Tab() != TabViz {
		t.Fatalf("Tab() = %q", state.Tab())
	}
	if err := state.SetTab("settings"); !errors.Is(err, ErrUnknownTab) {
		t.Fatalf("SetTab(settings) error = %v", err)
	}
	if state.Tab() != TabViz {
		t.Fatalf("Tab() changed to %q", state.Tab())
	}
}

func TestParseTab(t *testing.T) {
	tests := map[string]Tab{"chat": TabChat, " Data ": TabData, "VIZ": TabViz}
	for input, want := range tests {
		got, err := ParseTab(input)
		if err != nil || got != want {
			t.Fatalf("ParseTab(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseTab(""); err == nil {
		t.Fatal("expected error for empty tab")
	}
}

func waitResult(t *testing.T, done <-chan pipeline.Result) pipeline.Result {
	t.Helper()
	select {
	case result := <-done:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pipeline result")
		return pipeline.Result{}
	}
}
