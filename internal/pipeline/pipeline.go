// Package pipeline drives a prompt through generate_sql, run_sql and
// explain_chart, recording the conversation and any resulting chart.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chartsfromquery/c4q/internal/conversation"
	"github.com/chartsfromquery/c4q/internal/observability"
	"github.com/chartsfromquery/c4q/internal/upstream"
)

type Stage string

const (
	StageGenerateSQL  Stage = "generate_sql"
	StageRunSQL       Stage = "run_sql"
	StageExplainChart Stage = "explain_chart"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

const (
	SQLEchoPrefix  = "🧠 Generated SQL:\n\n"
	FailureMessage = "❌ Could not process your request."
)

var (
	ErrMissingSQL = errors.New("response has no sql")
	ErrNoRows     = errors.New("response has no data rows")
)

// StageError tags a failure with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type StageResult struct {
	Stage   Stage
	OK      bool
	Elapsed time.Duration
	Err     error
}

// Result describes one run. FailedStage and Err are set only when Outcome is failed.
type Result struct {
	Prompt        string
	Outcome       Outcome
	Stages        []StageResult
	FailedStage   Stage
	Err           error
	SQL           string
	Rows          int
	Explanation   string
	Visualization *conversation.Visualization
}

type Upstream interface {
	GenerateSQL(ctx context.Context, prompt string) (upstream.GenerateSQLResponse, error)
	RunSQL(ctx context.Context, sql string) (upstream.RunSQLResponse, error)
	ExplainChart(ctx context.Context, req upstream.ExplainChartRequest) (upstream.ExplainChartResponse, error)
}

type Orchestrator struct {
	upstream Upstream
	log      *conversation.Log
	gallery  *conversation.Gallery
	logger   *slog.Logger
	now      func() time.Time
}

func NewOrchestrator(client Upstream, log *conversation.Log, gallery *conversation.Gallery, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Orchestrator{
		upstream: client,
		log:      log,
		gallery:  gallery,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the stages in order for a prompt whose user message is already
// in the log. Any failure appends exactly one FailureMessage and stops the run.
func (o *Orchestrator) Run(ctx context.Context, prompt string) Result {
	result := Result{Prompt: prompt}

	err := o.stage(ctx, &result, StageGenerateSQL, func(ctx context.Context) error {
		resp, err := o.upstream.GenerateSQL(ctx, prompt)
		if err != nil {
			return err
		}
		sql, ok := resp.SQLText()
		if !ok {
			return ErrMissingSQL
		}
		result.SQL = sql
		return nil
	})
	if err != nil {
		return o.fail(ctx, result)
	}
	o.log.AppendBot(SQLEchoPrefix+result.SQL, string(StageGenerateSQL))

	var ran upstream.RunSQLResponse
	err = o.stage(ctx, &result, StageRunSQL, func(ctx context.Context) error {
		resp, err := o.upstream.RunSQL(ctx, result.SQL)
		if err != nil {
			return err
		}
		rows, ok := resp.RowCount()
		if !ok || rows == 0 {
			return ErrNoRows
		}
		ran = resp
		result.Rows = rows
		return nil
	})
	if err != nil {
		return o.fail(ctx, result)
	}

	var explained upstream.ExplainChartResponse
	err = o.stage(ctx, &result, StageExplainChart, func(ctx context.Context) error {
		resp, err := o.upstream.ExplainChart(ctx, upstream.ExplainChartRequest{
			Prompt:  prompt,
			Data:    ran.Data,
			Columns: ran.Columns,
		})
		if err != nil {
			return err
		}
		explained = resp
		return nil
	})
	if err != nil {
		return o.fail(ctx, result)
	}

	if text, ok := explained.ExplanationText(); ok {
		result.Explanation = text
		o.log.AppendBot(text, string(StageExplainChart))
	}
	if explained.HasChart() {
		viz := o.gallery.Append(prompt, explained.Chart)
		result.Visualization = &viz
	}

	result.Outcome = OutcomeCompleted
	observability.ObservePipelineRun(string(OutcomeCompleted), "")
	o.logger.InfoContext(ctx, "pipeline completed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.Int("rows", result.Rows),
		slog.Bool("chart", result.Visualization != nil),
		slog.Bool("explanation", result.Explanation != ""),
	)
	return result
}

func (o *Orchestrator) stage(ctx context.Context, result *Result, stage Stage, fn func(context.Context) error) error {
	start := o.now()
	err := fn(ctx)
	elapsed := o.now().Sub(start)
	observability.ObserveStage(string(stage), err == nil, elapsed)
	result.Stages = append(result.Stages, StageResult{Stage: stage, OK: err == nil, Elapsed: elapsed, Err: err})
	if err != nil {
		result.FailedStage = stage
		result.Err = &StageError{Stage: stage, Err: err}
	}
	return err
}

func (o *Orchestrator) fail(ctx context.Context, result Result) Result {
	result.Outcome = OutcomeFailed
	o.log.AppendBot(FailureMessage, string(result.FailedStage))
	observability.ObservePipelineRun(string(OutcomeFailed), string(result.FailedStage))
	o.logger.WarnContext(ctx, "pipeline failed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("stage", string(result.FailedStage)),
		slog.Any("error", result.Err),
	)
	return result
}
