package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c4q_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "c4q_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	datasetUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c4q_dataset_uploads_total",
			Help: "CSV uploads by result.",
		},
		[]string{"status"},
	)
	datasetRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "c4q_dataset_rows",
			Help:    "Row count of successfully parsed uploads.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c4q_pipeline_runs_total",
			Help: "Query pipeline runs by outcome and failed stage.",
		},
		[]string{"outcome", "failed_stage"},
	)
	pipelineStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "c4q_pipeline_stage_duration_seconds",
			Help:    "Latency of each query pipeline stage.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage", "status"},
	)
	backendQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c4q_backend_queries_total",
			Help: "SQL executions served by the development backend.",
		},
		[]string{"engine", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		datasetUploadsTotal,
		datasetRows,
		pipelineRunsTotal,
		pipelineStageDurationSeconds,
		backendQueriesTotal,
	)
}

func ObserveUpload(status string, rows int) {
	datasetUploadsTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		datasetRows.Observe(float64(rows))
	}
}

func ObservePipelineRun(outcome, failedStage string) {
	pipelineRunsTotal.WithLabelValues(outcome, failedStage).Inc()
}

func ObserveStage(stage string, ok bool, elapsed time.Duration) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	pipelineStageDurationSeconds.WithLabelValues(stage, status).Observe(elapsed.Seconds())
}

func ObserveBackendQuery(engine string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	backendQueriesTotal.WithLabelValues(engine, status).Inc()
}
