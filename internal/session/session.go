// Package session owns the state behind one app page: the uploaded dataset,
// the conversation log, the visualization gallery and the active tab.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chartsfromquery/c4q/internal/conversation"
	"github.com/chartsfromquery/c4q/internal/dataset"
	"github.com/chartsfromquery/c4q/internal/observability"
	"github.com/chartsfromquery/c4q/internal/pipeline"
)

type Tab string

const (
	TabChat Tab = "chat"
	TabData Tab = "data"
	TabViz  Tab = "viz"
)

var (
	ErrBusy        = errors.New("a request is already being processed")
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrUnknownTab  = errors.New("unknown tab")
)

func ParseTab(value string) (Tab, error) {
	switch tab := Tab(strings.ToLower(strings.TrimSpace(value))); tab {
	case TabChat, TabData, TabViz:
		return tab, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTab, value)
	}
}

type Options struct {
	RunTimeout time.Duration
	Logger     *slog.Logger
}

type State struct {
	mu      sync.Mutex
	dataset *dataset.Dataset
	tab     Tab
	busy    bool

	log          *conversation.Log
	gallery      *conversation.Gallery
	orchestrator *pipeline.Orchestrator
	runTimeout   time.Duration
	logger       *slog.Logger
	inflight     sync.WaitGroup
}

// Snapshot is a point-in-time summary of the session.
type Snapshot struct {
	Tab            Tab  `json:"tab"`
	Busy           bool `json:"busy"`
	HasDataset     bool `json:"has_dataset"`
	DatasetRows    int  `json:"dataset_rows"`
	DatasetColumns int  `json:"dataset_columns"`
	Messages       int  `json:"messages"`
	Visualizations int  `json:"visualizations"`
}

func New(client pipeline.Upstream, opts Options) *State {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 2 * time.Minute
	}
	log := conversation.NewLog()
	gallery := conversation.NewGallery()
	return &State{
		tab:          TabData,
		log:          log,
		gallery:      gallery,
		orchestrator: pipeline.NewOrchestrator(client, log, gallery, logger),
		runTimeout:   runTimeout,
		logger:       logger,
	}
}

// Upload parses a CSV file and replaces the current dataset. On error the
// previous dataset is left untouched.
func (s *State) Upload(ctx context.Context, name string, r io.Reader) (dataset.Dataset, error) {
	built, err := dataset.Build(name, r)
	if err != nil {
		observability.ObserveUpload(uploadStatus(err), 0)
		s.logger.InfoContext(ctx, "dataset upload rejected",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("file", name),
			slog.Any("error", err),
		)
		return dataset.Dataset{}, err
	}

	s.mu.Lock()
	s.dataset = &built
	s.mu.Unlock()

	observability.ObserveUpload("ok", built.RowCount())
	s.logger.InfoContext(ctx, "dataset uploaded",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("file", built.Name),
		slog.Int("rows", built.RowCount()),
		slog.Int("columns", built.ColumnCount()),
	)
	return built, nil
}

func (s *State) Dataset() (dataset.Dataset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataset == nil {
		return dataset.Dataset{}, false
	}
	return *s.dataset, true
}

// Submit appends the user message and starts the pipeline in the background.
// The returned channel receives exactly one result. Only one run may be in
// flight; a second submission gets ErrBusy and changes nothing.
func (s *State) Submit(ctx context.Context, input string) (<-chan pipeline.Result, error) {
	prompt := strings.TrimSpace(input)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.busy = true
	s.mu.Unlock()

	s.log.AppendUser(prompt)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.runTimeout)
	done := make(chan pipeline.Result, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		result := s.orchestrator.Run(runCtx, prompt)

		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()

		done <- result
		close(done)
	}()
	return done, nil
}

// Wait blocks until no pipeline run is in flight.
func (s *State) Wait() {
	s.inflight.Wait()
}

func (s *State) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *State) Tab() Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tab
}

func (s *State) SetTab(tab Tab) error {
	if _, err := ParseTab(string(tab)); err != nil {
		return err
	}
	s.mu.Lock()
	s.tab = tab
	s.mu.Unlock()
	return nil
}

func (s *State) Messages() []conversation.Message {
	return s.log.Messages()
}

func (s *State) MessagesSince(n int) []conversation.Message {
	return s.log.Since(n)
}

func (s *State) Visualizations() []conversation.Visualization {
	return s.gallery.Items()
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Tab: s.tab, Busy: s.busy}
	if s.dataset != nil {
		snap.HasDataset = true
		snap.DatasetRows = s.dataset.RowCount()
		snap.DatasetColumns = s.dataset.ColumnCount()
	}
	s.mu.Unlock()
	snap.Messages = s.log.Len()
	snap.Visualizations = s.gallery.Len()
	return snap
}

func uploadStatus(err error) string {
	var parseErr *dataset.ParseError
	switch {
	case errors.Is(err, dataset.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, dataset.ErrNoData):
		return "no_data"
	case errors.As(err, &parseErr):
		return "parse_error"
	default:
		return "error"
	}
}
