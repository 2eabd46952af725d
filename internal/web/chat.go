package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chartsfromquery/c4q/internal/conversation"
	"github.com/chartsfromquery/c4q/internal/pipeline"
	"github.com/chartsfromquery/c4q/internal/session"
)

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type chatAcceptedResponse struct {
	Status         string `json:"status"`
	MessagesOffset int    `json:"messages_offset"`
}

type stageView struct {
	Stage     string `json:"stage"`
	OK        bool   `json:"ok"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

type runResponse struct {
	Outcome       string                 `json:"outcome"`
	FailedStage   string                 `json:"failed_stage,omitempty"`
	Error         string                 `json:"error,omitempty"`
	SQL           string                 `json:"sql,omitempty"`
	Rows          int                    `json:"rows"`
	Explanation   string                 `json:"explanation,omitempty"`
	Stages        []stageView            `json:"stages"`
	Visualization *visualizationView     `json:"visualization,omitempty"`
	Messages      []conversation.Message `json:"messages"`
}

type chatListResponse struct {
	Messages []conversation.Message `json:"messages"`
	Total    int                    `json:"total"`
	Busy     bool                   `json:"busy"`
}

type visualizationView struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	ChartSpec json.RawMessage `json:"chart_spec"`
	Pretty    string          `json:"pretty"`
	CreatedAt time.Time       `json:"created_at"`
}

func handleSubmitChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSession(deps, w, r) {
		return
	}

	var request chatRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid chat request body", false, map[string]any{"details": err.Error()})
		return
	}

	wait := false
	if raw := strings.TrimSpace(r.URL.Query().Get("wait")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_WAIT", "wait must be a boolean", false, map[string]any{"wait": raw})
			return
		}
		wait = parsed
	}

	offset := deps.Session.Snapshot().Messages
	done, err := deps.Session.Submit(r.Context(), request.Prompt)
	switch {
	case errors.Is(err, session.ErrEmptyPrompt):
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, session.ErrBusy):
		writeError(r.Context(), w, http.StatusConflict, "PIPELINE_BUSY", "a request is already being processed", true, nil)
		return
	case err != nil:
		writeError(r.Context(), w, http.StatusInternalServerError, "SUBMIT_FAILED", "failed to submit prompt", true, map[string]any{"details": err.Error()})
		return
	}

	if !wait {
		writeJSON(w, http.StatusAccepted, chatAcceptedResponse{Status: "accepted", MessagesOffset: offset})
		return
	}

	select {
	case result := <-done:
		writeJSON(w, http.StatusOK, newRunResponse(result, deps.Session.MessagesSince(offset)))
	case <-r.Context().Done():
		writeJSON(w, http.StatusAccepted, chatAcceptedResponse{Status: "accepted", MessagesOffset: offset})
	}
}

func handleListChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSession(deps, w, r) {
		return
	}

	since := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SINCE", "since must be a non-negative integer", false, map[string]any{"since": raw})
			return
		}
		since = parsed
	}

	snap := deps.Session.Snapshot()
	writeJSON(w, http.StatusOK, chatListResponse{
		Messages: deps.Session.MessagesSince(since),
		Total:    snap.Messages,
		Busy:     snap.Busy,
	})
}

func handleListVisualizations(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSession(deps, w, r) {
		return
	}
	items := deps.Session.Visualizations()
	views := make([]visualizationView, 0, len(items))
	for _, item := range items {
		views = append(views, newVisualizationView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"visualizations": views})
}

func handleSetTab(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSession(deps, w, r) {
		return
	}

	var request struct {
		Tab string `json:"tab"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid tab request body", false, map[string]any{"details": err.Error()})
		return
	}
	tab, err := session.ParseTab(request.Tab)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "UNKNOWN_TAB", err.Error(), false, map[string]any{"allowed": []session.Tab{session.TabChat, session.TabData, session.TabViz}})
		return
	}
	if err := deps.Session.SetTab(tab); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "UNKNOWN_TAB", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, deps.Session.Snapshot())
}

func newRunResponse(result pipeline.Result, messages []conversation.Message) runResponse {
	response := runResponse{
		Outcome:     string(result.Outcome),
		FailedStage: string(result.FailedStage),
		SQL:         result.SQL,
		Rows:        result.Rows,
		Explanation: result.Explanation,
		Stages:      make([]stageView, 0, len(result.Stages)),
		Messages:    messages,
	}
	if result.Err != nil {
		response.Error = result.Err.Error()
	}
	for _, stage := range result.Stages {
		view := stageView{Stage: string(stage.Stage), OK: stage.OK, ElapsedMs: stage.Elapsed.Milliseconds()}
		if stage.Err != nil {
			view.Error = stage.Err.Error()
		}
		response.Stages = append(response.Stages, view)
	}
	if result.Visualization != nil {
		view := newVisualizationView(*result.Visualization)
		response.Visualization = &view
	}
	return response
}

func newVisualizationView(item conversation.Visualization) visualizationView {
	return visualizationView{
		ID:        item.ID,
		Title:     item.Title,
		ChartSpec: item.ChartSpec,
		Pretty:    item.Pretty(),
		CreatedAt: item.CreatedAt,
	}
}
