package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIProvider       = "openai-compatible"
	openAIDefaultBaseURL = "https://api.openai.com"
	openAIDefaultModel   = "gpt-5"
	maxCompletionBytes   = 4 << 20
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAITranslator calls a /v1/chat/completions endpoint. Any server that
// speaks the OpenAI chat wire format works.
type OpenAITranslator struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
}

// CompletionError is a non-2xx reply from the completions endpoint.
type CompletionError struct {
	StatusCode int
	Message    string
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s: chat completion status=%d: %s", openAIProvider, e.StatusCode, e.Message)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func NewOpenAITranslator(cfg OpenAIConfig) (*OpenAITranslator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openAIDefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAITranslator{
		endpoint:    baseURL + "/v1/chat/completions",
		apiKey:      apiKey,
		model:       model,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (Result, error) {
	p, err := newPrompts(req)
	if err != nil {
		return Result{}, err
	}
	reply, err := t.complete(ctx, chatRequest{
		Model:       t.model,
		Temperature: t.temperature,
		Messages: []chatMessage{
			{Role: "system", Content: p.system},
			{Role: "user", Content: p.user},
		},
	})
	if err != nil {
		return Result{}, err
	}
	sql := stripMarkdownSQL(reply)
	if sql == "" {
		return Result{}, fmt.Errorf("%s: model %s returned no SQL", openAIProvider, t.model)
	}
	return Result{SQL: sql, Provider: openAIProvider, Model: t.model}, nil
}

// complete sends one chat request and returns the first choice's text.
func (t *OpenAITranslator) complete(ctx context.Context, chat chatRequest) (string, error) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(chat); err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("new chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s: send chat request: %w", openAIProvider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCompletionBytes))
	if err != nil {
		return "", fmt.Errorf("%s: read chat response: %w", openAIProvider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &CompletionError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("%s: decode chat response: %w", openAIProvider, err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%s: chat response has no choices", openAIProvider)
	}
	return decoded.Choices[0].Message.Content, nil
}

// errorMessage pulls the message out of {"error":{"message":...}} or
// {"error":"..."} bodies and falls back to the raw body.
func errorMessage(raw []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && len(envelope.Error) > 0 {
		var text string
		if json.Unmarshal(envelope.Error, &text) == nil && text != "" {
			return text
		}
		var detail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "" {
			return detail.Message
		}
	}
	message := strings.TrimSpace(string(raw))
	if len(message) > 512 {
		message = message[:512] + "..."
	}
	if message == "" {
		message = "empty body"
	}
	return message
}
