// Package c4qctl is the terminal client for the C4Q web API.
package c4qctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chartsfromquery/c4q/internal/demo"
)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// exitError carries a non-usage failure. Anything else returned by the
// command tree is a usage error.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

var errNoCommand = errors.New("a command is required")

// Run executes one command and returns the process exit code: 0 on success,
// 1 when the request or the run fails, 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCommand(defaults)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.msg != "" {
			_, _ = fmt.Fprintln(stderr, exitErr.msg)
		}
		return exitErr.code
	}
	if !errors.Is(err, errNoCommand) {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
	}
	_, _ = fmt.Fprint(stderr, root.UsageString())
	return 2
}

func newRootCommand(defaults Options) *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)
	api := &apiClient{}

	root := &cobra.Command{
		Use:           "c4qctl",
		Short:         "Terminal client for ChartsFromQuery",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			api.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
			api.client = defaults.HTTPClient
			if api.client == nil {
				api.client = &http.Client{Timeout: timeout}
			}
		},
		RunE: func(*cobra.Command, []string) error {
			return errNoCommand
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:3000"), "C4Q web base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 3*time.Minute), "HTTP timeout (e.g. 30s)")

	root.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "GET /v1/health",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return api.printJSON(cmd, http.MethodGet, "/v1/health", nil, "")
			},
		},
		newUploadCommand(api),
		newDemoCommand(api),
		newDatasetCommand(api),
		newAskCommand(api),
		newChatCommand(api),
		newVizCommand(api),
		&cobra.Command{
			Use:       "tab <chat|data|viz>",
			Short:     "Switch the active tab",
			ValidArgs: []string{"chat", "data", "viz"},
			Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := json.Marshal(map[string]string{"tab": args[0]})
				if err != nil {
					return &exitError{code: 1, msg: err.Error()}
				}
				return api.printJSON(cmd, http.MethodPut, "/v1/session/tab", bytes.NewReader(body), "application/json")
			},
		},
	)
	return root
}

func newUploadCommand(api *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file.csv>",
		Short: "Upload a CSV file as the current dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, contentType, err := multipartFile(args[0])
			if err != nil {
				return &exitError{code: 1, msg: err.Error()}
			}
			return api.printJSON(cmd, http.MethodPost, "/v1/dataset", body, contentType)
		},
	}
}

func newDemoCommand(api *apiClient) *cobra.Command {
	var (
		out    string
		rows   int
		seed   int64
		upload bool
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Write a synthetic sales CSV and optionally upload it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := os.Create(out)
			if err != nil {
				return &exitError{code: 1, msg: fmt.Sprintf("create %s: %v", out, err)}
			}
			generator := demo.NewGenerator(seed, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 365)
			writeErr := generator.WriteCSV(file, rows)
			closeErr := file.Close()
			if err := errors.Join(writeErr, closeErr); err != nil {
				return &exitError{code: 1, msg: fmt.Sprintf("write %s: %v", out, err)}
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rows to %s\n", rows, out)
			if !upload {
				return nil
			}
			body, contentType, err := multipartFile(out)
			if err != nil {
				return &exitError{code: 1, msg: err.Error()}
			}
			return api.printJSON(cmd, http.MethodPost, "/v1/dataset", body, contentType)
		},
	}
	cmd.Flags().StringVar(&out, "out", demo.FileName, "output file")
	cmd.Flags().IntVar(&rows, "rows", 500, "number of orders")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().BoolVar(&upload, "upload", false, "upload the file as the current dataset")
	return cmd
}

func newDatasetCommand(api *apiClient) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Show the current dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/dataset"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			return api.printJSON(cmd, http.MethodGet, path, nil, "")
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to show (0 for all)")
	return cmd
}

func newAskCommand(api *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <prompt...>",
		Short: "Submit a prompt and wait for the run to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"prompt": strings.Join(args, " ")})
			if err != nil {
				return &exitError{code: 1, msg: err.Error()}
			}
			status, raw, err := api.call(cmd.Context(), http.MethodPost, "/v1/chat?wait=true", bytes.NewReader(body), "application/json")
			if err != nil {
				return err
			}
			if status == http.StatusNoContent {
				return nil
			}
			writePretty(cmd.OutOrStdout(), raw)

			var run struct {
				Outcome     string `json:"outcome"`
				FailedStage string `json:"failed_stage"`
				Error       string `json:"error"`
			}
			if err := json.Unmarshal(raw, &run); err == nil && run.Outcome == "failed" {
				return &exitError{code: 1, msg: fmt.Sprintf("run failed at %s: %s", run.FailedStage, run.Error)}
			}
			return nil
		},
	}
}

func newChatCommand(api *apiClient) *cobra.Command {
	var since int
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "List conversation messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/chat"
			if since > 0 {
				path += "?since=" + strconv.Itoa(since)
			}
			return api.printJSON(cmd, http.MethodGet, path, nil, "")
		},
	}
	cmd.Flags().IntVar(&since, "since", 0, "skip the first n messages")
	return cmd
}

func newVizCommand(api *apiClient) *cobra.Command {
	var render bool
	var width int
	cmd := &cobra.Command{
		Use:   "viz",
		Short: "List visualizations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !render {
				return api.printJSON(cmd, http.MethodGet, "/v1/visualizations", nil, "")
			}
			_, raw, err := api.call(cmd.Context(), http.MethodGet, "/v1/visualizations", nil, "")
			if err != nil {
				return err
			}
			var list visualizationList
			if err := json.Unmarshal(raw, &list); err != nil {
				return &exitError{code: 1, msg: fmt.Sprintf("decode visualizations: %v", err)}
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), renderVisualizations(list.Visualizations, width))
			return nil
		},
	}
	cmd.Flags().BoolVar(&render, "render", false, "draw bar and line charts in the terminal")
	cmd.Flags().IntVar(&width, "width", 40, "bar width in cells when rendering")
	return cmd
}

type apiClient struct {
	baseURL string
	client  *http.Client
}

func (a *apiClient) printJSON(cmd *cobra.Command, method, path string, body io.Reader, contentType string) error {
	_, raw, err := a.call(cmd.Context(), method, path, body, contentType)
	if err != nil {
		return err
	}
	writePretty(cmd.OutOrStdout(), raw)
	return nil
}

// call returns an *exitError for transport failures and HTTP error statuses.
func (a *apiClient) call(ctx context.Context, method, path string, body io.Reader, contentType string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return 0, nil, &exitError{code: 1, msg: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, &exitError{code: 1, msg: fmt.Sprintf("request failed: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &exitError{code: 1, msg: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, raw, &exitError{code: 1, msg: fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}
	return resp.StatusCode, raw, nil
}

func multipartFile(path string) (io.Reader, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

func writePretty(w io.Writer, raw []byte) {
	if pretty, ok := prettyJSON(raw); ok {
		_, _ = fmt.Fprintln(w, pretty)
		return
	}
	if len(raw) > 0 {
		_, _ = fmt.Fprintln(w, string(raw))
	}
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
