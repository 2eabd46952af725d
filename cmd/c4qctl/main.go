package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chartsfromquery/c4q/internal/cli/c4qctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("C4Q_CLI_TIMEOUT")), 3*time.Minute)
	options := c4qctl.Options{
		BaseURL: envOr("C4Q_WEB_URL", "http://localhost:3000"),
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	code := c4qctl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid C4Q_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
