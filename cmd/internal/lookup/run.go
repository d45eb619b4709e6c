package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	// ErrInvalidJSON is returned when a provider answers 2xx with a body that is not JSON.
	ErrInvalidJSON = errors.New("lookup: provider returned invalid json")
	// ErrTooLarge is returned when a response exceeds the size cap.
	ErrTooLarge = errors.New("lookup: response too large")
	// ErrDisabled is returned for tools that are not enabled.
	ErrDisabled = errors.New("lookup: tool is disabled")
	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("lookup: empty query")
)

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("lookup: provider returned %d", e.Status)
	}
	return fmt.Sprintf("lookup: provider returned %d: %s", e.Status, e.Body)
}

const (
	defaultTimeout  = 20 * time.Second
	defaultMaxBytes = 2 << 20
	errorBodyLimit  = 512
)

// Runner executes lookups.
type Runner struct {
	HTTP     *http.Client
	Timeout  time.Duration
	MaxBytes int64
	// Getenv resolves ${NAME} in header values; os.Getenv when nil.
	Getenv func(string) string
	Log    *slog.Logger
}

var defaultRunner = &Runner{}

// Run executes tool with query using default limits.
func Run(ctx context.Context, tool ToolConfig, query string) (json.RawMessage, error) {
	return defaultRunner.Run(ctx, tool, query)
}

// Run expands the tool template with query, calls the provider and returns its JSON body.
func (r *Runner) Run(ctx context.Context, tool ToolConfig, query string) (json.RawMessage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if !tool.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, tool.Name)
	}
	if err := tool.Validate(); err != nil {
		return nil, err
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := r.newRequest(ctx, tool, query)
	if err != nil {
		return nil, err
	}

	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup: %s: %w", tool.Name, err)
	}
	defer resp.Body.Close()

	limit := r.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("lookup: %s: read response: %w", tool.Name, err)
	}

	r.logger().Info("lookup.run",
		"tool", tool.Name,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := body
		if len(snippet) > errorBodyLimit {
			snippet = snippet[:errorBodyLimit]
		}
		return nil, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, limit)
	}
	if !json.Valid(body) {
		return nil, ErrInvalidJSON
	}
	return json.RawMessage(body), nil
}

func (r *Runner) newRequest(ctx context.Context, tool ToolConfig, query string) (*http.Request, error) {
	target := strings.ReplaceAll(tool.URLTemplate, QueryPlaceholder, url.QueryEscape(query))

	var body io.Reader
	method := tool.method()
	if method == http.MethodPost {
		b, _ := json.Marshal(map[string]string{"query": query})
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("lookup: %s: %w", tool.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for k, v := range tool.Headers {
		req.Header.Set(k, os.Expand(v, getenv))
	}
	return req, nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}
