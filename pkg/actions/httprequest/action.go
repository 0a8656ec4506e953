// Package httprequest provides the built-in HTTP request action.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/weavr-dev/weavr/pkg/protocol"
)

const defaultTimeoutSeconds = 30

// ErrURLMissing is returned when the step config has no url.
var ErrURLMissing = errors.New("missing 'url' in configuration")

type Action struct{}

func NewAction() *Action {
	return &Action{}
}

func (a *Action) ID() string {
	return "http.request"
}

func (a *Action) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Request URL. Supports templating.",
			},
			"method": map[string]any{
				"type":    "string",
				"default": http.MethodGet,
				"enum": []string{
					http.MethodGet, http.MethodPost, http.MethodPut,
					http.MethodPatch, http.MethodDelete, http.MethodHead,
				},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers. Values support templating.",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body. Supports templating.",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Request timeout in seconds.",
				"default":     float64(defaultTimeoutSeconds),
			},
		},
		"required": []string{"url"},
	}
}

// Execute performs the request and returns status code, parsed body and
// headers. A non-JSON response body is returned as a string.
func (a *Action) Execute(ctx context.Context, actionCtx protocol.ActionContext, logger *slog.Logger) (any, error) {
	logger = logger.With("action_type", "http.request")

	url, _ := actionCtx.Config["url"].(string)
	if url == "" {
		return nil, ErrURLMissing
	}

	method, _ := actionCtx.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	method = strings.ToUpper(method)

	var bodyReader io.Reader
	if body, ok := actionCtx.Config["body"].(string); ok && body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if headers, ok := actionCtx.Config["headers"].(map[string]any); ok {
		for key, value := range headers {
			if str, ok := value.(string); ok {
				req.Header.Set(key, str)
			}
		}
	}

	timeout := defaultTimeoutSeconds * time.Second
	if seconds, ok := actionCtx.Config["timeout"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds * float64(time.Second))
	}

	client := &http.Client{Timeout: timeout}

	logger.DebugContext(ctx, "Executing HTTP request", "method", method, "url", url)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	return a.processResponse(ctx, resp, logger)
}

func (a *Action) processResponse(ctx context.Context, resp *http.Response, logger *slog.Logger) (any, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		body = string(bodyBytes)
	}

	logger.InfoContext(ctx, "HTTP request completed",
		"status_code", resp.StatusCode, "body_length", len(bodyBytes))

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"headers":     resp.Header,
	}, nil
}
