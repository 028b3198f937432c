// Package webhook delivers job completion callbacks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Target is where a callback is delivered
type Target struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Validation codes
const (
	CodeRequired      = "REQUIRED"
	CodeInvalidMethod = "INVALID_METHOD"
	CodeInvalidURL    = "INVALID_URL"
)

// ValidationError reports an unusable target
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validate checks the target. Only POST callbacks are supported.
func (t Target) Validate() error {
	if strings.TrimSpace(t.URL) == "" {
		return &ValidationError{Code: CodeRequired, Message: "webhook url is required"}
	}
	if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
		return &ValidationError{Code: CodeInvalidURL, Message: fmt.Sprintf("webhook url must be http or https, got %q", t.URL)}
	}
	if t.Method != "" && !strings.EqualFold(t.Method, http.MethodPost) {
		return &ValidationError{Code: CodeInvalidMethod, Message: "webhook method must be POST"}
	}
	return nil
}

// Client sends JSON callbacks
type Client struct {
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a webhook client with a per-call timeout
func NewClient(timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "webhook").Logger(),
	}
}

// Send posts payload as JSON to the target. Any non-2xx status is an error.
func (c *Client) Send(ctx context.Context, target Target, payload interface{}) error {
	if err := target.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	c.log.Debug().
		Str("url", target.URL).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Webhook delivered")
	return nil
}
