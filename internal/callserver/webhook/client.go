package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sebas/callserver/internal/callserver/callinfo"
)

// maxBody caps how much of a webhook response is read.
const maxBody = 1 << 20

// StatusError is returned when a webhook answers with a non-2xx status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s returned %d", e.URL, e.Status)
}

// Client performs webhook round-trips.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates a webhook client with the given per-request timeout.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  "callserver/1.0",
		logger:     logger,
	}
}

// Request delivers a call-status snapshot to hook. The response body is
// discarded.
func (c *Client) Request(ctx context.Context, hook Hook, snap callinfo.Snapshot) error {
	resp, err := c.do(ctx, hook, snap)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: hook.URL, Status: resp.StatusCode}
	}

	c.logger.Debug("[Webhook] Status delivered",
		"call_sid", snap.CallSid,
		"call_status", snap.CallStatus,
		"url", hook.URL,
	)
	return nil
}

// Fetch sends payload to hook and returns the response body, which holds
// application instructions.
func (c *Client) Fetch(ctx context.Context, hook Hook, payload any) ([]byte, error) {
	resp, err := c.do(ctx, hook, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: hook.URL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, hook Hook, payload any) (*http.Response, error) {
	if hook.IsZero() {
		return nil, fmt.Errorf("webhook has no url")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}

	var req *http.Request
	if hook.HTTPMethod() == http.MethodGet {
		target, err := withQuery(hook.URL, data)
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, hook.HTTPMethod(), hook.URL, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call webhook %s: %w", hook.URL, err)
	}
	return resp, nil
}

// withQuery flattens the top-level scalar fields of a JSON object into the
// query string of rawURL.
func withQuery(rawURL string, data []byte) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse webhook url: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return u.String(), nil
	}

	q := u.Query()
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			q.Set(k, val)
		case float64, bool:
			q.Set(k, fmt.Sprint(val))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Noop drops every notification. It stands in when no status hook is
// configured.
type Noop struct{}

func (Noop) Request(ctx context.Context, hook Hook, snap callinfo.Snapshot) error { return nil }
