// Package notifier delivers rendered screenshots to downstream HTTP APIs.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lumaview/pageshot/internal/capture"
	"github.com/lumaview/pageshot/internal/metrics"
)

// Downstream response bodies are truncated to this many bytes before they are
// echoed back to the caller.
const maxResponseText = 2000

// readCap bounds how much of the downstream body is read off the wire.
const readCap = 1 << 20

// Config controls HTTP timeouts and retry behavior for deliveries.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Client posts screenshot notifications to a target API and reports the
// downstream response. It retries transient failures with jittered backoff.
type Client struct {
	http   *http.Client
	policy *RetryPolicy
	logger *zap.Logger
}

// New builds a Client from the supplied configuration.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		policy: NewRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		logger: logger,
	}
}

// Deliver posts the notification as JSON to targetAPI. A non-2xx response is
// not an error; the status code and truncated body are returned so callers can
// surface them. Transport failures and 5xx gateway responses are retried.
func (c *Client) Deliver(ctx context.Context, targetAPI string, note capture.Notification) (capture.NotifyResult, error) {
	body, err := json.Marshal(note)
	if err != nil {
		return capture.NotifyResult{}, fmt.Errorf("marshal notification: %w", err)
	}

	result := capture.NotifyResult{TargetAPI: targetAPI}
	var lastErr error
	for attempt := 0; ; attempt++ {
		result.StatusCode, result.ResponseText, lastErr = c.post(ctx, targetAPI, body)
		if lastErr == nil && !retryableStatus(result.StatusCode) {
			result.Retries = attempt
			metrics.ObserveNotifyDelivery("success")
			return result, nil
		}
		retry := false
		if lastErr != nil {
			retry = c.policy.ShouldRetry(lastErr, attempt)
		} else {
			retry = c.policy.Allow(attempt)
		}
		if !retry {
			break
		}
		delay := c.policy.Backoff(attempt)
		c.logger.Warn("notify delivery retrying",
			zap.String("target_api", targetAPI),
			zap.Int("attempt", attempt+1),
			zap.Int("status", result.StatusCode),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			metrics.ObserveNotifyDelivery("canceled")
			return result, fmt.Errorf("notify delivery: %w", ctx.Err())
		}
		result.Retries = attempt + 1
	}

	metrics.ObserveNotifyDelivery("error")
	if lastErr != nil {
		return result, fmt.Errorf("notify %s: %w", targetAPI, lastErr)
	}
	// Retries exhausted on a 5xx gateway response; report it to the caller.
	return result, nil
}

func (c *Client) post(ctx context.Context, targetAPI string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetAPI, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, readCap))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, truncate(string(raw), maxResponseText), nil
}

// retryableStatus marks gateway-style failures worth another attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
