// Package webhook delivers HMAC-signed completion callbacks.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Payload is the webhook body for run completion and failure events.
type Payload struct {
	Event           string         `json:"event"`
	RunID           string         `json:"run_id"`
	Workflow        string         `json:"workflow"`
	Status          string         `json:"status"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	Costs           float64        `json:"costs"`
	DurationSeconds float64        `json:"duration_seconds"`
	Error           string         `json:"error,omitempty"`
	Timestamp       string         `json:"timestamp"`
}

// Dispatcher posts signed payloads with retries.
type Dispatcher struct {
	secret     string
	maxRetries int
	client     *http.Client
	logger     *slog.Logger
	sleep      func(time.Duration)
}

// NewDispatcher creates a dispatcher signing with secret. maxRetries <= 0
// defaults to 3.
func NewDispatcher(secret string, maxRetries int, logger *slog.Logger) *Dispatcher {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		secret:     secret,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// Dispatch POSTs the payload to url, retrying on non-2xx and transport
// errors with min(2^attempt, 30)s backoff. Returns whether delivery
// succeeded; never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, payload Payload) bool {
	if payload.Timestamp == "" {
		payload.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook payload encoding failed", "error", err)
		return false
	}
	signature := Sign(body, d.secret)

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			d.logger.Error("webhook request build failed", "error", err)
			return false
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Sandcastle-Signature", signature)
		req.Header.Set("X-Sandcastle-Event", payload.Event)

		resp, err := d.client.Do(req)
		if err == nil {
			status := resp.StatusCode
			resp.Body.Close()
			if status >= 200 && status < 300 {
				d.logger.Info("webhook delivered",
					"event", payload.Event, "run_id", payload.RunID, "status", status)
				return true
			}
			d.logger.Warn("webhook attempt got error status",
				"attempt", attempt, "status", status, "url", url)
		} else {
			d.logger.Warn("webhook attempt failed", "attempt", attempt, "error", err)
		}

		if attempt < d.maxRetries {
			delay := time.Duration(1<<uint(attempt)) * time.Second
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			select {
			case <-ctx.Done():
				return false
			default:
			}
			d.sleep(delay)
		}
	}

	d.logger.Error("webhook delivery failed",
		"event", payload.Event, "run_id", payload.RunID, "url", url, "attempts", d.maxRetries)
	return false
}

// Sign computes the hex HMAC-SHA256 signature of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an incoming webhook signature in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
