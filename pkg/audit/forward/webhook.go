package forward

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

const (
	HeaderEvent      = "X-Audit-Event"
	HeaderDelivery   = "X-Audit-Delivery"
	HeaderSignature  = "X-Audit-Signature"
	HeaderAttempt    = "X-Audit-Attempt"
	EventRecordAdded = "audit.record"
)

// RetryConfig controls delivery retries
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns 3 attempts with exponential backoff from 200ms
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier <= 1.0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}

// delay returns the wait before retry number attempt (1-based)
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Envelope is the webhook body
type Envelope struct {
	DeliveryID string        `json:"delivery_id"`
	Event      string        `json:"event"`
	SentAt     time.Time     `json:"sent_at"`
	Record     *audit.Record `json:"record"`
}

// StatusError is returned for a non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned non-2xx status: %d", e.StatusCode)
}

// retryable reports whether another attempt can succeed
func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// WebhookForwarder posts records as signed JSON
type WebhookForwarder struct {
	url    string
	secret string
	client *http.Client
	retry  RetryConfig
	sleep  func(context.Context, time.Duration) error
}

// WebhookConfig configures a WebhookForwarder
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   RetryConfig
	Client  *http.Client
}

// NewWebhookForwarder validates cfg
func NewWebhookForwarder(cfg WebhookConfig) (*WebhookForwarder, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookForwarder{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: client,
		retry:  cfg.Retry.withDefaults(),
		sleep:  sleepContext,
	}, nil
}

// Forward delivers rec, retrying network errors, 5xx and 429 responses.
// Every attempt carries the same delivery id so the receiver can dedupe.
func (w *WebhookForwarder) Forward(ctx context.Context, rec *audit.Record) error {
	deliveryID := uuid.NewString()
	payload, err := json.Marshal(Envelope{
		DeliveryID: deliveryID,
		Event:      EventRecordAdded,
		SentAt:     time.Now().UTC(),
		Record:     rec,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= w.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := w.sleep(ctx, w.retry.delay(attempt-1)); err != nil {
				return fmt.Errorf("delivery %s abandoned: %w", deliveryID, errors.Join(lastErr, err))
			}
		}
		lastErr = w.send(ctx, payload, deliveryID, attempt)
		if lastErr == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && !statusErr.retryable() {
			break
		}
	}
	return fmt.Errorf("delivery %s failed: %w", deliveryID, lastErr)
}

func (w *WebhookForwarder) send(ctx context.Context, payload []byte, deliveryID string, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, EventRecordAdded)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderAttempt, fmt.Sprint(attempt))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header against payload
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
