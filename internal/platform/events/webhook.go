package events

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
	"net/http"
	"net/url"
	"time"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookOption configures a WebhookPublisher.
type WebhookOption func(*WebhookPublisher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.client = c }
}

// WithRetryDelays sets the wait before each retry; its length is the retry count.
func WithRetryDelays(delays ...time.Duration) WebhookOption {
	return func(p *WebhookPublisher) { p.retryDelays = delays }
}

// WebhookPublisher POSTs each event as signed JSON to one URL.
type WebhookPublisher struct {
	url         string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
}

func NewWebhookPublisher(rawURL, secret string, opts ...WebhookOption) (*WebhookPublisher, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", rawURL)
	}
	p := &WebhookPublisher{
		url:         rawURL,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{500 * time.Millisecond, 2 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *WebhookPublisher) Publish(ctx context.Context, events ...Event) error {
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.Type, err)
		}
		if err := p.deliver(ctx, e.Type, payload); err != nil {
			return err
		}
	}
	return nil
}

// deliver sends payload, retrying on transport errors and 5xx responses.
func (p *WebhookPublisher) deliver(ctx context.Context, eventType string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= len(p.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retryDelays[attempt-1]):
			}
		}
		retry, err := p.post(ctx, eventType, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return fmt.Errorf("deliver %s webhook: %w", eventType, lastErr)
}

func (p *WebhookPublisher) post(ctx context.Context, eventType string, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", eventType)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if p.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
}

func (p *WebhookPublisher) Close() error { return nil }

// MultiPublisher fans events out to every publisher. All are attempted;
// the errors are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
