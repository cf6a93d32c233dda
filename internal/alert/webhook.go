package alert

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
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/detections"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-DDoSGuard-Signature"

// EventDetection is the webhook event type for detection alerts.
const EventDetection = "detection.alert"

// DetectionSender is implemented by senders that deliver the detection
// itself rather than a rendered message. The Notifier prefers it.
type DetectionSender interface {
	SendDetection(ctx context.Context, to []string, d *detections.Detection) error
}

// WebhookEvent is the JSON body posted to webhook endpoints.
type WebhookEvent struct {
	Type      string                `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Subject   string                `json:"subject"`
	Detection *detections.Detection `json:"detection"`
}

// WebhookSender posts signed alert events to HTTP endpoints. Recipients are
// endpoint URLs.
type WebhookSender struct {
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	logger     *zap.Logger
}

// NewWebhookSender creates a WebhookSender signing bodies with secret. An
// empty secret sends unsigned events.
func NewWebhookSender(secret string, logger *zap.Logger) *WebhookSender {
	return &WebhookSender{
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{0, time.Second, 5 * time.Second},
		logger:     logger,
	}
}

// Send posts a message-only event, for callers without a detection.
func (s *WebhookSender) Send(ctx context.Context, to []string, subject, _ string) error {
	return s.post(ctx, to, WebhookEvent{Type: EventDetection, Timestamp: time.Now().UTC(), Subject: subject})
}

// SendDetection posts d to every endpoint in to.
func (s *WebhookSender) SendDetection(ctx context.Context, to []string, d *detections.Detection) error {
	subject, _ := Format(d)
	return s.post(ctx, to, WebhookEvent{
		Type:      EventDetection,
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Detection: d,
	})
}

func (s *WebhookSender) post(ctx context.Context, to []string, event WebhookEvent) error {
	if len(to) == 0 {
		return fmt.Errorf("webhook: no endpoints")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	signature := ""
	if s.secret != "" {
		signature = Sign(body, s.secret)
	}

	var errs []error
	for _, url := range to {
		if err := s.deliver(ctx, url, body, signature); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

// deliver retries a single endpoint with backoff until it accepts the event,
// the attempts run out or ctx ends.
func (s *WebhookSender) deliver(ctx context.Context, url string, body []byte, signature string) error {
	var lastErr error
	for attempt, delay := range s.delays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = s.doDelivery(ctx, url, body, signature)
		if lastErr == nil {
			return nil
		}
		s.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

func (s *WebhookSender) doDelivery(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the "sha256=<hex>" HMAC signature of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Notifiers fans a detection out to several notifiers.
type Notifiers []*Notifier

// Notify reports whether any notifier queued d.
func (ns Notifiers) Notify(d *detections.Detection) bool {
	queued := false
	for _, n := range ns {
		if n.Notify(d) {
			queued = true
		}
	}
	return queued
}

// Run runs every notifier until ctx is cancelled.
func (ns Notifiers) Run(ctx context.Context) {
	for _, n := range ns {
		go n.Run(ctx)
	}
	<-ctx.Done()
}
