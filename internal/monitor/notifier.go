package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
	"github.com/shohag/calrelay/internal/signing"
)

// Notifier forwards alerts to an external sink. Failures are reported to the
// caller but never affect the operation that raised the alert.
type Notifier interface {
	Notify(ctx context.Context, alert models.MonitoringAlert) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, models.MonitoringAlert) error { return nil }

// NewNotifier returns a webhook notifier, or a no-op one when no URL is set.
func NewNotifier(cfg config.NotificationConfig) Notifier {
	if cfg.WebhookURL == "" {
		return NopNotifier{}
	}
	return NewWebhookNotifier(cfg, nil)
}

// WebhookNotifier POSTs alerts as signed JSON.
type WebhookNotifier struct {
	url        string
	secret     string
	minLevel   models.AlertLevel
	maxRetries uint64
	client     *http.Client
	initial    time.Duration
}

func NewWebhookNotifier(cfg config.NotificationConfig, client *http.Client) *WebhookNotifier {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	minLevel := models.AlertLevel(cfg.MinLevel)
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = models.AlertWarning
	}
	return &WebhookNotifier{
		url:        cfg.WebhookURL,
		secret:     cfg.Secret,
		minLevel:   minLevel,
		maxRetries: cfg.MaxRetries,
		client:     client,
		initial:    500 * time.Millisecond,
	}
}

type alertPayload struct {
	Event string                 `json:"event"`
	Alert models.MonitoringAlert `json:"alert"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert models.MonitoringAlert) error {
	if !AtLeast(alert.Level, n.minLevel) {
		return nil
	}
	body, err := json.Marshal(alertPayload{Event: "calrelay.alert", Alert: alert})
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.initial
	b.MaxInterval = 10 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, n.maxRetries), ctx)

	return backoff.Retry(func() error { return n.post(ctx, body) }, policy)
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CalRelay/1.0")
	if n.secret != "" {
		signing.SetHeaders(req.Header, n.secret, body, time.Now())
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("alert webhook rejected alert with %d", resp.StatusCode))
	}
}
