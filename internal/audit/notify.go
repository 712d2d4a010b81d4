package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/witlox/breakglass/pkg/models"
	"github.com/witlox/breakglass/pkg/telemetry"
)

// Notification is an outbound incident message. It never carries secrets.
type Notification struct {
	Channel    string            `json:"channel,omitempty"`
	Severity   models.Severity   `json:"severity"`
	Message    string            `json:"text"`
	IncidentID string            `json:"incident_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Notifier delivers a notification to one destination.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Dispatcher fans notifications out to notifiers without blocking the caller.
// Delivery failures are logged and otherwise ignored.
type Dispatcher struct {
	channel   string
	timeout   time.Duration
	notifiers []Notifier
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. channel is used when a notification
// names none.
func NewDispatcher(channel string, timeout time.Duration, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		channel:   channel,
		timeout:   timeout,
		notifiers: notifiers,
		logger:    logger,
	}
}

// Notify sends n to every notifier in the background.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if n.Channel == "" {
		n.Channel = d.channel
	}
	if n.Severity == "" {
		n.Severity = models.SeverityInfo
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	base := context.WithoutCancel(ctx)
	for _, notifier := range d.notifiers {
		d.wg.Add(1)
		go func(notifier Notifier) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := notifier.Notify(sendCtx, n); err != nil {
				d.logger.WarnContext(ctx, "notification delivery failed",
					"incident_id", n.IncidentID,
					"severity", n.Severity,
					"error", err,
				)
			}
		}(notifier)
	}
}

// Close waits for pending deliveries.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	attrs := []any{
		"channel", n.Channel,
		"severity", n.Severity,
		"incident_id", n.IncidentID,
	}
	for k, v := range n.Fields {
		attrs = append(attrs, k, v)
	}
	l.logger.Log(ctx, severityLevel(n.Severity), n.Message, attrs...)
	return nil
}

// WebhookNotifier posts notifications as JSON to a chat webhook.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	retries uint64
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration, retries int) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retries: uint64(retries),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, w.retries), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		telemetry.InjectContext(ctx, req)

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
		}
	}, policy)
}
