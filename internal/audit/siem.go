package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/witlox/breakglass/pkg/models"
	"github.com/witlox/breakglass/pkg/telemetry"
)

// NewForwarder returns an HTTP SIEM forwarder, or a no-op one when SIEM
// forwarding is disabled.
func NewForwarder(cfg *SIEMConfig) Forwarder {
	if cfg == nil || !cfg.Enabled || cfg.Endpoint == "" {
		return &noopForwarder{}
	}
	return newHTTPForwarder(cfg)
}

// httpForwarder forwards events to an HTTP SIEM endpoint.
type httpForwarder struct {
	config *SIEMConfig
	client *http.Client
}

func newHTTPForwarder(config *SIEMConfig) *httpForwarder {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &httpForwarder{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *httpForwarder) Forward(ctx context.Context, event *models.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	retryCount := f.config.RetryCount
	if retryCount == 0 {
		retryCount = 3
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retryCount-1)), ctx)

	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.Endpoint, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		telemetry.InjectContext(ctx, req)
		if f.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+f.config.APIKey)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("SIEM returned status %d", resp.StatusCode)
	}, policy)
	if err != nil {
		return fmt.Errorf("failed to forward event after %d attempts: %w", retryCount, err)
	}
	return nil
}

func (f *httpForwarder) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	if f.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.config.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("SIEM health check returned status %d", resp.StatusCode)
}
