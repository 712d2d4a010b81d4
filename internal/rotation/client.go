package rotation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/witlox/breakglass/pkg/models"
	"github.com/witlox/breakglass/pkg/telemetry"
)

// ClientConfig configures the HTTP rotation service client.
type ClientConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Retries int
}

// Client calls an external rotation service over HTTP.
type Client struct {
	url     string
	token   string
	client  *http.Client
	retries uint64
}

var _ Service = (*Client)(nil)

type rotateRequest struct {
	IncidentID string   `json:"incident_id"`
	Paths      []string `json:"paths"`
}

type rotateResponse struct {
	Rotated []string `json:"rotated"`
	Failed  []string `json:"failed"`
	Message string   `json:"message,omitempty"`
}

// NewClient creates a rotation service client. It returns nil when no URL is
// configured, which callers treat as an absent service.
func NewClient(cfg ClientConfig) *Client {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		url:     strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		retries: uint64(retries),
	}
}

// Rotate asks the service to rotate paths on behalf of an incident.
func (c *Client) Rotate(ctx context.Context, incidentID string, paths []string) (*models.RotationResult, error) {
	body, err := json.Marshal(rotateRequest{IncidentID: incidentID, Paths: paths})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rotation request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)

	var out rotateResponse
	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/rotate", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		telemetry.InjectContext(ctx, req)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode rotation response: %w", err))
			}
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("rotation service returned status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("rotation service returned status %d", resp.StatusCode))
		}
	}, policy)
	if err != nil {
		return nil, err
	}

	status := models.RotationStatusRotated
	if len(out.Failed) > 0 {
		status = models.RotationStatusManualRequired
	}
	return &models.RotationResult{
		IncidentID: incidentID,
		Status:     status,
		Paths:      paths,
		Rotated:    out.Rotated,
		Failed:     out.Failed,
		Message:    out.Message,
	}, nil
}
