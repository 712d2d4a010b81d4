// Package client provides an HTTP client for the watch daemon API.
package client

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/models"
)

// Client talks to a running watch daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New creates a new API client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		token: cfg.Token,
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the response to the matching sentinel.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return errors.ErrUnknownIncident
	case http.StatusBadRequest:
		return errors.ErrInvalidInput
	case http.StatusConflict:
		return errors.ErrInvalidTransition
	}
	return nil
}

// errorResponse mirrors the server's error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// request makes an HTTP request to the API. Statuses in accept are returned
// with a decoded body instead of an error.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, result any, accept ...int) (int, error) {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return 0, fmt.Errorf("build URL: %w", err)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	accepted := resp.StatusCode < 300
	for _, s := range accept {
		if resp.StatusCode == s {
			accepted = true
		}
	}
	if !accepted {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(respBody)}
		var envelope errorResponse
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return resp.StatusCode, apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// ListIncidents lists incidents, optionally filtered by status.
func (c *Client) ListIncidents(ctx context.Context, statuses ...models.IncidentStatus) ([]*models.Incident, error) {
	query := url.Values{}
	for _, s := range statuses {
		query.Add("status", string(s))
	}
	var resp struct {
		Incidents []*models.Incident `json:"incidents"`
	}
	if _, err := c.request(ctx, http.MethodGet, "/api/v1/incidents", query, &resp); err != nil {
		return nil, err
	}
	return resp.Incidents, nil
}

// GetIncident looks up an incident by ID or credential accessor.
func (c *Client) GetIncident(ctx context.Context, ref string) (*models.Incident, error) {
	var inc models.Incident
	if _, err := c.request(ctx, http.MethodGet, "/api/v1/incidents/"+url.PathEscape(ref), nil, &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// Revoke asks the daemon to revoke an incident now.
func (c *Client) Revoke(ctx context.Context, ref string) (*models.Incident, error) {
	var inc models.Incident
	_, err := c.request(ctx, http.MethodPost, "/api/v1/incidents/"+url.PathEscape(ref)+"/revoke", nil, &inc)
	if err != nil {
		var apiErr *APIError
		if goerrors.As(err, &apiErr) && apiErr.Status == http.StatusBadGateway {
			return nil, errors.NewRevocationPartialFailureError(ref, map[string]error{"remote": apiErr})
		}
		return nil, err
	}
	return &inc, nil
}

// Rotate asks the daemon to re-run post-incident rotation.
func (c *Client) Rotate(ctx context.Context, ref string) (*models.RotationResult, error) {
	var result models.RotationResult
	status, err := c.request(ctx, http.MethodPost, "/api/v1/incidents/"+url.PathEscape(ref)+"/rotate", nil, &result, http.StatusAccepted)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted && result.Status == models.RotationStatusManualRequired {
		return &result, errors.NewRotationUnavailableError(ref, result.Paths, goerrors.New(result.Message))
	}
	return &result, nil
}

// VerifyResult is the daemon's audit chain verdict.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Events   int    `json:"events"`
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyAudit checks the audit hash chain held by the daemon.
func (c *Client) VerifyAudit(ctx context.Context) (*VerifyResult, error) {
	var result VerifyResult
	if _, err := c.request(ctx, http.MethodGet, "/api/v1/audit/verify", nil, &result, http.StatusConflict); err != nil {
		return nil, err
	}
	return &result, nil
}
