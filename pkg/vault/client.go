// Package vault provides the HashiCorp Vault adapter used by the break-glass broker.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/vault/api"
)

// Client wraps the HashiCorp Vault API client.
type Client struct {
	client    *api.Client
	namespace string
	audit     AuditConfig
	retry     RetryConfig
	logger    *slog.Logger
}

// Config holds configuration for the Vault client.
type Config struct {
	Address   string
	Token     string
	Namespace string
	TLSConfig *TLSConfig
	Timeout   time.Duration
	Audit     AuditConfig
	Retry     RetryConfig
}

// TLSConfig holds TLS configuration for Vault connection.
type TLSConfig struct {
	CACert        string
	CAPath        string
	ClientCert    string
	ClientKey     string
	TLSServerName string
	Insecure      bool
}

// AuditConfig locates the file audit device used to reconstruct access trails.
type AuditConfig struct {
	// Device is the mount path of the audit device, used for sys/audit-hash.
	Device string
	// LogPath is the file the device writes to.
	LogPath string
}

// RetryConfig bounds retries of transient Vault failures.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// HealthStatus represents the health status of Vault.
type HealthStatus struct {
	Initialized bool
	Sealed      bool
	Standby     bool
	Version     string
	ClusterName string
	ClusterID   string
}

// New creates a new Vault client with the given configuration.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vault: config is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault: address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	vaultCfg := api.DefaultConfig()
	vaultCfg.Address = cfg.Address
	// Retries are owned by withRetry so that decode is never replayed.
	vaultCfg.MaxRetries = 0

	if cfg.Timeout > 0 {
		vaultCfg.Timeout = cfg.Timeout
	}

	if cfg.TLSConfig != nil {
		tlsCfg := &api.TLSConfig{
			CACert:        cfg.TLSConfig.CACert,
			CAPath:        cfg.TLSConfig.CAPath,
			ClientCert:    cfg.TLSConfig.ClientCert,
			ClientKey:     cfg.TLSConfig.ClientKey,
			TLSServerName: cfg.TLSConfig.TLSServerName,
			Insecure:      cfg.TLSConfig.Insecure,
		}
		if err := vaultCfg.ConfigureTLS(tlsCfg); err != nil {
			return nil, fmt.Errorf("vault: failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create client: %w", err)
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	logger.InfoContext(context.Background(), "vault client created", "address", cfg.Address)

	return &Client{
		client:    client,
		namespace: cfg.Namespace,
		audit:     cfg.Audit,
		retry:     cfg.Retry,
		logger:    logger,
	}, nil
}

// Health checks the health status of the Vault server.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get vault health", "error", err)
		return nil, fmt.Errorf("vault: health check failed: %w", err)
	}

	status := &HealthStatus{
		Initialized: health.Initialized,
		Sealed:      health.Sealed,
		Standby:     health.Standby,
		Version:     health.Version,
		ClusterName: health.ClusterName,
		ClusterID:   health.ClusterID,
	}

	c.logger.DebugContext(ctx, "vault health check",
		"initialized", status.Initialized,
		"sealed", status.Sealed,
		"version", status.Version,
	)

	return status, nil
}

// Threshold returns the number of unseal key shares required by the store.
func (c *Client) Threshold(ctx context.Context) (int, error) {
	var threshold int
	err := c.withRetry(ctx, "seal-status", func() error {
		status, err := c.client.Sys().SealStatusWithContext(ctx)
		if err != nil {
			return err
		}
		threshold = status.T
		return nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to read seal status", "error", err)
		return 0, fmt.Errorf("vault: failed to read seal status: %w", err)
	}
	if threshold <= 0 {
		return 0, fmt.Errorf("vault: seal status reports no key threshold")
	}
	return threshold, nil
}

// as returns an API client authenticated with credential. An empty
// credential selects the broker's own token.
func (c *Client) as(credential string) (*api.Client, error) {
	if credential == "" {
		return c.client, nil
	}
	clone, err := c.client.Clone()
	if err != nil {
		return nil, fmt.Errorf("vault: failed to clone client: %w", err)
	}
	clone.SetToken(credential)
	if c.namespace != "" {
		clone.SetNamespace(c.namespace)
	}
	return clone, nil
}

// withRetry runs fn with exponential backoff. Only transport errors, 5xx and
// 429 responses are retried.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if c.retry.InitialInterval > 0 {
		b.InitialInterval = c.retry.InitialInterval
	}
	if c.retry.MaxInterval > 0 {
		b.MaxInterval = c.retry.MaxInterval
	}
	if c.retry.MaxElapsedTime > 0 {
		b.MaxElapsedTime = c.retry.MaxElapsedTime
	}

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.logger.WarnContext(ctx, "vault call failed, retrying",
			"operation", op,
			"retry_in", next,
			"error", err,
		)
	})
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
