package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/vault/api"
)

// IssueRequest describes an emergency child token.
type IssueRequest struct {
	Policy      string
	TTL         time.Duration
	DisplayName string
	Metadata    map[string]string
}

// IssuedToken is a created token. Token must not be logged.
type IssuedToken struct {
	Accessor string
	Token    string
}

// WritePolicy creates or replaces an ACL policy, acting as credential.
func (c *Client) WritePolicy(ctx context.Context, credential, name, document string) error {
	client, err := c.as(credential)
	if err != nil {
		return err
	}
	err = c.withRetry(ctx, "put-policy", func() error {
		return client.Sys().PutPolicyWithContext(ctx, name, document)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to write policy", "name", name, "error", err)
		return fmt.Errorf("vault: failed to write policy %s: %w", name, err)
	}
	c.logger.InfoContext(ctx, "policy written", "name", name)
	return nil
}

// DeletePolicy removes an ACL policy, acting as credential.
func (c *Client) DeletePolicy(ctx context.Context, credential, name string) error {
	client, err := c.as(credential)
	if err != nil {
		return err
	}
	err = c.withRetry(ctx, "delete-policy", func() error {
		return client.Sys().DeletePolicyWithContext(ctx, name)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to delete policy", "name", name, "error", err)
		return fmt.Errorf("vault: failed to delete policy %s: %w", name, err)
	}
	c.logger.InfoContext(ctx, "policy deleted", "name", name)
	return nil
}

// IssueCredential creates a non-renewable child token of credential bound to
// a single policy.
func (c *Client) IssueCredential(ctx context.Context, credential string, req *IssueRequest) (*IssuedToken, error) {
	if req == nil || req.Policy == "" {
		return nil, fmt.Errorf("vault: policy is required")
	}
	if req.TTL <= 0 {
		return nil, fmt.Errorf("vault: ttl must be positive")
	}
	client, err := c.as(credential)
	if err != nil {
		return nil, err
	}

	renewable := false
	create := &api.TokenCreateRequest{
		Policies:        []string{req.Policy},
		Metadata:        req.Metadata,
		TTL:             req.TTL.String(),
		ExplicitMaxTTL:  req.TTL.String(),
		DisplayName:     req.DisplayName,
		NoDefaultPolicy: true,
		Renewable:       &renewable,
	}

	var issued *IssuedToken
	err = c.withRetry(ctx, "token-create", func() error {
		secret, err := client.Auth().Token().CreateWithContext(ctx, create)
		if err != nil {
			return err
		}
		if secret == nil || secret.Auth == nil {
			return backoff.Permanent(fmt.Errorf("token create returned no auth data"))
		}
		issued = &IssuedToken{Accessor: secret.Auth.Accessor, Token: secret.Auth.ClientToken}
		return nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to create token", "policy", req.Policy, "error", err)
		return nil, fmt.Errorf("vault: failed to create token: %w", err)
	}

	c.logger.InfoContext(ctx, "token created", "policy", req.Policy, "accessor", issued.Accessor, "ttl", req.TTL)
	return issued, nil
}

// RevokeCredential revokes a token by accessor, acting as credential. An
// accessor Vault no longer knows is treated as already revoked.
func (c *Client) RevokeCredential(ctx context.Context, credential, accessor string) error {
	client, err := c.as(credential)
	if err != nil {
		return err
	}
	err = c.withRetry(ctx, "revoke-accessor", func() error {
		return client.Auth().Token().RevokeAccessorWithContext(ctx, accessor)
	})
	if err != nil && !isInvalidAccessor(err) {
		c.logger.ErrorContext(ctx, "failed to revoke token", "accessor", accessor, "error", err)
		return fmt.Errorf("vault: failed to revoke accessor %s: %w", accessor, err)
	}
	c.logger.InfoContext(ctx, "token revoked", "accessor", accessor)
	return nil
}

// RevokeSelf revokes credential using itself.
func (c *Client) RevokeSelf(ctx context.Context, credential string) error {
	if credential == "" {
		return fmt.Errorf("vault: refusing to revoke the broker token")
	}
	client, err := c.as(credential)
	if err != nil {
		return err
	}
	err = c.withRetry(ctx, "revoke-self", func() error {
		return client.Auth().Token().RevokeSelfWithContext(ctx, "")
	})
	if err != nil {
		if isPermissionDenied(err) {
			// Already revoked tokens can no longer authenticate.
			c.logger.WarnContext(ctx, "self revocation denied, token treated as revoked", "error", err)
			return nil
		}
		c.logger.ErrorContext(ctx, "failed to self-revoke token", "error", err)
		return fmt.Errorf("vault: failed to self-revoke token: %w", err)
	}
	return nil
}

// LookupAccessor returns the accessor of credential.
func (c *Client) LookupAccessor(ctx context.Context, credential string) (string, error) {
	client, err := c.as(credential)
	if err != nil {
		return "", err
	}
	var accessor string
	err = c.withRetry(ctx, "lookup-self", func() error {
		secret, err := client.Auth().Token().LookupSelfWithContext(ctx)
		if err != nil {
			return err
		}
		if secret == nil {
			return backoff.Permanent(fmt.Errorf("lookup returned no data"))
		}
		accessor, err = secret.TokenAccessor()
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to look up token", "error", err)
		return "", fmt.Errorf("vault: failed to look up token: %w", err)
	}
	return accessor, nil
}

func isInvalidAccessor(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != 400 {
		return false
	}
	for _, msg := range respErr.Errors {
		if strings.Contains(msg, "invalid accessor") {
			return true
		}
	}
	return false
}

func isPermissionDenied(err error) bool {
	var respErr *api.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 403
}
