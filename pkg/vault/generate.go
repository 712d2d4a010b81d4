package vault

import (
	"context"
	"fmt"
)

// GenerationAttempt is the state Vault hands out when a root generation starts.
type GenerationAttempt struct {
	Nonce string
	OTP   string
}

func (a GenerationAttempt) String() string {
	return fmt.Sprintf("attempt(nonce=%s)", a.Nonce)
}

// ShareProgress is Vault's answer to a submitted key share.
type ShareProgress struct {
	Complete     bool
	EncodedToken string
	Progress     int
	Required     int
}

// InitGeneration starts a root token generation attempt and returns its
// nonce and one-time pad.
func (c *Client) InitGeneration(ctx context.Context) (*GenerationAttempt, error) {
	var attempt *GenerationAttempt
	err := c.withRetry(ctx, "generate-root-init", func() error {
		status, err := c.client.Sys().GenerateRootInitWithContext(ctx, "", "")
		if err != nil {
			return err
		}
		attempt = &GenerationAttempt{Nonce: status.Nonce, OTP: status.OTP}
		return nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start root generation", "error", err)
		return nil, fmt.Errorf("vault: failed to start root generation: %w", err)
	}
	if attempt.Nonce == "" || attempt.OTP == "" {
		return nil, fmt.Errorf("vault: root generation returned no nonce or one-time pad")
	}

	c.logger.InfoContext(ctx, "root generation started", "nonce", attempt.Nonce)
	return attempt, nil
}

// SubmitShare provides one unseal key share to the running attempt.
func (c *Client) SubmitShare(ctx context.Context, nonce, share string) (*ShareProgress, error) {
	var progress *ShareProgress
	err := c.withRetry(ctx, "generate-root-update", func() error {
		status, err := c.client.Sys().GenerateRootUpdateWithContext(ctx, share, nonce)
		if err != nil {
			return err
		}
		progress = &ShareProgress{
			Complete:     status.Complete,
			EncodedToken: status.EncodedToken,
			Progress:     status.Progress,
			Required:     status.Required,
		}
		if progress.EncodedToken == "" {
			progress.EncodedToken = status.EncodedRootToken
		}
		return nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "key share rejected", "nonce", nonce, "error", err)
		return nil, fmt.Errorf("vault: failed to submit key share: %w", err)
	}

	c.logger.DebugContext(ctx, "key share submitted",
		"nonce", nonce,
		"progress", progress.Progress,
		"required", progress.Required,
		"complete", progress.Complete,
	)
	return progress, nil
}

// Decode turns the encoded token into the raw root token. It is never retried:
// a failed decode abandons the attempt.
func (c *Client) Decode(ctx context.Context, encodedToken, otp string) (string, error) {
	secret, err := c.client.Logical().WriteWithContext(ctx, "sys/decode-token", map[string]interface{}{
		"encoded_token": encodedToken,
		"otp":           otp,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to decode root token", "error", err)
		return "", fmt.Errorf("vault: failed to decode root token: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault: decode returned no data")
	}
	token, ok := secret.Data["token"].(string)
	if !ok || token == "" {
		return "", fmt.Errorf("vault: decode returned no token")
	}
	return token, nil
}

// CancelGeneration abandons the running root generation attempt.
func (c *Client) CancelGeneration(ctx context.Context) error {
	err := c.withRetry(ctx, "generate-root-cancel", func() error {
		return c.client.Sys().GenerateRootCancelWithContext(ctx)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to cancel root generation", "error", err)
		return fmt.Errorf("vault: failed to cancel root generation: %w", err)
	}
	c.logger.InfoContext(ctx, "root generation cancelled")
	return nil
}
