package vault

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/witlox/breakglass/pkg/models"
)

// maxAuditLine bounds a single audit log entry; Vault entries carrying
// large request bodies can exceed bufio's default.
const maxAuditLine = 4 * 1024 * 1024

// auditRecord is the subset of a file audit device entry the broker reads.
type auditRecord struct {
	Time time.Time `json:"time"`
	Type string    `json:"type"`
	Auth *struct {
		Accessor string `json:"accessor"`
	} `json:"auth"`
	Request *struct {
		Path      string `json:"path"`
		Operation string `json:"operation"`
	} `json:"request"`
}

// QueryAuditTrail returns every request made by the token with the given
// accessor between since and until, read from the file audit device.
func (c *Client) QueryAuditTrail(ctx context.Context, accessor string, since, until time.Time) ([]models.AuditTrailEntry, error) {
	if c.audit.LogPath == "" {
		return nil, fmt.Errorf("vault: audit log path is not configured")
	}

	identities := map[string]struct{}{accessor: {}}
	if c.audit.Device != "" {
		hashed, err := c.client.Sys().AuditHashWithContext(ctx, c.audit.Device, accessor)
		if err != nil {
			c.logger.WarnContext(ctx, "failed to hash accessor, matching raw accessor only",
				"device", c.audit.Device,
				"error", err,
			)
		} else {
			identities[hashed] = struct{}{}
		}
	}

	f, err := os.Open(c.audit.LogPath)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	entries, err := scanAuditLog(ctx, f, identities, since, until)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to scan audit log", "path", c.audit.LogPath, "error", err)
		return nil, fmt.Errorf("vault: failed to scan audit log: %w", err)
	}

	c.logger.InfoContext(ctx, "audit trail queried", "accessor", accessor, "entries", len(entries))
	return entries, nil
}

func scanAuditLog(ctx context.Context, r io.Reader, identities map[string]struct{}, since, until time.Time) ([]models.AuditTrailEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxAuditLine)

	var entries []models.AuditTrailEntry
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec auditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "request" || rec.Auth == nil || rec.Request == nil {
			continue
		}
		if _, ok := identities[rec.Auth.Accessor]; !ok {
			continue
		}
		if !since.IsZero() && rec.Time.Before(since) {
			continue
		}
		if !until.IsZero() && rec.Time.After(until) {
			continue
		}
		entries = append(entries, models.AuditTrailEntry{
			Path:      rec.Request.Path,
			Operation: rec.Request.Operation,
			Timestamp: rec.Time,
		})
	}
	return entries, scanner.Err()
}
