package vault

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-version"
)

// SupportedVersionMin is the first Vault release exposing sys/decode-token.
const SupportedVersionMin = "1.10.0"

var versionPattern = regexp.MustCompile(`^(\d+\.\d+\.\d+)`)

// VersionCompatibility holds version compatibility check results.
type VersionCompatibility struct {
	Version    string
	Compatible bool
	Message    string
	MinVersion string
}

// CheckVersionCompatibility checks if the Vault version supports the
// break-glass handshake.
func (c *Client) CheckVersionCompatibility(ctx context.Context) (*VersionCompatibility, error) {
	health, err := c.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Vault health: %w", err)
	}

	result := CompareVersion(health.Version)
	if result.Compatible {
		c.logger.InfoContext(ctx, "vault version compatible", "version", result.Version)
	} else {
		c.logger.WarnContext(ctx, "vault version not supported", "version", health.Version, "reason", result.Message)
	}
	return result, nil
}

// CompareVersion evaluates a raw Vault version string such as "1.15.2+ent".
func CompareVersion(raw string) *VersionCompatibility {
	result := &VersionCompatibility{
		Version:    raw,
		MinVersion: SupportedVersionMin,
	}

	versionStr := raw
	if idx := strings.Index(versionStr, "+"); idx != -1 {
		versionStr = versionStr[:idx]
	}

	matches := versionPattern.FindStringSubmatch(versionStr)
	if len(matches) < 2 {
		result.Message = fmt.Sprintf("unable to parse Vault version: %s", raw)
		return result
	}

	current, err := version.NewVersion(matches[1])
	if err != nil {
		result.Message = fmt.Sprintf("invalid version format: %s", matches[1])
		return result
	}
	minVer := version.Must(version.NewVersion(SupportedVersionMin))

	if current.LessThan(minVer) {
		result.Message = fmt.Sprintf("Vault version %s is below minimum supported version %s", current, SupportedVersionMin)
		return result
	}

	result.Version = current.String()
	result.Compatible = true
	result.Message = fmt.Sprintf("Vault version %s is compatible", current)
	return result
}
