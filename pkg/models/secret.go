package models

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"time"
)

const redacted = "[REDACTED]"

// KeyShare is one unseal key share supplied by a key holder. The raw bytes
// are only reachable through Value and are wiped by Zero.
type KeyShare struct {
	Sequence   int
	ReceivedAt time.Time
	raw        []byte
}

// NewKeyShare copies raw into a new share.
func NewKeyShare(seq int, raw []byte, at time.Time) *KeyShare {
	b := make([]byte, len(raw))
	copy(b, raw)
	return &KeyShare{Sequence: seq, ReceivedAt: at, raw: b}
}

// Value returns the share as submitted.
func (k *KeyShare) Value() string {
	return string(k.raw)
}

// Equal reports whether the share matches b, in constant time.
func (k *KeyShare) Equal(b []byte) bool {
	return subtle.ConstantTimeCompare(k.raw, b) == 1
}

// Len returns the share length in bytes.
func (k *KeyShare) Len() int {
	return len(k.raw)
}

// Zero overwrites the share bytes.
func (k *KeyShare) Zero() {
	for i := range k.raw {
		k.raw[i] = 0
	}
	k.raw = nil
}

func (k *KeyShare) String() string { return redacted }

// LogValue keeps shares out of structured logs.
func (k *KeyShare) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("sequence", k.Sequence), slog.String("value", redacted))
}

// ZeroShares wipes every share in the slice.
func ZeroShares(shares []*KeyShare) {
	for _, s := range shares {
		if s != nil {
			s.Zero()
		}
	}
}

// RootCredential is a freshly generated root token. It lives in memory only.
type RootCredential struct {
	Accessor    string
	Fingerprint string
	GeneratedAt time.Time
	token       string
}

// NewRootCredential wraps a decoded root token.
func NewRootCredential(token, accessor string, at time.Time) *RootCredential {
	return &RootCredential{
		Accessor:    accessor,
		Fingerprint: Fingerprint(token),
		GeneratedAt: at,
		token:       token,
	}
}

// Value returns the raw token. Empty after Zero.
func (r *RootCredential) Value() string {
	if r == nil {
		return ""
	}
	return r.token
}

// Zero drops the token reference.
func (r *RootCredential) Zero() {
	if r != nil {
		r.token = ""
	}
}

func (r *RootCredential) String() string { return redacted }

// LogValue keeps the root token out of structured logs.
func (r *RootCredential) LogValue() slog.Value {
	return slog.GroupValue(slog.String("fingerprint", r.Fingerprint), slog.String("token", redacted))
}

// EmergencyCredential is the scoped, TTL-bound credential handed to the operator.
type EmergencyCredential struct {
	IncidentID string
	Accessor   string
	PolicyName string
	TTL        time.Duration
	IssuedAt   time.Time
	value      string
}

// NewEmergencyCredential wraps an issued token.
func NewEmergencyCredential(incidentID, accessor, value, policyName string, ttl time.Duration, at time.Time) *EmergencyCredential {
	return &EmergencyCredential{
		IncidentID: incidentID,
		Accessor:   accessor,
		PolicyName: policyName,
		TTL:        ttl,
		IssuedAt:   at,
		value:      value,
	}
}

// Value returns the raw token. It is meant to be shown to the operator once.
func (e *EmergencyCredential) Value() string {
	if e == nil {
		return ""
	}
	return e.value
}

// ExpiresAt returns the time the credential stops being valid.
func (e *EmergencyCredential) ExpiresAt() time.Time {
	return e.IssuedAt.Add(e.TTL)
}

func (e *EmergencyCredential) String() string { return redacted }

// LogValue keeps the emergency token out of structured logs.
func (e *EmergencyCredential) LogValue() slog.Value {
	return slog.GroupValue(slog.String("accessor", e.Accessor), slog.String("token", redacted))
}

// Fingerprint returns a short, non-reversible identifier for a token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:8]
}
