package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// ContextKeyRequestID holds the request ID in context.
const ContextKeyRequestID contextKey = "request_id"

// MiddlewareConfig holds middleware configuration.
type MiddlewareConfig struct {
	// APIToken is the bearer token required on API routes. Empty disables
	// authentication.
	APIToken string
	// RateLimit caps requests per client and window. Zero disables limiting.
	RateLimit       int
	RateLimitWindow time.Duration
	SkipPaths       []string
}

// DefaultMiddlewareConfig returns a sensible default configuration.
func DefaultMiddlewareConfig() *MiddlewareConfig {
	return &MiddlewareConfig{
		RateLimit:       60,
		RateLimitWindow: time.Minute,
		SkipPaths:       []string{"/health", "/ready", "/live", "/metrics"},
	}
}

func (c *MiddlewareConfig) skip(path string) bool {
	for _, p := range c.SkipPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// RequestIDMiddleware adds a unique request ID to each request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyRequestID, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests with timing.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			//nolint:contextcheck // We're using r.Context() inside the defer
			defer func() {
				requestID, _ := r.Context().Value(ContextKeyRequestID).(string)
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.statusCode,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", requestID,
					"remote_addr", r.RemoteAddr,
				}
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if id := rctx.URLParam("id"); id != "" {
						attrs = append(attrs, "incident_ref", id)
					}
				}
				// revoke and rotate change incident state
				level := slog.LevelInfo
				if r.Method != http.MethodGet && r.Method != http.MethodHead {
					level = slog.LevelWarn
				}
				logger.Log(r.Context(), level, "http request", attrs...)
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// AuthMiddleware requires the configured bearer token.
func AuthMiddleware(config *MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.APIToken == "" || config.skip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSONError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "authentication required")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeJSONError(w, http.StatusUnauthorized, "INVALID_AUTH_HEADER", "invalid authorization header format")
				return
			}
			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(config.APIToken)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "AUTH_FAILED", "authentication failed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware limits requests per client address.
func RateLimitMiddleware(limiter RateLimiter, config *MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.skip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := r.RemoteAddr
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "RATE_LIMIT_ERROR", "rate limit check failed")
				return
			}
			if !allowed {
				remaining, _ := limiter.Remaining(r.Context(), key)
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
				w.Header().Set("Retry-After", strconv.Itoa(int(config.RateLimitWindow.Seconds())))
				writeJSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RecoveryMiddleware recovers from panics and returns 500.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			//nolint:contextcheck // We're using r.Context() inside the defer
			defer func() {
				if err := recover(); err != nil {
					requestID, _ := r.Context().Value(ContextKeyRequestID).(string)
					logger.ErrorContext(r.Context(), "panic recovered",
						"error", err,
						"request_id", requestID,
						"path", r.URL.Path,
					)
					writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InMemoryRateLimiter is a fixed window rate limiter.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   clock.PassiveClock
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter.
func NewInMemoryRateLimiter(limit int, window time.Duration, clk clock.PassiveClock) *InMemoryRateLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &InMemoryRateLimiter{
		limit:   limit,
		window:  window,
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	now := r.clock.Now()
	if !ok || now.After(b.resetAt) {
		r.buckets[key] = &bucket{count: 1, resetAt: now.Add(r.window)}
		return true, nil
	}

	if b.count >= r.limit {
		return false, nil
	}
	b.count++
	return true, nil
}

func (r *InMemoryRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok || r.clock.Now().After(b.resetAt) {
		return r.limit, nil
	}
	return r.limit - b.count, nil
}
