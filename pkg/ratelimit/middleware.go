package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/jwtauth/v5"
)

// Config holds rate limiting configuration
type Config struct {
	// Global rate limiting across all clients
	GlobalEnabled    bool
	GlobalCapacity   int
	GlobalRefillRate float64 // requests per second

	// Per-IP rate limiting
	PerIPEnabled    bool
	PerIPCapacity   int
	PerIPRefillRate float64

	// Per-user rate limiting for authenticated requests
	PerUserEnabled    bool
	PerUserCapacity   int
	PerUserRefillRate float64

	// Endpoint-specific fixed-window limits, keyed "METHOD /path". These run
	// through the CounterStore so they hold across replicas when the store
	// is Redis-backed.
	EndpointLimits map[string]EndpointLimit

	// How long to keep inactive token buckets in memory
	BucketTTL time.Duration

	// Include X-RateLimit headers in responses
	IncludeHeaders bool
}

// EndpointLimit is a fixed-window limit for one endpoint.
type EndpointLimit struct {
	Limit  int64
	Window time.Duration
}

// DefaultConfig returns the default limits. Endpoint limits are left to the
// caller since they depend on the mounted routes.
func DefaultConfig() *Config {
	return &Config{
		GlobalEnabled:    true,
		GlobalCapacity:   1000,
		GlobalRefillRate: 1000.0 / 60.0,

		PerIPEnabled:    true,
		PerIPCapacity:   100,
		PerIPRefillRate: 100.0 / 60.0,

		PerUserEnabled:    true,
		PerUserCapacity:   200,
		PerUserRefillRate: 200.0 / 60.0,

		BucketTTL: 1 * time.Hour,

		IncludeHeaders: true,

		EndpointLimits: make(map[string]EndpointLimit),
	}
}

// AuthEndpointLimits returns the endpoint limits for the authentication
// surface, with prefix prepended to each path.
func AuthEndpointLimits(prefix string) map[string]EndpointLimit {
	return map[string]EndpointLimit{
		"POST " + prefix + "/auth/login":         {Limit: 10, Window: time.Minute},
		"POST " + prefix + "/auth/signup":        {Limit: 5, Window: time.Minute},
		"POST " + prefix + "/auth/2fa/send-code": {Limit: 3, Window: time.Minute},
		"POST " + prefix + "/auth/2fa/verify":    {Limit: 10, Window: time.Minute},
		"POST " + prefix + "/2fa/setup/verify":   {Limit: 10, Window: time.Minute},
	}
}

// Middleware holds the rate limiting middleware state
type Middleware struct {
	config           *Config
	globalLimiter    *RateLimiter
	ipLimiter        *RateLimiter
	userLimiter      *RateLimiter
	endpointLimiters map[string]*WindowLimiter
}

// NewMiddleware creates the middleware. Endpoint limits count through store;
// pass a MemoryCounterStore for single-instance deployments or a
// RedisCounterStore to share windows across replicas.
func NewMiddleware(config *Config, store CounterStore) *Middleware {
	if config == nil {
		config = DefaultConfig()
	}
	if store == nil {
		store = NewMemoryCounterStore(time.Minute)
	}

	m := &Middleware{
		config:           config,
		endpointLimiters: make(map[string]*WindowLimiter),
	}

	if config.GlobalEnabled {
		m.globalLimiter = NewRateLimiter(config.GlobalCapacity, config.GlobalRefillRate, config.BucketTTL)
	}
	if config.PerIPEnabled {
		m.ipLimiter = NewRateLimiter(config.PerIPCapacity, config.PerIPRefillRate, config.BucketTTL)
	}
	if config.PerUserEnabled {
		m.userLimiter = NewRateLimiter(config.PerUserCapacity, config.PerUserRefillRate, config.BucketTTL)
	}

	for endpoint, limit := range config.EndpointLimits {
		m.endpointLimiters[endpoint] = NewWindowLimiter(store, limit.Limit, limit.Window)
	}

	return m
}

// Handler returns the rate limiting middleware handler
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.GlobalEnabled && !m.globalLimiter.Allow("global") {
			m.rateLimitExceeded(w, r, "global", "60")
			return
		}

		ip := getClientIP(r)
		if m.config.PerIPEnabled && ip != "" && !m.ipLimiter.Allow(ip) {
			m.rateLimitExceeded(w, r, "ip", "60")
			return
		}

		userID := getUserID(r)
		if m.config.PerUserEnabled && userID != "" && !m.userLimiter.Allow(userID) {
			m.rateLimitExceeded(w, r, "user", "60")
			return
		}

		endpointKey := r.Method + " " + r.URL.Path
		if limiter, exists := m.endpointLimiters[endpointKey]; exists {
			allowed, err := limiter.Allow(r.Context(), ip+":"+endpointKey)
			if err != nil {
				// A broken store must not take the endpoint down with it
				slog.Error("Rate limit store failure, admitting request", "endpoint", endpointKey, "error", err)
			} else if !allowed {
				retryAfter := fmt.Sprintf("%d", int(limiter.Window().Seconds()))
				m.rateLimitExceeded(w, r, "endpoint", retryAfter)
				return
			}
		}

		if m.config.IncludeHeaders {
			m.addRateLimitHeaders(w, ip, userID)
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) rateLimitExceeded(w http.ResponseWriter, r *http.Request, limitType, retryAfter string) {
	slog.Warn("Rate limit exceeded",
		"type", limitType,
		"ip", getClientIP(r),
		"user", getUserID(r),
		"path", r.URL.Path,
		"method", r.Method,
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", retryAfter)
	w.WriteHeader(http.StatusTooManyRequests)

	fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"Too many requests. Please try again later.","type":%q}`, limitType)
}

func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, ip, userID string) {
	if m.config.PerIPEnabled && ip != "" {
		w.Header().Set("X-RateLimit-Limit-IP", fmt.Sprintf("%d", m.config.PerIPCapacity))
	}
	if m.config.PerUserEnabled && userID != "" {
		w.Header().Set("X-RateLimit-Limit-User", fmt.Sprintf("%d", m.config.PerUserCapacity))
	}
}

// getClientIP extracts the client IP, preferring proxy headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is "IP:port"
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// getUserID extracts the user ID from JWT claims when the request is
// authenticated.
func getUserID(r *http.Request) string {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil || claims == nil {
		return ""
	}

	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID
	}
	return ""
}

// GetStats returns statistics for the token-bucket limiters
func (m *Middleware) GetStats() map[string]Stats {
	stats := make(map[string]Stats)

	if m.globalLimiter != nil {
		stats["global"] = m.globalLimiter.GetStats()
	}
	if m.ipLimiter != nil {
		stats["ip"] = m.ipLimiter.GetStats()
	}
	if m.userLimiter != nil {
		stats["user"] = m.userLimiter.GetStats()
	}

	return stats
}

// Reset refills the per-IP and per-user buckets for a key
func (m *Middleware) Reset(key string) {
	if m.ipLimiter != nil {
		m.ipLimiter.Reset(key)
	}
	if m.userLimiter != nil {
		m.userLimiter.Reset(key)
	}
}
