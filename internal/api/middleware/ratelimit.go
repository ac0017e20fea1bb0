package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	maxCallers                 int     = 1000
	defaultGlobalRPS           int     = 200
	defaultCallerRPS           int     = 50
	defaultUnAuthRPS           int     = 10
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// Implementations may use in-memory token buckets (single-node deployment)
	// or distributed stores like Redis (multi-node deployment).
	//
	// The interface enables zero-downtime migration from in-memory to
	// Redis-backed rate limiting when scaling beyond single-node deployments.
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// Returns true if allowed, false if rate limited.
		//
		// For authenticated requests, callerID identifies the caller.
		// For unauthenticated requests, callerID is empty string.
		Allow(callerID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Provides three-tier rate limiting:
	// 1. Global limit (applied to all requests)
	// 2. Per-caller limit (applied to authenticated requests)
	// 3. Unauthenticated limit (applied to requests without a caller ID)
	//
	// Uses token bucket algorithm with configurable burst capacity.
	// Burst capacity allows temporary bursts above the sustained rate.
	//
	// Memory cleanup runs periodically to prevent unbounded growth.
	// Callers idle longer than IdleTimeout are removed.
	//
	// Suitable for single-node deployments. For distributed systems,
	// use a Redis-backed implementation.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perCaller       map[string]*callerLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}

		// Configuration (stored for creating new caller limiters and cleanup)
		callerRPS       int
		callerBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxCallers      int
	}

	// callerLimiter tracks rate limit state for a single caller.
	// Includes last access time for memory cleanup.
	callerLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a new in-memory rate limiter with three-tier limits.
//
// Burst capacity is computed automatically as 2 × rate unless overridden in config.
// Cleanup runs periodically to prevent unbounded memory growth.
//
// Example:
//
//	rl := NewInMemoryRateLimiter(&Config{
//	    GlobalRPS: 200,
//	    CallerRPS: 50,
//	    UnAuthRPS: 10,
//	})
//	defer rl.Close()
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	// Compute burst capacities (use override if provided, otherwise 2 × rate)
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	callerBurst := computeBurstCapacity(config.CallerRPS, config.CallerBurst)
	unauthBurst := computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perCaller:       make(map[string]*callerLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS), unauthBurst),
		done:            make(chan struct{}),
		callerRPS:       config.CallerRPS,
		callerBurst:     callerBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxCallers:      config.MaxCallers,
	}

	// Start background cleanup goroutine
	rl.startCleanup()

	return rl
}

// computeBurstCapacity computes the burst capacity based on the rate and optional override.
//
// If burstOverride is 0, computes burst automatically as 2 × rate.
// If burstOverride > 0, uses the override value.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks if a request should be allowed based on rate limits.
// Implements the RateLimiter interface.
//
// Rate limiting is enforced in three tiers:
// 1. Global limit (all requests)
// 2. Per-caller limit (authenticated) OR unauthenticated limit
//
// Parameters:
//   - callerID: empty string for unauthenticated requests, caller identity otherwise
func (rl *InMemoryRateLimiter) Allow(callerID string) bool {
	// Tier 1: Check global limit first (fail fast)
	if !rl.global.Allow() {
		return false
	}

	// Tier 2: Check caller-specific or unauthenticated limit
	if callerID == "" {
		return rl.unauthenticated.Allow()
	}

	// Authenticated request - get or create caller limiter
	rl.mu.RLock()
	cl, ok := rl.perCaller[callerID]
	rl.mu.RUnlock()

	if !ok {
		// Lazy initialization: create limiter for this caller
		rl.mu.Lock()
		// Double-check after acquiring write lock (avoid race)
		if cl, ok = rl.perCaller[callerID]; !ok {
			cl = &callerLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.callerRPS), rl.callerBurst),
				lastAccess: time.Now(),
			}

			rl.perCaller[callerID] = cl

			// Operational monitoring: warn when approaching max callers limit
			// so operators detect identity proliferation before hitting hard limits
			currentCount := len(rl.perCaller)
			threshold := int(float64(rl.maxCallers) * thresholdMultiplier)

			if currentCount >= threshold {
				slog.Warn("rate limiter approaching max callers limit",
					"current_callers", currentCount,
					"max_callers", rl.maxCallers,
					"threshold_percent", thresholdPercentage,
					"recommendation", "investigate caller identity proliferation or increase max_callers limit")
			}
		}

		rl.mu.Unlock()
	}

	// Update last access time (for cleanup)
	cl.mu.Lock()
	cl.lastAccess = time.Now()
	cl.mu.Unlock()

	// Check caller-specific limit
	return cl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources.
// Must be called when the InMemoryRateLimiter is no longer needed.
//
// Close is not part of the RateLimiter interface to allow implementations
// that don't require cleanup (e.g., a Redis-backed limiter with connection
// pooling). The server shutdown path uses an io.Closer assertion, which is
// why Close returns an error even though it cannot fail.
func (rl *InMemoryRateLimiter) Close() error {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)

	return nil
}

// startCleanup starts a background goroutine that periodically removes
// stale caller limiters to prevent memory leaks.
func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes caller limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for callerID, cl := range rl.perCaller {
		cl.mu.Lock()
		lastAccess := cl.lastAccess
		cl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perCaller, callerID)
		}
	}
}

// RateLimit returns a middleware that enforces rate limits on incoming requests.
//
// Rate limiting is applied in three tiers:
//  1. Global limit (all requests)
//  2. Per-caller limit (authenticated requests with a Principal)
//  3. Unauthenticated limit (requests without a Principal)
//
// When a request exceeds the rate limit, the middleware returns a 429
// (Too Many Requests) response with RFC 7807 error format.
//
// The middleware must be placed after authentication middleware in the chain
// to access the Principal for per-caller rate limiting.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract caller identity from context (set by authentication
			// middleware). Public endpoints carry no principal and share
			// the unauthenticated bucket.
			callerID := ""
			if principal, ok := GetPrincipal(r.Context()); ok {
				callerID = principal.RateLimitID()
			}

			// Check rate limit
			if !limiter.Allow(callerID) {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("detail", detail),
						slog.String("error", err.Error()),
					)

					// Fallback to plain text if writeRFC7807Error fails
					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			// Rate limit not exceeded, continue to next handler
			next.ServeHTTP(w, r)
		})
	}
}
