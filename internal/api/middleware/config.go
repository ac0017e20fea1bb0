package middleware

import (
	"time"

	"github.com/foresight-io/foresight/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: Applied to all requests
//   - Per-caller: Applied to authenticated requests
//   - Unauthenticated: Applied to requests without a caller identity
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS int // Default: 200
	CallerRPS int // Default: 50
	UnAuthRPS int // Default: 10

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate) using computeBurstCapacity()
	GlobalBurst int // Default: 0 (computed as 2 × GlobalRPS = 400)
	CallerBurst int // Default: 0 (computed as 2 × CallerRPS = 100)
	UnAuthBurst int // Default: 0 (computed as 2 × UnAuthRPS = 20)

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxCallers      int           // Default: 1,000
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
//
// Default burst capacity: 2 × rate (allows 2-second burst)
// Default cleanup: every 5 minutes, removes callers idle >1 hour
// Default max callers: 1,000 (prevents unbounded memory growth).
func LoadConfig() *Config {
	return &Config{
		// Rate limits
		GlobalRPS: config.GetEnvInt("FORESIGHT_GLOBAL_RPS", defaultGlobalRPS),
		CallerRPS: config.GetEnvInt("FORESIGHT_CALLER_RPS", defaultCallerRPS),
		UnAuthRPS: config.GetEnvInt("FORESIGHT_UNAUTH_RPS", defaultUnAuthRPS),

		// Burst overrides (0 = auto-compute)
		GlobalBurst: config.GetEnvInt("FORESIGHT_GLOBAL_BURST", 0),
		CallerBurst: config.GetEnvInt("FORESIGHT_CALLER_BURST", 0),
		UnAuthBurst: config.GetEnvInt("FORESIGHT_UNAUTH_BURST", 0),

		// Cleanup configuration
		CleanupInterval: config.GetEnvDuration(
			"FORESIGHT_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("FORESIGHT_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxCallers:  config.GetEnvInt("FORESIGHT_RATE_LIMIT_MAX_CALLERS", maxCallers),
	}
}
