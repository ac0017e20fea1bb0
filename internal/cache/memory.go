package cache

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/foresight-io/foresight/internal/config"
	"github.com/foresight-io/foresight/internal/fingerprint"
)

const (
	defaultSweepInterval = 5 * time.Minute
	shutdownTimeout      = 5 * time.Second
)

type (
	// MemoryCache is a thread-safe in-memory TTL cache with a background
	// janitor sweeping expired entries.
	//
	// Writes are last-writer-wins; that is race-tolerant here because keys
	// embed both the fingerprint and the model version, so racing writers
	// always carry identical payloads.
	MemoryCache struct {
		// entries maps cache key to stored envelope and expiry
		entries map[string]memoryEntry
		// mutex protects concurrent access to entries
		mutex sync.RWMutex

		logger        *slog.Logger
		capacity      int
		sweepInterval time.Duration
		sweepStop     chan struct{} // Signal to stop janitor goroutine
		sweepDone     chan struct{} // Signal janitor has stopped
		closeOnce     sync.Once
		closed        bool
	}

	memoryEntry struct {
		envelope  []byte
		expiresAt time.Time
	}

	// MemoryCacheOption configures optional MemoryCache behavior.
	MemoryCacheOption func(*MemoryCache)
)

// WithCapacity bounds the number of entries; at capacity, the entry closest
// to expiry is evicted to admit a new one. Zero means unbounded.
func WithCapacity(n int) MemoryCacheOption {
	return func(c *MemoryCache) {
		c.capacity = n
	}
}

// WithSweepInterval overrides how often the janitor drops expired entries.
func WithSweepInterval(d time.Duration) MemoryCacheOption {
	return func(c *MemoryCache) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithLogger overrides the default JSON logger.
func WithLogger(logger *slog.Logger) MemoryCacheOption {
	return func(c *MemoryCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewMemoryCache creates an in-memory cache and starts its janitor goroutine.
// Callers must Close() the cache to stop the janitor.
func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		sweepInterval: defaultSweepInterval,
		sweepStop:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.runJanitor()

	return c
}

// Get looks up a key. Expired entries count as misses and are dropped lazily.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mutex.RLock()
	entry, exists := c.entries[key]
	closed := c.closed
	c.mutex.RUnlock()

	if closed {
		return nil, false, ErrCacheClosed
	}

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		c.mutex.Lock()
		// Re-check under the write lock; a racing Put may have refreshed it.
		if current, ok := c.entries[key]; ok && time.Now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mutex.Unlock()

		return nil, false, nil
	}

	_, payload, err := DecodeEnvelope(entry.envelope)
	if err != nil {
		// Unknown format tags are treated as misses so serialization can
		// migrate without flushing the cache.
		return nil, false, nil
	}

	// Return a copy to prevent external modification
	out := make([]byte, len(payload))
	copy(out, payload)

	return out, true, nil
}

// Put stores a payload under key for ttl. Non-positive TTLs are no-ops.
func (c *MemoryCache) Put(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	envelope := EncodeEnvelope(payload)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrCacheClosed
	}

	if c.capacity > 0 && len(c.entries) >= c.capacity {
		if _, exists := c.entries[key]; !exists {
			c.evictSoonestLocked()
		}
	}

	c.entries[key] = memoryEntry{
		envelope:  envelope,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

// Invalidate drops every entry matching the "{type}:*:{version}" pattern.
func (c *MemoryCache) Invalidate(_ context.Context, pattern string) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return 0, ErrCacheClosed
	}

	dropped := 0

	for key := range c.entries {
		if fingerprint.KeyMatchesPattern(key, pattern) {
			delete(c.entries, key)
			dropped++
		}
	}

	if dropped > 0 {
		c.logger.Debug("Invalidated cache entries",
			slog.String("pattern", pattern),
			slog.Int("dropped", dropped),
		)
	}

	return dropped, nil
}

// Len returns the current entry count, expired entries included.
func (c *MemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.entries)
}

// Close stops the janitor goroutine and rejects further operations.
//
// Shutdown sequence:
//  1. Signal janitor goroutine to stop (close sweepStop channel)
//  2. Wait for janitor goroutine to finish (with 5-second timeout)
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.closed = true
		c.mutex.Unlock()

		close(c.sweepStop)

		select {
		case <-c.sweepDone:
			c.logger.Debug("Cache janitor stopped gracefully")
		case <-time.After(shutdownTimeout):
			c.logger.Warn("Cache janitor did not stop within timeout")
		}
	})

	return nil
}

// evictSoonestLocked removes the entry closest to expiry. Caller holds the
// write lock.
func (c *MemoryCache) evictSoonestLocked() {
	var (
		victim  string
		soonest time.Time
		haveKey bool
	)

	for key, entry := range c.entries {
		if !haveKey || entry.expiresAt.Before(soonest) {
			victim = key
			soonest = entry.expiresAt
			haveKey = true
		}
	}

	if haveKey {
		delete(c.entries, victim)
	}
}

// runJanitor periodically drops expired entries until Close() is called.
func (c *MemoryCache) runJanitor() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *MemoryCache) sweepExpired() {
	now := time.Now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	swept := 0

	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			swept++
		}
	}

	if swept > 0 {
		c.logger.Debug("Swept expired cache entries", slog.Int("swept", swept))
	}
}
