package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/foresight-io/foresight/internal/fingerprint"
)

func TestMemoryCache_PutGetRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := NewMemoryCache(WithSweepInterval(time.Minute))
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	key := fingerprint.CacheKey("PrintTime", "abc123", "1.0.0")
	payload := []byte(`{"predictedValue":42.5}`)

	if err := c.Put(ctx, key, payload, time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, hit, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if !hit {
		t.Fatal("expected hit after Put")
	}

	if string(got) != string(payload) {
		t.Errorf("Get() = %s, want %s", got, payload)
	}

	// Returned slice is a copy; mutating it must not corrupt the cache.
	got[0] = 'X'

	again, hit, err := c.Get(ctx, key)
	if err != nil || !hit {
		t.Fatalf("second Get() = (%v, %v)", hit, err)
	}

	if string(again) != string(payload) {
		t.Errorf("cached payload was mutated externally: %s", again)
	}
}

func TestMemoryCache_MissOnUnknownKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := NewMemoryCache(WithSweepInterval(time.Minute))
	t.Cleanup(func() { _ = c.Close() })

	_, hit, err := c.Get(context.Background(), "PrintTime:missing:1.0.0")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if hit {
		t.Error("expected miss for unknown key")
	}
}

func TestMemoryCache_ExpiryIsAMiss(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := NewMemoryCache(WithSweepInterval(time.Hour))
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	key := "PrintTime:abc:1.0.0"

	if err := c.Put(ctx, key, []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	time.Sleep(25 * time.Millisecond)

	_, hit, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if hit {
		t.Error("expected expired entry to be a miss")
	}

	if c.Len() != 0 {
		t.Errorf("expired entry not dropped lazily, Len() = %d", c.Len())
	}
}

func TestMemoryCache_InvalidateByVersionPattern(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := NewMemoryCache(WithSweepInterval(time.Minute))
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()

	keep := []string{
		fingerprint.CacheKey("PrintTime", "fp1", "1.1.0"),
		fingerprint.CacheKey("DemandForecast", "fp1", "1.0.0"),
	}
	drop := []string{
		fingerprint.CacheKey("PrintTime", "fp1", "1.0.0"),
		fingerprint.CacheKey("PrintTime", "fp2", "1.0.0"),
	}

	for _, key := range append(append([]string{}, keep...), drop...) {
		if err := c.Put(ctx, key, []byte("v"), time.Minute); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}

	dropped, err := c.Invalidate(ctx, fingerprint.InvalidationPattern("PrintTime", "1.0.0"))
	if err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	if dropped != len(drop) {
		t.Errorf("Invalidate() dropped %d, want %d", dropped, len(drop))
	}

	for _, key := range keep {
		if _, hit, _ := c.Get(ctx, key); !hit {
			t.Errorf("entry %s should have survived invalidation", key)
		}
	}

	for _, key := range drop {
		if _, hit, _ := c.Get(ctx, key); hit {
			t.Errorf("entry %s should have been invalidated", key)
		}
	}
}

func TestMemoryCache_CapacityEvictsSoonestExpiry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := NewMemoryCache(WithCapacity(2), WithSweepInterval(time.Minute))
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()

	if err := c.Put(ctx, "PrintTime:a:1.0.0", []byte("a"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := c.Put(ctx, "PrintTime:b:1.0.0", []byte("b"), time.Hour); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := c.Put(ctx, "PrintTime:c:1.0.0", []byte("c"), time.Hour); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}

	// The minute-TTL entry was closest to expiry and must be the victim.
	if _, hit, _ := c.Get(ctx, "PrintTime:a:1.0.0"); hit {
		t.Error("soonest-expiry entry was not evicted")
	}

	if _, hit, _ := c.Get(ctx, "PrintTime:c:1.0.0"); !hit {
		t.Error("newest entry missing after eviction")
	}
}

func TestMemoryCache_JanitorSweeps(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := NewMemoryCache(WithSweepInterval(20 * time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()

	if err := c.Put(ctx, "PrintTime:a:1.0.0", []byte("a"), 5*time.Millisecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if c.Len() != 0 {
		t.Error("janitor did not sweep expired entry")
	}
}

func TestMemoryCache_CloseStopsJanitor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	c := NewMemoryCache(WithSweepInterval(10 * time.Millisecond))

	if err := c.Put(context.Background(), "PrintTime:a:1.0.0", []byte("a"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Operations after close are rejected, and Close is idempotent.
	if err := c.Put(context.Background(), "k", []byte("v"), time.Minute); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("Put after close = %v, want ErrCacheClosed", err)
	}

	if _, _, err := c.Get(context.Background(), "k"); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("Get after close = %v, want ErrCacheClosed", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestEnvelope_RoundTripAndUnknownTag(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	payload := []byte(`{"predictedValue":1}`)
	encoded := EncodeEnvelope(payload)

	if encoded[0] != EnvelopeV1 {
		t.Fatalf("envelope tag = 0x%02x, want 0x%02x", encoded[0], EnvelopeV1)
	}

	tag, decoded, err := DecodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}

	if tag != EnvelopeV1 || string(decoded) != string(payload) {
		t.Errorf("DecodeEnvelope() = (0x%02x, %s)", tag, decoded)
	}

	if _, _, err := DecodeEnvelope(nil); !errors.Is(err, ErrEmptyEnvelope) {
		t.Errorf("empty envelope error = %v, want ErrEmptyEnvelope", err)
	}

	if _, _, err := DecodeEnvelope([]byte{0x7f, 'x'}); !errors.Is(err, ErrUnknownEnvelopeFormat) {
		t.Errorf("unknown tag error = %v, want ErrUnknownEnvelopeFormat", err)
	}
}
