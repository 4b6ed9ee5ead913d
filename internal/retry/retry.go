// Package retry centralizes the try-n-times-with-exponential-delay pattern
// used by the worker's per-request retries and by webhook delivery.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// Config configures retry delays.
type Config struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultConfig is 1s initial, doubling, capped at 60s, no jitter.
// Jitter defaults off for determinism; callers opt in per use.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		Factor:       2.0,
		MaxDelay:     60 * time.Second,
		Jitter:       false,
	}
}

// DelayForAttempt computes the delay before retry number attempt (1-indexed:
// the first retry is attempt=1). Jitter, when enabled, is deterministic in
// the seed so tests and resumed runs see stable schedules.
func DelayForAttempt(attempt int, cfg Config, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 1.0
	}

	// base = initial * factor^(attempt-1), capped.
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		base = math.Min(base, float64(cfg.MaxDelay))
	}

	// Apply jitter after capping.
	if cfg.Jitter {
		base *= 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
	}

	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// Do runs fn up to attempts times, sleeping the configured delay between
// tries. It returns nil on the first success, the last error otherwise, and
// stops early if ctx is done.
func Do(ctx context.Context, attempts int, cfg Config, seed string, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		lastErr = fn(i)
		if lastErr == nil {
			return nil
		}
		if i == attempts {
			break
		}
		delay := DelayForAttempt(i, cfg, seed)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
	return lastErr
}
