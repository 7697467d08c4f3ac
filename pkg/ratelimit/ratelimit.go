package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stackwatch/stackwatch/pkg/config"
	"github.com/stackwatch/stackwatch/pkg/kv"
	"github.com/stackwatch/stackwatch/pkg/log"
)

const (
	bucketPrefix = "rate-limit:"

	// bucketTTL keeps idle buckets around long enough to stay accurate
	// across the refill window, then lets them expire.
	bucketTTL = 2 * time.Minute
)

// errExhausted aborts the bucket update without consuming a token.
var errExhausted = errors.New("ratelimit: bucket exhausted")

// Limiter is a distributed token bucket per principal. State lives in the
// shared ephemeral store and is mutated only through atomic
// compare-and-set, so all replicas enforce one budget.
type Limiter struct {
	kv       *kv.Client
	capacity float64
	logger   zerolog.Logger

	// now is swapped out by tests.
	now func() time.Time
}

// New creates a limiter allowing cfg.RequestsPerMinute per principal.
func New(client *kv.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		kv:       client,
		capacity: float64(cfg.RequestsPerMinute),
		logger:   log.WithComponent("ratelimit"),
		now:      time.Now,
	}
}

// Allow consumes one token from the principal's bucket. The bucket refills
// continuously at capacity per minute. Store failures fail open: a broken
// coordinator should not take webhook intake down with it.
func (l *Limiter) Allow(ctx context.Context, principal string) bool {
	key := bucketPrefix + principal
	now := l.now()

	err := l.kv.Update(ctx, key, bucketTTL, func(current string, exists bool) (string, error) {
		tokens, last := l.capacity, now
		if exists {
			tokens, last = decodeBucket(current, l.capacity, now)
		}

		elapsed := now.Sub(last)
		tokens += elapsed.Minutes() * l.capacity
		if tokens > l.capacity {
			tokens = l.capacity
		}
		if tokens < 1 {
			return "", errExhausted
		}
		return encodeBucket(tokens-1, now), nil
	})

	switch {
	case err == nil:
		return true
	case errors.Is(err, errExhausted):
		return false
	case errors.Is(err, kv.ErrCASConflict):
		// Sustained CAS interference only happens under heavy traffic on
		// one principal; treat it as over budget.
		l.logger.Warn().Str("principal", principal).Msg("rate-limit bucket contention")
		return false
	default:
		l.logger.Error().Err(err).Str("principal", principal).
			Msg("rate-limit store unavailable, failing open")
		return true
	}
}

// encodeBucket serializes bucket state as "tokens lastRefillUnixNano".
func encodeBucket(tokens float64, last time.Time) string {
	return fmt.Sprintf("%s %d", strconv.FormatFloat(tokens, 'f', 6, 64), last.UnixNano())
}

func decodeBucket(s string, capacity float64, now time.Time) (float64, time.Time) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return capacity, now
	}
	tokens, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return capacity, now
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return capacity, now
	}
	return tokens, time.Unix(0, nanos)
}
