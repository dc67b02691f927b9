package connector

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Buckets holds one local token bucket per endpoint class, sized from the
// configured tokens-per-minute budget scaled by the safety margin. The
// account-wide budget lives in Redis; these buckets smooth the per-process
// call rate.
type Buckets struct {
	byEndpoint map[string]*rate.Limiter
}

// NewBuckets builds the buckets. Burst is one second's worth of tokens, at
// least 1, so short spikes pass without eating into the average rate.
func NewBuckets(tokensPerMin map[string]int, safetyMargin float64) *Buckets {
	if safetyMargin <= 0 || safetyMargin > 1 {
		safetyMargin = 1
	}
	byEndpoint := make(map[string]*rate.Limiter, len(tokensPerMin))
	for endpoint, tokens := range tokensPerMin {
		perSec := float64(tokens) * safetyMargin / 60.0
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		byEndpoint[endpoint] = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	return &Buckets{byEndpoint: byEndpoint}
}

// Wait blocks for a token, bounded by ctx. Unknown endpoints pass freely so a
// missing config entry degrades to unlimited rather than deadlocked.
func (b *Buckets) Wait(ctx context.Context, endpoint string) error {
	l, ok := b.byEndpoint[endpoint]
	if !ok {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("rate bucket %s: %w", endpoint, err)
	}
	return nil
}

// Allow reports whether a token is immediately available.
func (b *Buckets) Allow(endpoint string) bool {
	l, ok := b.byEndpoint[endpoint]
	if !ok {
		return true
	}
	return l.Allow()
}
