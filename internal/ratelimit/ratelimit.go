package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/maltedev/review-crawler/internal/random"
)

// RateLimiter blocks until the next action may proceed.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real, context-aware SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Range is an inclusive [Min,Max] duration interval.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// JitterRateLimiter waits a uniformly random duration from its range before
// every action. It is used for the pre-request delay of each HTTP attempt.
type JitterRateLimiter struct {
	delay Range
	rnd   *random.Source
	sleep SleepFunc
}

func NewJitterRateLimiter(rnd *random.Source, minDelay, maxDelay time.Duration, sleep SleepFunc) *JitterRateLimiter {
	if sleep == nil {
		sleep = Sleep
	}
	return &JitterRateLimiter{
		delay: Range{Min: minDelay, Max: maxDelay},
		rnd:   rnd,
		sleep: sleep,
	}
}

func (r *JitterRateLimiter) Wait(ctx context.Context) error {
	return r.sleep(ctx, r.rnd.Duration(r.delay.Min, r.delay.Max))
}

// Backoff sleeps between failed attempts. Rate-limited responses use the
// longer RateLimited range, every other failure the Failure range.
type Backoff struct {
	RateLimited Range
	Failure     Range

	rnd   *random.Source
	sleep SleepFunc
}

func NewBackoff(rnd *random.Source, rateLimited, failure Range, sleep SleepFunc) *Backoff {
	if sleep == nil {
		sleep = Sleep
	}
	return &Backoff{
		RateLimited: rateLimited,
		Failure:     failure,
		rnd:         rnd,
		sleep:       sleep,
	}
}

// Wait sleeps for the backoff chosen by rateLimited and returns the duration
// it picked.
func (b *Backoff) Wait(ctx context.Context, rateLimited bool) (time.Duration, error) {
	r := b.Failure
	if rateLimited {
		r = b.RateLimited
	}
	d := b.rnd.Duration(r.Min, r.Max)
	return d, b.sleep(ctx, d)
}

// TokenBucketRateLimiter caps the global request rate shared by every
// concurrent crawl. A zero rate disables the cap.
type TokenBucketRateLimiter struct {
	limiter *rate.Limiter
}

func NewTokenBucketRateLimiter(perSecond float64, burst int) *TokenBucketRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketRateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

func (t *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
