package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds how a retrieval call or research step is retried.
// Delays double from InitialBackoff up to MaxBackoff.
type RetryConfig struct {
	// MaxAttempts counts the first try.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter spreads each delay by up to this fraction either way.
	Jitter float64

	// Retryable defaults to IsTransient.
	Retryable func(err error) bool
	// OnRetry is called with the 1-based attempt that just failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is the research step policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Jitter:         0.25,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(def.MaxBackoff, c.InitialBackoff)
	}
	c.Jitter = min(max(c.Jitter, 0), 1)
	if c.Retryable == nil {
		c.Retryable = IsTransient
	}
	return c
}

// delay is the pause after the given 0-based attempt, before jitter.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 0; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, c.MaxBackoff)
}

func (c RetryConfig) jittered(d time.Duration) time.Duration {
	if c.Jitter == 0 {
		return d
	}
	spread := float64(d) * c.Jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// Do retries fn under cfg. See DoVal.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal calls fn until it succeeds or the failure is not retryable. It stops
// after MaxAttempts or when ctx ends, and returns the last error seen.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	var (
		val T
		err error
	)
	for attempt := 0; ; attempt++ {
		val, err = fn(ctx)
		if err == nil || attempt+1 >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.Retryable(err) {
			return val, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}
		if !sleep(ctx, cfg.jittered(cfg.delay(attempt))) {
			return val, err
		}
	}
}

// sleep reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RetryLogger logs each retry of op against source.
func RetryLogger(source, op string) func(int, error) {
	log := zap.L().With(zap.String("source", source), zap.String("op", op))
	return func(attempt int, err error) {
		log.Warn("resilience: retrying",
			zap.Int("attempt", attempt),
			zap.String("class", Classify(err).String()),
			zap.Error(err),
		)
	}
}
