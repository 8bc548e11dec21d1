package breaker

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// RetryPolicy bounds the attempts of an idempotent call.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the fraction of each backoff that is randomised (0-1).
	Jitter float64
}

// DefaultRetryPolicy is used for store writes and bus publishes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	switch notification.KindOf(err) {
	case notification.KindValidation, notification.KindRateLimited,
		notification.KindCircuitOpen, notification.KindNotFound,
		notification.KindFeatureDisabled, notification.KindAuthorization,
		notification.KindAuthentication, notification.KindConnectionLimit:
		return false
	}
	return true
}

// Retry calls fn until it succeeds, returns a non-retryable error, exhausts
// the policy or ctx ends. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	backoff := p.InitialBackoff

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || !Retryable(err) {
			return err
		}

		wait := backoff
		if p.Jitter > 0 && wait > 0 {
			delta := float64(wait) * p.Jitter
			wait = time.Duration(float64(wait) - delta + rand.Float64()*2*delta)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}
