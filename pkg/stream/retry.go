package stream

import (
	"math"
	"math/rand"
	"time"
)

// Retryer decides whether and when to redial after the stream is lost.
// A nil Retryer disables reconnection: the subscriber stops once the
// connection fails.
type Retryer interface {
	// NextDelay returns the wait before redial attempt number attempt
	// (0-based) and whether to try at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a successful redial.
	Reset()
}

// ExponentialBackoffRetryer multiplies the delay after every failed redial,
// up to MaxDelay, and spreads it with random jitter so that clients dropped
// together do not redial together.
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries of 0 retries forever.
	MaxRetries int

	// JitterFactor spreads each delay by up to ±JitterFactor of itself.
	// Zero disables jitter.
	JitterFactor float64
}

// NewExponentialBackoffRetryer starts at one second, doubles up to thirty
// seconds and never gives up.
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}
}

// NextDelay implements Retryer.
func (r *ExponentialBackoffRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := math.Min(
		float64(r.InitialDelay)*math.Pow(r.Multiplier, float64(attempt)),
		float64(r.MaxDelay),
	)

	if r.JitterFactor > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}

	return time.Duration(delay), true
}

// Reset implements Retryer. The delay depends only on the attempt number, so
// there is nothing to reset.
func (r *ExponentialBackoffRetryer) Reset() {}

// FixedDelayRetryer waits the same Delay before every redial.
type FixedDelayRetryer struct {
	Delay time.Duration

	// MaxRetries of 0 retries forever.
	MaxRetries int
}

// NewFixedDelayRetryer gives up after maxRetries attempts, or never when
// maxRetries is 0.
func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: delay, MaxRetries: maxRetries}
}

// NextDelay implements Retryer.
func (r *FixedDelayRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

// Reset implements Retryer.
func (r *FixedDelayRetryer) Reset() {}
