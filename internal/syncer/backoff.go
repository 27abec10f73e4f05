package syncer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig shapes the delay before a failed queue item is retried.
type BackoffConfig struct {
	Initial    time.Duration `json:"initial"`
	Max        time.Duration `json:"max"`
	Multiplier float64       `json:"multiplier"`
	// Jitter is the randomization factor: a delay d is drawn uniformly from
	// [d*(1-Jitter), d*(1+Jitter)]. Zero makes delays deterministic.
	Jitter float64 `json:"jitter"`
}

// DefaultBackoff returns exponential backoff starting at 2s, doubling up
// to 5m, with 20% jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    2 * time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before the retry that follows failure number
// attempt (1-based). Zero or negative attempts get no delay.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	bo := c.newBackOff()
	var d time.Duration
	for range attempt {
		d = bo.NextBackOff()
	}
	return d
}

func (c BackoffConfig) newBackOff() *backoff.ExponentialBackOff {
	// BackOff implementations are stateful; always build a fresh one.
	bo := backoff.NewExponentialBackOff()
	if c.Initial > 0 {
		bo.InitialInterval = c.Initial
	}
	if c.Max > 0 {
		bo.MaxInterval = c.Max
	}
	if c.Multiplier >= 1 {
		bo.Multiplier = c.Multiplier
	}
	bo.RandomizationFactor = max(c.Jitter, 0)
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
