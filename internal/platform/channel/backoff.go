package channel

import (
	"math"
	"math/rand"
	"time"
)

// Default reconnection tuning, used when a policy field is left zero.
const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0

	// jitterFraction spreads delays by up to 25% either way so that a
	// fleet of clients does not retry in lockstep after a server restart.
	jitterFraction = 0.25
)

// BackoffPolicy computes the wait before each reconnect attempt. It is an
// immutable configuration value; one instance belongs to each transport.
// The zero value disables retries entirely (MaxAttempts 0).
type BackoffPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// randFloat returns a uniform value in [0,1). Tests inject a fixed
	// source; nil means the shared math/rand source.
	randFloat func() float64
}

// DefaultBackoffPolicy returns the production reconnection policy:
// five attempts, 1s initial delay doubling up to 30s, with jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Jitter:       true,
	}
}

// Delay returns the wait before reconnect attempt number attempt, counting
// from zero. A negative attempt or a MaxAttempts of zero yields zero (no
// retry configured). The pre-jitter delay grows as
// InitialDelay * Multiplier^attempt and is clamped to MaxDelay; when Jitter
// is enabled the clamped value is offset by a uniformly random fraction in
// [-25%, +25%], floored at zero.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 || p.MaxAttempts == 0 {
		return 0
	}

	initial := p.InitialDelay
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if p.Jitter {
		random := rand.Float64
		if p.randFloat != nil {
			random = p.randFloat
		}
		offset := (random()*2 - 1) * jitterFraction
		delay *= 1 + offset
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay)
}
