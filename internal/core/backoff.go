package core

import (
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy bounds handler retries with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts counts the first delivery. Default: 5
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt. Default: 1s
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between attempts. Default: 5m
	MaxBackoff time.Duration
	// Factor multiplies the wait after each failure. Default: 2.0
	Factor float64
	// Jitter is the maximum random spread as a fraction of the wait (0-1). Default: 0.2
	Jitter float64
}

// DefaultRetryPolicy returns the dispatcher defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		Factor:         2.0,
		Jitter:         0.2,
	}
}

var errInvalidPolicy = errors.New("invalid retry policy")

// Validate checks that the policy describes a bounded schedule.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errInvalidPolicy
	case p.InitialBackoff < 0 || p.MaxBackoff < p.InitialBackoff:
		return errInvalidPolicy
	case p.Factor < 1.0:
		return errInvalidPolicy
	case p.Jitter < 0 || p.Jitter > 1:
		return errInvalidPolicy
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int, random func() float64) time.Duration {
	wait := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * p.Factor)
		if wait >= p.MaxBackoff {
			wait = p.MaxBackoff
			break
		}
	}
	if p.Jitter <= 0 || random == nil {
		return wait
	}
	spread := (random()*2 - 1) * p.Jitter
	return time.Duration(float64(wait) * (1 + spread))
}

func defaultRandom() float64 {
	return rand.Float64()
}
