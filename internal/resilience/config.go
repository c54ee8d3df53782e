package resilience

import (
	"errors"
	"time"
)

type Config struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           float64
	RateLimitFloor   time.Duration
	FailureThreshold int
	OpenPeriod       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        50 * time.Millisecond,
		MaxDelay:         400 * time.Millisecond,
		Jitter:           0.2,
		RateLimitFloor:   250 * time.Millisecond,
		FailureThreshold: 5,
		OpenPeriod:       30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("resilience: max attempts must be >= 1")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.RateLimitFloor < 0 {
		return errors.New("resilience: delays must not be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("resilience: base delay must not exceed max delay")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return errors.New("resilience: jitter must be within [0,1]")
	}
	if c.FailureThreshold < 1 {
		return errors.New("resilience: failure threshold must be >= 1")
	}
	if c.OpenPeriod <= 0 {
		return errors.New("resilience: open period must be > 0")
	}
	return nil
}

// Delay returns the backoff before retry number attempt (0-based):
// base * 2^attempt * (1 + r*jitter), capped at MaxDelay. Rate limited
// failures never wait less than RateLimitFloor.
func (c Config) Delay(attempt int, kind Kind, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := time.Duration(float64(c.BaseDelay) * float64(int64(1)<<attempt) * (1 + r*c.Jitter))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	if kind == KindRateLimit && d < c.RateLimitFloor {
		d = c.RateLimitFloor
	}
	return d
}
