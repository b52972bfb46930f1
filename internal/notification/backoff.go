package notification

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the wait before a retry row becomes due again.
type Backoff struct {
	Initial    time.Duration `yaml:"initial"`    // Delay after the first failure (default: 1m)
	Max        time.Duration `yaml:"max"`        // Maximum delay (default: 1h)
	Multiplier float64       `yaml:"multiplier"` // Multiplier per attempt (default: 2.0)
	Jitter     float64       `yaml:"jitter"`     // Jitter factor 0-1 (default: 0)
}

// DefaultBackoff returns the delivery retry schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Minute,
		Max:        time.Hour,
		Multiplier: 2.0,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the wait after the given number of failed attempts.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}

	// initial * multiplier^(failures-1)
	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(failures-1))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		jitterRange := delay * b.Jitter
		delay = delay + (rand.Float64()*2-1)*jitterRange
	}
	if delay < 0 {
		delay = float64(b.Initial)
	}

	return time.Duration(delay)
}
