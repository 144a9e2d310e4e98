package realtime

import (
	"math"
	"time"

	"github.com/jrsteele09/go-listsync/internal/config"
)

// Backoff is the reconnect policy: exponential from Initial, capped at Max.
// MaxAttempts of zero retries forever.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

func BackoffFromConfig(cfg config.RealtimeConfig) Backoff {
	return Backoff{
		Initial:     cfg.GetReconnectInitialDelay(),
		Max:         cfg.GetReconnectMaxDelay(),
		Multiplier:  cfg.GetReconnectMultiplier(),
		MaxAttempts: cfg.GetReconnectMaxAttempts(),
	}
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt n is past the ceiling.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
