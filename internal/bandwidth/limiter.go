package bandwidth

import (
	"context"
	"math"
	"sync"
	"time"
)

// waitFloor keeps near-zero deficits from turning into a busy loop.
const waitFloor = 10 * time.Millisecond

// Limiter is a token bucket shared by every worker of a download. Tokens
// refill continuously at the configured rate and are capped at two seconds
// of burst credit.
type Limiter struct {
	rate float64 // bytes per second

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

func NewLimiter(bytesPerSec uint64) *Limiter {
	return &Limiter{
		rate:   float64(bytesPerSec),
		tokens: float64(bytesPerSec),
		last:   time.Now(),
	}
}

// Consume blocks until n tokens are available, then debits them. The sleep
// happens outside the lock so other workers can refill and drain meanwhile.
func (l *Limiter) Consume(ctx context.Context, n int) error {
	need := float64(n)
	for {
		l.mu.Lock()
		now := time.Now()
		if elapsed := now.Sub(l.last).Seconds(); elapsed > 0 {
			l.tokens = math.Min(l.tokens+elapsed*l.rate, l.rate*2)
			l.last = now
		}

		if l.tokens >= need {
			l.tokens -= need
			l.mu.Unlock()
			return nil
		}

		wait := time.Duration((need - l.tokens) / l.rate * float64(time.Second))
		if wait < waitFloor {
			wait = waitFloor
		}
		l.last = now
		l.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
