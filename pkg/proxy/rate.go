package proxy

import (
	"sync"
	"time"
)

// PacketLimiter is a token bucket capping forwarded packets per second for
// one dataplane direction. A zero rate admits everything.
type PacketLimiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time

	now func() time.Time // test hook
}

// NewPacketLimiter creates a limiter allowing rate packets per second with
// the given burst.
func NewPacketLimiter(rate float64, burst int) *PacketLimiter {
	if burst < 1 {
		burst = 1
	}
	return &PacketLimiter{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		now:    time.Now,
	}
}

// Allow consumes one token if available.
func (l *PacketLimiter) Allow() bool {
	if l == nil || l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.lastRefill.IsZero() {
		l.tokens += now.Sub(l.lastRefill).Seconds() * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
	}
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens -= 1.0
		return true
	}
	return false
}
