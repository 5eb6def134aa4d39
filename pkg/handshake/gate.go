package handshake

import (
	"sync"
	"time"
)

// AcceptGate rate-limits inbound handshake attempts per source IP using a
// token bucket, with an optional allowlist. It protects the responder from
// being ground down by handshake floods, since a single ML-KEM keygen plus
// ML-DSA signature is orders of magnitude more expensive than a UDP packet.
type AcceptGate struct {
	mu        sync.Mutex
	rate      float64 // tokens per second
	burst     int
	buckets   map[string]*bucket
	allowlist map[string]struct{} // empty means any source
	lastPrune time.Time

	now func() time.Time // test hook
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// pruneInterval bounds how often idle buckets are swept.
const pruneInterval = 60 * time.Second

// NewAcceptGate creates a gate allowing rate handshakes per second with the
// given burst per source IP. allowedIPs restricts sources when non-empty.
func NewAcceptGate(rate float64, burst int, allowedIPs []string) *AcceptGate {
	g := &AcceptGate{
		rate:    rate,
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	if len(allowedIPs) > 0 {
		g.allowlist = make(map[string]struct{}, len(allowedIPs))
		for _, ip := range allowedIPs {
			g.allowlist[ip] = struct{}{}
		}
	}
	return g
}

// Allow reports whether a handshake attempt from ip may proceed, consuming
// one token when it does.
func (g *AcceptGate) Allow(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.allowlist != nil {
		if _, ok := g.allowlist[ip]; !ok {
			return false
		}
	}
	if g.rate <= 0 {
		return true
	}

	now := g.now()
	g.pruneLocked(now)

	b, ok := g.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(g.burst), lastRefill: now}
		g.buckets[ip] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * g.rate
	if b.tokens > float64(g.burst) {
		b.tokens = float64(g.burst)
	}
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// pruneLocked drops buckets that have refilled completely, keeping the map
// from growing with every source address ever seen.
func (g *AcceptGate) pruneLocked(now time.Time) {
	if now.Sub(g.lastPrune) < pruneInterval {
		return
	}
	g.lastPrune = now
	idle := time.Duration(float64(g.burst)/g.rate*float64(time.Second)) + pruneInterval
	for ip, b := range g.buckets {
		if now.Sub(b.lastRefill) > idle {
			delete(g.buckets, ip)
		}
	}
}
