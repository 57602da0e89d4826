package feed

import (
	"sync"
	"time"
)

// TrafficGate throttles API traffic per (operation, agent) with a token
// bucket. A nil gate or a non-positive rate admits everything.
type TrafficGate struct {
	rate  float64
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[gateKey]*tokenBucketLimiter
}

type gateKey struct {
	op      string
	agentID string
}

func NewTrafficGate(rps float64, burst int) *TrafficGate {
	return &TrafficGate{
		rate:    rps,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[gateKey]*tokenBucketLimiter),
	}
}

// Configure replaces the rate and burst. Existing buckets are discarded.
func (g *TrafficGate) Configure(rps float64, burst int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rate == rps && g.burst == burst {
		return
	}
	g.rate = rps
	g.burst = burst
	clear(g.buckets)
}

// Allow consumes one token for op on behalf of agentID.
func (g *TrafficGate) Allow(op, agentID string) bool {
	if g == nil {
		return true
	}
	now := g.now()
	key := gateKey{op: op, agentID: agentID}

	g.mu.Lock()
	if g.rate <= 0 {
		g.mu.Unlock()
		return true
	}
	l, ok := g.buckets[key]
	if !ok {
		l = newTokenBucketLimiter(g.rate, g.burst, now)
		g.buckets[key] = l
	}
	g.mu.Unlock()

	return l.AllowAt(now)
}

type tokenBucketLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func newTokenBucketLimiter(rps float64, burst int, now time.Time) *tokenBucketLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucketLimiter{
		rate:   rps,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   now,
	}
}

func (l *tokenBucketLimiter) AllowAt(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dt := now.Sub(l.last).Seconds(); dt > 0 {
		l.tokens = min(l.tokens+dt*l.rate, l.burst)
		l.last = now
	}
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
