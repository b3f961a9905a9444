package server

import "time"

// frameLimiter is a token bucket over inbound text frames: Burst frames at
// once, refilled evenly over RefillInterval. It belongs to one session loop
// and is not safe for concurrent use.
type frameLimiter struct {
	tokens   float64
	capacity float64
	perSec   float64
	last     time.Time
	now      func() time.Time

	// dropped counts frames discarded since the last accepted one.
	dropped int
}

func newFrameLimiter(cfg RateLimitConfig) *frameLimiter {
	burst, interval := cfg.Burst, cfg.RefillInterval
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	l := &frameLimiter{
		tokens:   float64(burst),
		capacity: float64(burst),
		perSec:   float64(burst) / interval.Seconds(),
		now:      time.Now,
	}
	l.last = l.now()
	return l
}

func (l *frameLimiter) refill() {
	now := l.now()
	if elapsed := now.Sub(l.last).Seconds(); elapsed > 0 {
		l.tokens = min(l.capacity, l.tokens+elapsed*l.perSec)
	}
	l.last = now
}

// allow spends a token for one frame. It reports false, and counts the
// drop, when the bucket is empty.
func (l *frameLimiter) allow() bool {
	l.refill()
	if l.tokens < 1 {
		l.dropped++
		return false
	}
	l.tokens--
	l.dropped = 0
	return true
}
