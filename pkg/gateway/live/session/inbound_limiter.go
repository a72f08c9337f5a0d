package session

import "time"

// frameBudget is one refilling token bucket. A zero rate disables it.
type frameBudget struct {
	rate   int64 // tokens per second
	cap    int64
	tokens int64
}

func newFrameBudget(rate, burstSeconds int64) frameBudget {
	if rate <= 0 {
		return frameBudget{}
	}
	cap := rate * burstSeconds
	return frameBudget{rate: rate, cap: cap, tokens: cap}
}

func (b *frameBudget) refill(elapsed time.Duration) {
	if b.rate <= 0 {
		return
	}
	add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens += add
	if b.tokens > b.cap {
		b.tokens = b.cap
	}
}

func (b *frameBudget) has(n int64) bool {
	return b.rate <= 0 || b.tokens >= n
}

func (b *frameBudget) take(n int64) {
	if b.rate > 0 {
		b.tokens -= n
	}
}

// inboundFrameLimiter bounds a session's frame rate and byte rate.
// A nil limiter allows everything. Not safe for concurrent use; the
// session goroutine is the only caller.
type inboundFrameLimiter struct {
	now        func() time.Time
	fps        frameBudget
	bps        frameBudget
	lastRefill time.Time
}

func newInboundFrameLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundFrameLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &inboundFrameLimiter{
		now:        now,
		fps:        newFrameBudget(int64(fps), int64(burstSeconds)),
		bps:        newFrameBudget(bps, int64(burstSeconds)),
		lastRefill: now(),
	}
}

// Allow charges one frame of frameBytes against both budgets. A frame
// is either fully admitted or left uncharged.
func (l *inboundFrameLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}

	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.fps.refill(elapsed)
		l.bps.refill(elapsed)
		l.lastRefill = now
	}

	if !l.fps.has(1) || !l.bps.has(int64(frameBytes)) {
		return false
	}
	l.fps.take(1)
	l.bps.take(int64(frameBytes))
	return true
}
