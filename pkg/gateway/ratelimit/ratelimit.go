// Package ratelimit throttles requests and admits live practice
// sessions per principal, in memory, for a single gateway process.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	// Token bucket over plain HTTP requests. Zero disables it.
	RPS   float64
	Burst int

	MaxConcurrentRequests int

	// Cap on concurrently open live sessions per principal.
	MaxSessionsPerPrincipal int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// entry holds the per-principal state. lastSeen is atomic so eviction
// scans never race with the hot acquire path.
type entry struct {
	mu       sync.Mutex
	tokens   float64
	refillAt time.Time

	reqSem     chan struct{}
	sessionSem chan struct{}

	lastSeen atomic.Int64
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, entries: make(map[string]*entry)}
}

// PrincipalKeyFromAPIKey hashes the key so raw credentials never sit
// in limiter state or logs. 16 bytes of SHA-256 is collision-safe at
// this scale.
func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "k_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

// Permit releases held capacity. Release is idempotent.
type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireRequest applies the token bucket, then the request
// concurrency cap. The permit must be released when the request ends.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	e := l.lookup(principal, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if retryAfter, ok := e.takeToken(now, l.cfg.RPS, float64(l.cfg.Burst)); !ok {
			return Decision{RetryAfter: retryAfter}
		}
	}
	if l.cfg.MaxConcurrentRequests > 0 {
		return admit(e.reqSem)
	}
	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

// AcquireSession admits a new live session for the principal. The
// returned permit must be released when the session ends.
func (l *Limiter) AcquireSession(principal string, now time.Time) Decision {
	e := l.lookup(principal, now)

	if l.cfg.MaxSessionsPerPrincipal > 0 {
		return admit(e.sessionSem)
	}
	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

func admit(sem chan struct{}) Decision {
	select {
	case sem <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-sem }}}
	default:
		return Decision{RetryAfter: 1}
	}
}

func (l *Limiter) lookup(principal string, now time.Time) *entry {
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[principal]; ok {
		e.lastSeen.Store(now.UnixNano())
		return e
	}

	if len(l.entries) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}

	e := &entry{
		tokens:     float64(l.cfg.Burst),
		refillAt:   now,
		reqSem:     make(chan struct{}, semSize(l.cfg.MaxConcurrentRequests)),
		sessionSem: make(chan struct{}, semSize(l.cfg.MaxSessionsPerPrincipal)),
	}
	e.lastSeen.Store(now.UnixNano())
	l.entries[principal] = e
	return e
}

// evictLocked drops expired entries; if every entry is fresh it drops
// an arbitrary one. Bounded memory wins over perfect fairness.
func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.EntryTTL).UnixNano()
	for k, e := range l.entries {
		if e.lastSeen.Load() < cutoff {
			delete(l.entries, k)
		}
	}
	if len(l.entries) >= l.cfg.MaxEntries {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}

// takeToken refills the bucket for the elapsed time and consumes one
// token. On refusal it reports whole seconds until a token is due.
func (e *entry) takeToken(now time.Time, rps, burst float64) (retryAfter int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if elapsed := now.Sub(e.refillAt).Seconds(); elapsed > 0 {
		e.tokens = math.Min(burst, e.tokens+elapsed*rps)
		e.refillAt = now
	}

	if e.tokens >= 1 {
		e.tokens--
		return 0, true
	}

	retryAfter = int(math.Ceil((1 - e.tokens) / rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return retryAfter, false
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func semSize(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
