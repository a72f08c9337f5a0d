// Package lifecycle tracks the gateway's drain state. Once a shutdown
// begins the readiness probe flips unhealthy and the practice endpoint
// stops accepting new WebSocket upgrades while live sessions finish.
package lifecycle

import (
	"sync"
	"time"
)

// Lifecycle is shared across handlers; the zero value is ready to use
// and all methods are nil-safe.
type Lifecycle struct {
	mu           sync.Mutex
	draining     bool
	drainStarted time.Time
}

// SetDraining flips the drain state. The first transition into draining
// records the start time; clearing the state resets it.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if draining && !l.draining {
		l.drainStarted = time.Now()
	}
	if !draining {
		l.drainStarted = time.Time{}
	}
	l.draining = draining
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

// DrainingFor reports how long the gateway has been draining, or zero
// when it is serving normally.
func (l *Lifecycle) DrainingFor(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.draining || l.drainStarted.IsZero() {
		return 0
	}
	return now.Sub(l.drainStarted)
}
