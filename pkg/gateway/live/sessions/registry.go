// Package sessions tracks live learner sessions for drain, broadcast and
// cross-session delivery.
package sessions

import (
	"context"
	"errors"
	"sync"
)

// ErrConnectionLost is returned when a message targets a session that has
// already been torn down.
var ErrConnectionLost = errors.New("sessions: connection lost")

// Handle is the control surface a session exposes to the registry.
type Handle struct {
	Cancel  func()
	Warn    func(code, message string) error
	Deliver func(payload []byte) error
}

// Registry is a concurrency-safe index of running sessions.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*liveSession
	wg      sync.WaitGroup
}

type liveSession struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*liveSession)}
}

// Register adds the session and returns its unregister func. Unregister is
// idempotent. Registering an ID that is already present replaces the old
// entry and unregisters it.
func (r *Registry) Register(sessionID string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	entry := &liveSession{handle: h}

	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[string]*liveSession)
	}
	old := r.entries[sessionID]
	r.entries[sessionID] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(sessionID, old)
	}

	return func() { r.unregister(sessionID, entry) }
}

func (r *Registry) unregister(sessionID string, entry *liveSession) {
	if r == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		r.mu.Lock()
		if r.entries != nil && r.entries[sessionID] == entry {
			delete(r.entries, sessionID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Deliver hands an encoded message to the named session. A session that
// was never registered or has been torn down yields ErrConnectionLost.
func (r *Registry) Deliver(sessionID string, payload []byte) error {
	if r == nil {
		return ErrConnectionLost
	}
	r.mu.Lock()
	entry := r.entries[sessionID]
	r.mu.Unlock()
	if entry == nil || entry.handle.Deliver == nil {
		return ErrConnectionLost
	}
	return entry.handle.Deliver(payload)
}

// WarnAll sends a warning to every session that can receive one.
func (r *Registry) WarnAll(code, message string) (sent int) {
	if r == nil {
		return 0
	}

	var warns []func(code, message string) error
	r.mu.Lock()
	for _, entry := range r.entries {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// CancelAll asks every session to shut down.
func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}

	var cancels []func()
	r.mu.Lock()
	for _, entry := range r.entries {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered, or the
// context expires. Returns true when fully drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
