// Package workers runs frame-processing tasks on a bounded shared pool.
//
// Each session owns a Lane. A lane holds at most one pending task and runs
// at most one task at a time: submitting while an older task is still
// waiting replaces it, so under load a slow consumer always processes the
// newest frame rather than building a backlog.
package workers

import "sync"

// Task is one unit of work.
type Task func()

// Pool bounds how many tasks run concurrently across all lanes.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool creates a pool that runs at most size tasks at once.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Lane creates a serial lane on the pool.
func (p *Pool) Lane() *Lane {
	return &Lane{pool: p}
}

// Wait blocks until all in-flight and pending tasks have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Lane serializes tasks for one session.
type Lane struct {
	pool *Pool

	mu      sync.Mutex
	pending Task
	active  bool
	closed  bool
	dropped uint64
}

// Submit queues the task, replacing any task that has not started yet.
// It reports whether the task was accepted; a closed lane accepts nothing.
// Submit never blocks.
func (l *Lane) Submit(t Task) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if l.pending != nil {
		l.dropped++
	}
	l.pending = t
	start := !l.active
	if start {
		l.active = true
		l.pool.wg.Add(1)
	}
	l.mu.Unlock()

	if start {
		go l.run()
	}
	return true
}

// Close rejects future submissions and discards the pending task. A task
// already running finishes normally.
func (l *Lane) Close() {
	l.mu.Lock()
	l.closed = true
	if l.pending != nil {
		l.pending = nil
		l.dropped++
	}
	l.mu.Unlock()
}

// Dropped returns how many tasks were replaced or discarded before running.
func (l *Lane) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Lane) run() {
	defer l.pool.wg.Done()
	l.pool.sem <- struct{}{}
	defer func() { <-l.pool.sem }()

	for {
		l.mu.Lock()
		t := l.pending
		l.pending = nil
		if t == nil {
			l.active = false
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		t()
	}
}
