package workers

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLaneRunsTasksInOrder(t *testing.T) {
	pool := NewPool(2)
	lane := pool.Lane()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		prev := make(chan struct{})
		// Submit one at a time so nothing gets replaced.
		lane.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			close(prev)
		})
		<-prev
	}
	lane.Submit(func() { close(done) })
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("task order = %v", got)
	}
}

func TestLaneReplacesPendingTask(t *testing.T) {
	pool := NewPool(1)
	lane := pool.Lane()

	block := make(chan struct{})
	started := make(chan struct{})
	lane.Submit(func() {
		close(started)
		<-block
	})
	<-started

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		lane.Submit(func() { ran.Add(1) })
	}
	close(block)
	pool.Wait()

	if got := ran.Load(); got != 1 {
		t.Fatalf("replaced tasks ran %d times, want 1", got)
	}
	if got := lane.Dropped(); got != 4 {
		t.Fatalf("Dropped = %d, want 4", got)
	}
}

func TestLaneSerializesExecution(t *testing.T) {
	pool := NewPool(4)
	lane := pool.Lane()

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lane.Submit(func() {
				cur := inFlight.Add(1)
				for {
					max := maxInFlight.Load()
					if cur <= max || maxInFlight.CompareAndSwap(max, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
			})
		}()
	}
	wg.Wait()
	pool.Wait()

	if got := maxInFlight.Load(); got > 1 {
		t.Fatalf("lane ran %d tasks concurrently, want at most 1", got)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2)

	var inFlight, maxInFlight atomic.Int32
	for i := 0; i < 8; i++ {
		lane := pool.Lane()
		lane.Submit(func() {
			cur := inFlight.Add(1)
			for {
				max := maxInFlight.Load()
				if cur <= max || maxInFlight.CompareAndSwap(max, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		})
	}
	pool.Wait()

	if got := maxInFlight.Load(); got > 2 {
		t.Fatalf("pool ran %d tasks concurrently, want at most 2", got)
	}
}

func TestClosedLaneRejectsTasks(t *testing.T) {
	pool := NewPool(1)
	lane := pool.Lane()
	lane.Close()

	if lane.Submit(func() {}) {
		t.Fatal("Submit on closed lane returned true")
	}
	pool.Wait()
}

func TestCloseDiscardsPendingTask(t *testing.T) {
	pool := NewPool(1)
	lane := pool.Lane()

	block := make(chan struct{})
	started := make(chan struct{})
	lane.Submit(func() {
		close(started)
		<-block
	})
	<-started

	var ran atomic.Bool
	lane.Submit(func() { ran.Store(true) })
	lane.Close()
	close(block)
	pool.Wait()

	if ran.Load() {
		t.Fatal("pending task ran after Close")
	}
}
