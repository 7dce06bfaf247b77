package pool

import (
	"sync"

	"github.com/eapache/queue"
)

// inbox is an unbounded FIFO of tasks. push never blocks; the only lock
// taken is the inbox mutex, and nothing is called while holding it.
type inbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{q: queue.New(), signal: make(chan struct{}, 1)}
}

func (b *inbox) push(fn func()) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.q.Add(fn)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

// pop returns the next task. done is true once the inbox is closed and drained.
func (b *inbox) pop() (fn func(), done bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.q.Length() > 0 {
		return b.q.Remove().(func()), false
	}
	return nil, b.closed
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// drain runs tasks until the inbox is closed and empty.
func (b *inbox) drain(run func(func())) {
	for {
		fn, done := b.pop()
		if fn != nil {
			run(fn)
			continue
		}
		if done {
			// wake a sibling worker sharing this inbox
			b.close()
			return
		}
		<-b.signal
	}
}
