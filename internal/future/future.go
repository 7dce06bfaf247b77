// Package future provides a single-shot deferred result for administrative
// calls such as forced session termination.
package future

import (
	"context"
	"sync"
)

// Executor runs continuations. Implementations must not block the caller.
type Executor interface {
	Submit(fn func())
}

// Future is completed exactly once with a nil or non-nil error.
type Future struct {
	exec Executor

	mu    sync.Mutex
	done  chan struct{}
	err   error
	conts []func(error)
}

// New creates a pending future whose continuations run on exec.
// With a nil exec every continuation runs on its own goroutine.
func New(exec Executor) *Future {
	return &Future{exec: exec, done: make(chan struct{})}
}

// Resolved returns an already completed future, for the synchronous fast path.
func Resolved(err error) *Future {
	f := New(nil)
	f.Complete(err)
	return f
}

// Complete resolves the future. Only the first call has an effect; it
// reports whether this call completed the future.
func (f *Future) Complete(err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.err = err
	conts := f.conts
	f.conts = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range conts {
		f.run(fn, err)
	}
	return true
}

// Done is closed on completion.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future is complete.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the completion error; nil while pending.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until completion or until ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Then registers a continuation. It runs on the executor once the future
// completes, or right away (still on the executor) if it already has.
// Continuations must be fast.
func (f *Future) Then(fn func(err error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		err := f.err
		f.mu.Unlock()
		f.run(fn, err)
		return
	default:
	}
	f.conts = append(f.conts, fn)
	f.mu.Unlock()
}

func (f *Future) run(fn func(error), err error) {
	if f.exec == nil {
		go fn(err)
		return
	}
	f.exec.Submit(func() { fn(err) })
}
