// Package pool provides the worker pools the kernel schedules on: named
// pools per operation category and a partitioned executor that keeps
// per-key ordering.
package pool

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Pool names used by the kernel.
const (
	Auth      = "auth"
	Subscribe = "subscribe"
	Data      = "data"
	Messages  = "messages"
	Events    = "events"
	Shared    = "shared"
)

// DefaultSize is the worker count used when a pool size is not configured.
const DefaultSize = 4

// Pool runs submitted tasks on a fixed set of goroutines.
// Submit never blocks.
type Pool struct {
	name   string
	size   int
	inbox  *inbox
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New starts a pool with size workers.
func New(name string, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		name:   name,
		size:   size,
		inbox:  newInbox(),
		logger: logger.With("pool", name),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.inbox.drain(p.run)
		}()
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Pending returns the number of queued tasks.
func (p *Pool) Pending() int { return p.inbox.len() }

// Submit queues fn. Tasks submitted after Close are dropped.
func (p *Pool) Submit(fn func()) {
	if !p.inbox.push(fn) {
		p.logger.Warn("Task submitted to closed pool, dropping")
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.inbox.close()
	p.wg.Wait()
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Partitioned routes tasks by key to one of n single-goroutine workers, so
// tasks with the same key run in submission order. There is no ordering
// across keys.
type Partitioned struct {
	name    string
	inboxes []*inbox
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewPartitioned starts n partition workers.
func NewPartitioned(name string, n int, logger *slog.Logger) *Partitioned {
	if n <= 0 {
		n = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Partitioned{
		name:    name,
		inboxes: make([]*inbox, n),
		logger:  logger.With("pool", name),
	}
	for i := range p.inboxes {
		b := newInbox()
		p.inboxes[i] = b
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			b.drain(p.run)
		}()
	}
	return p
}

// Enqueue queues fn on the partition owning key. It never blocks.
func (p *Partitioned) Enqueue(key string, fn func()) {
	if !p.inboxes[p.partition(key)].push(fn) {
		p.logger.Warn("Task enqueued on closed executor, dropping", "key", key)
	}
}

// Partitions returns the number of partitions.
func (p *Partitioned) Partitions() int { return len(p.inboxes) }

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Partitioned) Close() {
	for _, b := range p.inboxes {
		b.close()
	}
	p.wg.Wait()
}

func (p *Partitioned) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.inboxes)))
}

func (p *Partitioned) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Set holds the named pools of one kernel instance.
type Set struct {
	pools map[string]*Pool
}

// NewSet starts a pool for every named category. Sizes missing from the
// map use DefaultSize.
func NewSet(sizes map[string]int, logger *slog.Logger) *Set {
	s := &Set{pools: make(map[string]*Pool)}
	for _, name := range []string{Auth, Subscribe, Data, Messages, Shared} {
		s.pools[name] = New(name, sizes[name], logger)
	}
	return s
}

// Get returns the named pool, or the shared pool for unknown names.
func (s *Set) Get(name string) *Pool {
	if p, ok := s.pools[name]; ok {
		return p
	}
	return s.pools[Shared]
}

// Shared returns the fast pool that runs default continuations.
func (s *Set) Shared() *Pool { return s.pools[Shared] }

// Close closes every pool.
func (s *Set) Close() {
	for _, p := range s.pools {
		p.Close()
	}
}
