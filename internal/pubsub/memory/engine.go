// Package memory is an in-process pubsub engine with NATS subject
// semantics. Publishing blocks while a subscriber's buffer is full.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntrixbase/itemgate/internal/pubsub"
)

// ErrClosed is returned once the engine is closed.
var ErrClosed = errors.New("pubsub engine closed")

var _ pubsub.Provider = (*Engine)(nil)

// Engine routes published messages to every matching subscription.
type Engine struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed atomic.Bool
}

type subscription struct {
	pattern string
	ch      chan pubsub.Message
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// New creates an engine.
func New() *Engine {
	return &Engine{subs: make(map[uint64]*subscription)}
}

func (e *Engine) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return &publisher{engine: e, opts: opts}, nil
}

func (e *Engine) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return &consumer{engine: e, opts: opts}, nil
}

// Close ends every subscription. Later calls are no-ops.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mu.Lock()
	subs := e.subs
	e.subs = make(map[uint64]*subscription)
	e.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

// Subscriptions returns the number of live subscriptions.
func (e *Engine) Subscriptions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

func (e *Engine) publish(ctx context.Context, subject string, data []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.mu.RLock()
	var targets []*subscription
	for _, s := range e.subs {
		if matchSubject(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	e.mu.RUnlock()

	now := time.Now()
	for _, s := range targets {
		msg := &message{data: data, subject: subject, timestamp: now, sub: s}
		msg.delivered.Store(1)
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) subscribe(ctx context.Context, pattern string, size int) (<-chan pubsub.Message, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	s := &subscription{
		pattern: pattern,
		ch:      make(chan pubsub.Message, size),
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[id] = s
	e.mu.Unlock()

	out := make(chan pubsub.Message)
	go func() {
		defer close(out)
		defer func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			s.stop()
		}()
		for {
			select {
			case msg := <-s.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return out, nil
}

type publisher struct {
	engine *Engine
	opts   pubsub.PublisherOptions
	closed atomic.Bool
}

func (p *publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	full := pubsub.FullSubject(p.opts.SubjectPrefix, subject)
	err := p.engine.publish(ctx, full, data)
	if p.opts.OnPublish != nil {
		p.opts.OnPublish(full, err, time.Since(start))
	}
	return err
}

func (p *publisher) Close() error {
	p.closed.Store(true)
	return nil
}

type consumer struct {
	engine *Engine
	opts   pubsub.ConsumerOptions
}

func (c *consumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	pattern := c.opts.FilterSubject
	if pattern == "" {
		pattern = pubsub.StreamSubjects(c.opts.Stream)
	}
	size := c.opts.BufferSize
	if size <= 0 {
		size = pubsub.DefaultBufferSize
	}
	return c.engine.subscribe(ctx, pattern, size)
}
