// Package bus is a data provider fed by a pubsub engine. Producers publish
// one JSON message per update on <prefix>.<item>:
//
//	{"fields":{"bid":"1.5","ask":null},"snapshot":true,"eos":false,"clear":false}
//
// Only items currently subscribed by the kernel reach the listener.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/schema"

	"github.com/syntrixbase/itemgate/internal/data"
	"github.com/syntrixbase/itemgate/internal/metrics"
	"github.com/syntrixbase/itemgate/internal/pubsub"
)

// Params configure the provider.
type Params struct {
	Stream        string `schema:"stream"`
	SubjectPrefix string `schema:"subject_prefix"`
	Durable       string `schema:"durable"`
	BufferSize    int    `schema:"buffer_size"`
	// Snapshot marks every item as having a snapshot.
	Snapshot bool `schema:"snapshot"`
	// SnapshotItems lists items with a snapshot, comma separated.
	SnapshotItems string `schema:"snapshot_items"`
}

// DefaultParams returns the values used for parameters left unset.
func DefaultParams() Params {
	return Params{Stream: "ITEMS", SubjectPrefix: "items"}
}

var (
	errNoListener = errors.New("bus provider: listener not set")
	errNoEngine   = errors.New("bus provider: no pubsub engine")
)

// Provider implements data.Provider on top of a pubsub.Provider.
type Provider struct {
	engine  pubsub.Provider
	logger  *slog.Logger
	metrics *metrics.Metrics
	params  Params

	snapshotItems map[string]struct{}
	listener      data.Listener
	ready         chan struct{}
	readyOnce     sync.Once

	mu         sync.RWMutex
	subscribed map[string]struct{}
}

var _ data.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithMetrics counts consumed messages by outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// New creates a provider on engine. A nil logger means slog.Default().
func New(engine pubsub.Provider, logger *slog.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		engine:     engine,
		logger:     logger.With("component", "bus"),
		params:     DefaultParams(),
		ready:      make(chan struct{}),
		subscribed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Init(params map[string]string, _ string) error {
	p.params = DefaultParams()
	values := make(map[string][]string, len(params))
	for k, v := range params {
		values[k] = []string{v}
	}
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&p.params, values); err != nil {
		return fmt.Errorf("invalid bus parameters: %w", err)
	}
	if p.params.SubjectPrefix == "" {
		return errors.New("bus provider: subject_prefix is required")
	}

	p.snapshotItems = make(map[string]struct{})
	for _, item := range strings.Split(p.params.SnapshotItems, ",") {
		if item = strings.TrimSpace(item); item != "" {
			p.snapshotItems[item] = struct{}{}
		}
	}
	return nil
}

func (p *Provider) SetListener(l data.Listener) { p.listener = l }

func (p *Provider) Subscribe(item string, _ bool) error {
	p.mu.Lock()
	p.subscribed[item] = struct{}{}
	p.mu.Unlock()
	p.logger.Debug("Item subscribed", "item", item)
	return nil
}

func (p *Provider) Unsubscribe(item string) error {
	p.mu.Lock()
	delete(p.subscribed, item)
	p.mu.Unlock()
	p.logger.Debug("Item unsubscribed", "item", item)
	return nil
}

func (p *Provider) IsSnapshotAvailable(item string) bool {
	if p.params.Snapshot {
		return true
	}
	_, ok := p.snapshotItems[item]
	return ok
}

func (p *Provider) isSubscribed(item string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.subscribed[item]
	return ok
}

// Ready is closed once Run has subscribed to the engine.
func (p *Provider) Ready() <-chan struct{} { return p.ready }

// Run consumes the bus until ctx is done.
func (p *Provider) Run(ctx context.Context) error {
	if p.listener == nil {
		return errNoListener
	}
	if p.engine == nil {
		return errNoEngine
	}
	c, err := p.engine.NewConsumer(pubsub.ConsumerOptions{
		Stream:        p.params.Stream,
		Durable:       p.params.Durable,
		FilterSubject: pubsub.StreamSubjects(p.params.SubjectPrefix),
		BufferSize:    p.params.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("bus provider: %w", err)
	}
	msgs, err := c.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("bus provider: %w", err)
	}
	p.readyOnce.Do(func() { close(p.ready) })
	p.logger.Info("Bus provider consuming", "stream", p.params.Stream, "prefix", p.params.SubjectPrefix)

	for msg := range msgs {
		p.handle(msg)
	}
	return nil
}

func (p *Provider) handle(msg pubsub.Message) {
	item, ok := strings.CutPrefix(msg.Subject(), p.params.SubjectPrefix+".")
	if !ok || item == "" {
		p.metrics.Bus(metrics.BusMalformed)
		p.settle(msg, msg.Term)
		return
	}
	u, err := Decode(msg.Data())
	if err != nil {
		p.logger.Warn("Dropping malformed update", "item", item, "error", err)
		p.metrics.Bus(metrics.BusMalformed)
		p.settle(msg, msg.Term)
		return
	}
	if p.isSubscribed(item) {
		p.deliver(item, u)
		p.metrics.Bus(metrics.BusForwarded)
	} else {
		p.metrics.Bus(metrics.BusSkipped)
	}
	p.settle(msg, msg.Ack)
}

func (p *Provider) deliver(item string, u Update) {
	if u.Clear {
		p.listener.ClearSnapshot(item)
	}
	if u.Fields != nil {
		p.listener.Update(item, u.Fields, u.Snapshot)
	}
	if u.EndOfSnapshot {
		p.listener.EndOfSnapshot(item)
	}
}

func (p *Provider) settle(msg pubsub.Message, fn func() error) {
	if err := fn(); err != nil {
		p.logger.Warn("Failed to settle message", "subject", msg.Subject(), "error", err)
	}
}
