// Package kernel is the delivery core. It subscribes items to the data
// provider on behalf of session tables, runs the per-item snapshot
// machines and hands the resulting entries to each session's sink through
// the selection and throttling stages.
//
// Producer calls are never blocked: every listener call is normalized and
// queued on the worker owning the item, so events of one item are handled
// in submission order. Subscription calls to the producer run on a
// separate partitioned executor keyed by item.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntrixbase/itemgate/internal/consistency"
	"github.com/syntrixbase/itemgate/internal/data"
	"github.com/syntrixbase/itemgate/internal/metrics"
	"github.com/syntrixbase/itemgate/internal/pool"
	"github.com/syntrixbase/itemgate/internal/selector"
	"github.com/syntrixbase/itemgate/internal/throttle"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// Config sizes the kernel executors.
type Config struct {
	// EventWorkers is the number of item partitions handling events.
	EventWorkers int
	// DataWorkers is the number of partitions running producer
	// subscribe and unsubscribe calls.
	DataWorkers int
	// PumpInterval is how often a session retries entries held back by
	// frequency or bandwidth limits.
	PumpInterval time.Duration
}

// DefaultConfig returns the default executor sizes.
func DefaultConfig() Config {
	return Config{
		EventWorkers: pool.DefaultSize,
		DataWorkers:  pool.DefaultSize,
		PumpInterval: 10 * time.Millisecond,
	}
}

// FailureHandler receives fatal producer errors.
type FailureHandler func(err error)

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithMetrics sets the instruments to record into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithFailureHandler sets the handler of fatal producer errors.
func WithFailureHandler(h FailureHandler) Option {
	return func(k *Kernel) { k.onFailure = h }
}

// WithValidator shares a consistency validator with other components.
func WithValidator(v *consistency.Validator) Option {
	return func(k *Kernel) { k.validator = v }
}

// Kernel routes producer events to session tables.
type Kernel struct {
	cfg       Config
	producer  data.Provider
	smart     data.SmartProvider
	policy    selector.Policy
	validator *consistency.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	onFailure FailureHandler

	events  *pool.Partitioned
	calls   *pool.Partitioned
	gen     atomic.Uint64
	started atomic.Bool

	mu      sync.Mutex
	items   map[string]*itemState
	handles map[data.Handle]*itemState
}

// New creates a kernel serving producer. policy decides selection and
// customization and may be nil.
func New(cfg Config, producer data.Provider, policy selector.Policy, opts ...Option) *Kernel {
	def := DefaultConfig()
	if cfg.EventWorkers <= 0 {
		cfg.EventWorkers = def.EventWorkers
	}
	if cfg.DataWorkers <= 0 {
		cfg.DataWorkers = def.DataWorkers
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = def.PumpInterval
	}

	k := &Kernel{
		cfg:      cfg,
		producer: producer,
		policy:   policy,
		items:    make(map[string]*itemState),
		handles:  make(map[data.Handle]*itemState),
	}
	if sp, ok := producer.(data.SmartProvider); ok {
		k.smart = sp
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	k.logger = k.logger.With("component", "kernel")
	if k.validator == nil {
		k.validator = consistency.New()
	}
	if k.onFailure == nil {
		k.onFailure = func(err error) {
			k.logger.Error("Fatal data provider failure", "error", err)
		}
	}

	k.events = pool.NewPartitioned(pool.Events, cfg.EventWorkers, k.logger)
	k.calls = pool.NewPartitioned(pool.Data, cfg.DataWorkers, k.logger)
	return k
}

// Start hands the kernel to the producer as its listener.
func (k *Kernel) Start() {
	if k.started.Swap(true) {
		return
	}
	k.producer.SetListener(k)
	k.logger.Info("Kernel started",
		"eventWorkers", k.cfg.EventWorkers,
		"dataWorkers", k.cfg.DataWorkers,
		"smart", k.smart != nil)
}

// Close stops the executors after the queued work is done.
func (k *Kernel) Close() {
	k.events.Close()
	k.calls.Close()
}

// Validator returns the consistency validator used for reservations.
func (k *Kernel) Validator() *consistency.Validator { return k.validator }

// ActiveItems returns the number of items currently referenced by tables.
func (k *Kernel) ActiveItems() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.items)
}

// Table describes one subscription of a stream.
type Table struct {
	WinIndex int
	Mode     model.Mode
	Adapter  string
	Items    []string
	// Fields restricts delivered events to these names, in this order.
	// Empty means every field.
	Fields   []string
	Selector string
	// Grants holds the resource limits of each item, parallel to Items.
	// Missing entries are unlimited.
	Grants []throttle.Grant
}

// Subscribe adds table to stream. Item modes are reserved first; a
// conflicting reservation rolls back the ones already taken.
func (k *Kernel) Subscribe(s *Stream, t Table) error {
	if !t.Mode.IsValid() {
		return fmt.Errorf("invalid items mode: %d", int(t.Mode))
	}
	for i, item := range t.Items {
		if err := k.validator.Reserve(item, t.Mode); err != nil {
			for _, prev := range t.Items[:i] {
				k.validator.Release(prev, t.Mode)
			}
			return fmt.Errorf("item %s: %w", item, err)
		}
	}

	bindings := make([]*binding, len(t.Items))
	for i := range t.Items {
		var grant throttle.Grant
		if i < len(t.Grants) {
			grant = t.Grants[i]
		}
		bindings[i] = newBinding(s, t, i, grant, k.policy)
	}

	if err := s.addTable(t.WinIndex, bindings); err != nil {
		for _, item := range t.Items {
			k.validator.Release(item, t.Mode)
		}
		return err
	}

	for _, b := range bindings {
		k.acquire(b, len(t.Fields) == 0)
	}
	k.logger.Debug("Table subscribed",
		"session", s.id, "win", t.WinIndex, "mode", t.Mode, "items", len(t.Items))
	return nil
}

// Unsubscribe removes a table from stream and returns its statistics.
func (k *Kernel) Unsubscribe(s *Stream, winIndex int) ([]model.SubscriptionStatistics, error) {
	bindings, err := s.removeTable(winIndex)
	if err != nil {
		return nil, err
	}
	return k.detachAll(bindings), nil
}

func (k *Kernel) detachAll(bindings []*binding) []model.SubscriptionStatistics {
	stats := make([]model.SubscriptionStatistics, len(bindings))
	for i, b := range bindings {
		b.detached.Store(true)
		k.release(b)
		k.validator.Release(b.item, b.mode)
		stats[i] = b.statistics()
	}
	return stats
}

// acquire references the item of b, activating it on the first reference,
// and attaches b on the item worker.
func (k *Kernel) acquire(b *binding, needsIteration bool) {
	k.mu.Lock()
	if b.released {
		// the stream closed while the table was being added
		k.mu.Unlock()
		return
	}
	st, ok := k.items[b.item]
	if !ok {
		st = newItemState(b.item, data.Handle(k.gen.Add(1)))
		k.items[b.item] = st
		k.handles[st.handle] = st
	}
	st.refs++
	b.st = st
	k.mu.Unlock()

	// attach is queued first so the first machine sees the start.
	k.events.Enqueue(b.item, func() { st.attach(k, b) })
	if !ok {
		k.metrics.ItemActivated(1)
		k.activate(st, b.grant, needsIteration)
	}
}

// release drops the reference of b; the last one tears the item down.
func (k *Kernel) release(b *binding) {
	k.mu.Lock()
	if b.released {
		k.mu.Unlock()
		return
	}
	b.released = true
	st := b.st
	if st == nil {
		k.mu.Unlock()
		return
	}
	st.refs--
	last := st.refs == 0
	if last {
		delete(k.items, b.item)
		delete(k.handles, st.handle)
	}
	k.mu.Unlock()

	k.events.Enqueue(b.item, func() { st.detach(b) })
	if last {
		k.metrics.ItemActivated(-1)
		k.events.Enqueue(b.item, st.teardown)
		k.deactivate(st)
	}
}

// activate subscribes the item to the producer. The snapshot availability
// is queued on the item worker ahead of anything the producer may send
// from within Subscribe.
func (k *Kernel) activate(st *itemState, grant throttle.Grant, needsIteration bool) {
	k.calls.Enqueue(st.name, func() {
		available := k.producer.IsSnapshotAvailable(st.name)
		k.events.Enqueue(st.name, func() { st.start(available) })

		if fa, ok := k.producer.(data.FrequencyAware); ok && grant.MinSourceFrequency > 0 {
			fa.SetMinSourceFrequency(st.name, grant.MinSourceFrequency)
		}

		var err error
		if k.smart != nil {
			err = k.smart.SmartSubscribe(st.name, st.handle, needsIteration)
		} else {
			err = k.producer.Subscribe(st.name, needsIteration)
		}
		if err != nil {
			var fatal *model.FailureError
			if errors.As(err, &fatal) {
				k.fail(err)
				return
			}
			// Activation errors only suppress data for the item.
			k.metrics.ActivationFailed()
			k.logger.Warn("Item activation failed", "item", st.name, "error", err)
			return
		}
		st.activated = true
	})
}

// deactivate unsubscribes the item unless its activation failed.
func (k *Kernel) deactivate(st *itemState) {
	k.calls.Enqueue(st.name, func() {
		if !st.activated {
			return
		}
		st.activated = false

		var err error
		if k.smart != nil {
			err = k.smart.SmartUnsubscribe(st.name, st.handle)
		} else {
			err = k.producer.Unsubscribe(st.name)
		}
		if err != nil {
			var fatal *model.FailureError
			if errors.As(err, &fatal) {
				k.fail(err)
				return
			}
			k.logger.Warn("Item deactivation failed", "item", st.name, "error", err)
		}
	})
}

func (k *Kernel) fail(err error) {
	var fatal *model.FailureError
	if !errors.As(err, &fatal) {
		err = &model.FailureError{Source: "data provider", Err: err}
	}
	k.onFailure(err)
}

func (k *Kernel) lookupItem(item string) *itemState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.items[item]
}

func (k *Kernel) lookupHandle(h data.Handle) *itemState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.handles[h]
}
