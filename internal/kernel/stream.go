package kernel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/internal/metrics"
	"github.com/syntrixbase/itemgate/internal/selector"
	"github.com/syntrixbase/itemgate/internal/snapshot"
	"github.com/syntrixbase/itemgate/internal/throttle"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// Delivery is one entry handed to a session sink.
type Delivery struct {
	SessionID string
	WinIndex  int
	Item      string
	// Position is the 1-based index of the item within its table.
	Position int
	Kind     snapshot.Kind
	// Event is nil for EndOfSnapshot and ClearHistory entries.
	Event *event.Event
}

func (d Delivery) String() string {
	return fmt.Sprintf("%s win=%d item=%s(%d) %s", d.SessionID, d.WinIndex, d.Item, d.Position, d.Kind)
}

// Sink receives the deliveries of one session, in order, from a single
// goroutine. A slow sink holds back only its own session.
type Sink interface {
	Deliver(d Delivery)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(d Delivery)

func (f SinkFunc) Deliver(d Delivery) { f(d) }

// Stream is the delivery side of one session: its tables and the pump
// moving queued entries to the sink.
type Stream struct {
	k        *Kernel
	id       string
	user     string
	sink     Sink
	bw       *throttle.Bandwidth
	interval time.Duration

	mu     sync.Mutex
	tables map[int][]*binding
	active []*binding
	closed bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// OpenStream starts the delivery pump of a session. maxBandwidth is in
// kbit/s; 0 means unlimited.
func (k *Kernel) OpenStream(sessionID, user string, maxBandwidth float64, sink Sink) *Stream {
	s := &Stream{
		k:        k,
		id:       sessionID,
		user:     user,
		sink:     sink,
		bw:       throttle.NewBandwidth(maxBandwidth),
		interval: k.cfg.PumpInterval,
		tables:   make(map[int][]*binding),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.run()
	return s
}

// CloseStream removes every table of s, stops its pump and returns the
// statistics of the removed tables by win index. Later calls return nil.
func (k *Kernel) CloseStream(s *Stream) map[int][]model.SubscriptionStatistics {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tables := s.tables
	s.tables = nil
	s.active = nil
	s.mu.Unlock()

	wins := make([]int, 0, len(tables))
	for win := range tables {
		wins = append(wins, win)
	}
	sort.Ints(wins)

	stats := make(map[int][]model.SubscriptionStatistics, len(tables))
	for _, win := range wins {
		stats[win] = k.detachAll(tables[win])
	}

	close(s.done)
	<-s.stopped
	return stats
}

// ID returns the session id.
func (s *Stream) ID() string { return s.id }

// Tables returns the win indexes of the active tables, sorted.
func (s *Stream) Tables() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	wins := make([]int, 0, len(s.tables))
	for win := range s.tables {
		wins = append(wins, win)
	}
	sort.Ints(wins)
	return wins
}

func (s *Stream) addTable(win int, bindings []*binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrSessionClosed
	}
	if _, ok := s.tables[win]; ok {
		return fmt.Errorf("%w: %d", model.ErrDuplicateWinIndex, win)
	}
	s.tables[win] = bindings
	s.rebuild()
	return nil
}

func (s *Stream) removeTable(win int) ([]*binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bindings, ok := s.tables[win]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrUnknownTable, win)
	}
	delete(s.tables, win)
	s.rebuild()
	return bindings, nil
}

// rebuild replaces the pump's binding list; the old slice is never
// modified, so the pump may keep iterating it.
func (s *Stream) rebuild() {
	wins := make([]int, 0, len(s.tables))
	for win := range s.tables {
		wins = append(wins, win)
	}
	sort.Ints(wins)
	var active []*binding
	for _, win := range wins {
		active = append(active, s.tables[win]...)
	}
	s.active = active
}

func (s *Stream) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) run() {
	defer close(s.stopped)
	retry := time.NewTimer(s.interval)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-retry.C:
		}
		if s.pump(time.Now()) {
			retry.Reset(s.interval)
		}
	}
}

// pump delivers everything deliverable now and reports whether entries
// are being held back.
func (s *Stream) pump(now time.Time) bool {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	held := false
	for _, b := range active {
		if b.detached.Load() {
			continue
		}
		for {
			out, ok := b.queue.Pop(now, s.bw)
			if !ok {
				break
			}
			b.delivered(s.k, out)
			s.sink.Deliver(Delivery{
				SessionID: s.id,
				WinIndex:  b.winIndex,
				Item:      b.item,
				Position:  b.position,
				Kind:      out.Kind,
				Event:     out.Event,
			})
		}
		if b.queue.Len() > 0 {
			held = true
		}
	}
	return held
}

// binding is one item of one table.
type binding struct {
	stream   *Stream
	winIndex int
	item     string
	position int
	mode     model.Mode
	grant    throttle.Grant
	fields   []string
	pipeline *selector.Pipeline
	queue    *throttle.Queue

	// guarded by Kernel.mu
	st       *itemState
	released bool

	detached  atomic.Bool
	snapshots atomic.Int64
	updates   atomic.Int64
	filtered  atomic.Int64
}

func newBinding(s *Stream, t Table, i int, grant throttle.Grant, policy selector.Policy) *binding {
	return &binding{
		stream:   s,
		winIndex: t.WinIndex,
		item:     t.Items[i],
		position: i + 1,
		mode:     t.Mode,
		grant:    grant,
		fields:   t.Fields,
		pipeline: selector.New(policy, selector.Config{
			User:     s.user,
			Item:     t.Items[i],
			Adapter:  t.Adapter,
			Selector: t.Selector,
			Mode:     t.Mode,
		}),
		queue: throttle.NewQueue(t.Mode, grant),
	}
}

// offer runs an output of the item machine through the table stages.
func (b *binding) offer(k *Kernel, out snapshot.Output) {
	if b.detached.Load() {
		return
	}
	out, keep := b.pipeline.Apply(out)
	if !keep {
		b.filtered.Add(1)
		k.metrics.Dropped(metrics.DropFiltered, 1)
		return
	}
	b.push(k, out)
}

func (b *binding) push(k *Kernel, out snapshot.Output) {
	out.Event = b.project(out.Event)
	k.metrics.Dropped(metrics.DropBuffer, b.queue.Push(out))
	b.stream.notify()
}

// project keeps the schema fields of ev. COMMAND tables always keep key
// and command.
func (b *binding) project(ev *event.Event) *event.Event {
	if ev == nil || len(b.fields) == 0 {
		return ev
	}
	out := event.New(len(b.fields) + 2)
	if b.mode == model.ModeCommand {
		for _, name := range []string{model.KeyField, model.CommandField} {
			if v, ok := ev.Get(name); ok {
				out.Set(name, v)
			}
		}
	}
	for _, name := range b.fields {
		if v, ok := ev.Get(name); ok {
			out.Set(name, v)
		}
	}
	out.Synthetic = ev.Synthetic
	return out
}

func (b *binding) delivered(k *Kernel, out snapshot.Output) {
	switch out.Kind {
	case snapshot.KindSnapshot:
		b.snapshots.Add(1)
	case snapshot.KindUpdate:
		b.updates.Add(1)
	}
	k.metrics.Delivered(out.Kind.String())
}

func (b *binding) statistics() model.SubscriptionStatistics {
	return model.SubscriptionStatistics{
		Item:           b.item,
		SnapshotEvents: b.snapshots.Load(),
		Delivered:      b.updates.Load(),
		Filtered:       b.filtered.Load(),
		Lost:           b.queue.Lost(),
	}
}
