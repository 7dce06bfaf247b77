package kernel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/itemgate/internal/data"
	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/internal/metrics"
	"github.com/syntrixbase/itemgate/internal/snapshot"
	"github.com/syntrixbase/itemgate/internal/throttle"
	"github.com/syntrixbase/itemgate/pkg/model"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// ============================================================================
// Fakes
// ============================================================================

type fakeProducer struct {
	mu           sync.Mutex
	listener     data.Listener
	snapshot     map[string]bool
	subscribeErr map[string]error
	subscribed   map[string]int
	unsubscribed map[string]int
	handles      map[string]data.Handle
	minFreq      map[string]float64
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{
		snapshot:     make(map[string]bool),
		subscribeErr: make(map[string]error),
		subscribed:   make(map[string]int),
		unsubscribed: make(map[string]int),
		handles:      make(map[string]data.Handle),
		minFreq:      make(map[string]float64),
	}
}

func (p *fakeProducer) Init(map[string]string, string) error { return nil }

func (p *fakeProducer) SetListener(l data.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

func (p *fakeProducer) Subscribe(item string, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed[item]++
	return p.subscribeErr[item]
}

func (p *fakeProducer) Unsubscribe(item string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribed[item]++
	return nil
}

func (p *fakeProducer) IsSnapshotAvailable(item string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot[item]
}

func (p *fakeProducer) SetMinSourceFrequency(item string, f float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFreq[item] = f
}

func (p *fakeProducer) count(m map[string]int, item string) func() bool {
	return func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return m[item] > 0
	}
}

func (p *fakeProducer) subscriptions(item string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed[item]
}

func (p *fakeProducer) unsubscriptions(item string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsubscribed[item]
}

type smartProducer struct {
	*fakeProducer
}

func (p smartProducer) SmartSubscribe(item string, h data.Handle, needs bool) error {
	p.mu.Lock()
	p.handles[item] = h
	p.mu.Unlock()
	return p.Subscribe(item, needs)
}

func (p smartProducer) SmartUnsubscribe(item string, _ data.Handle) error {
	return p.Unsubscribe(item)
}

func (p smartProducer) handle(item string) data.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[item]
}

type recordingSink struct {
	mu  sync.Mutex
	got []Delivery
}

func (s *recordingSink) Deliver(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
}

func (s *recordingSink) all() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.got...)
}

func (s *recordingSink) wait(t *testing.T, n int) []Delivery {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.all()) >= n }, waitFor, tick)
	return s.all()
}

func kinds(ds []Delivery) []snapshot.Kind {
	out := make([]snapshot.Kind, len(ds))
	for i, d := range ds {
		out[i] = d.Kind
	}
	return out
}

type rejectAll struct{}

func (rejectAll) Selected(string, string, string, string, *event.Event) bool { return false }
func (rejectAll) CustomizationEnabled(string, string, string) bool { return false }
func (rejectAll) CustomizeEvent(string, string, string, *event.Customizable) {}

func newKernel(t *testing.T, p data.Provider, opts ...Option) *Kernel {
	t.Helper()
	k := New(Config{EventWorkers: 2, DataWorkers: 2, PumpInterval: time.Millisecond}, p, nil, opts...)
	k.Start()
	t.Cleanup(k.Close)
	return k
}

func openStream(t *testing.T, k *Kernel, id string) (*Stream, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	s := k.OpenStream(id, "user", 0, sink)
	t.Cleanup(func() { k.CloseStream(s) })
	return s, sink
}

// ============================================================================
// Snapshot delivery
// ============================================================================

func TestKernel_MergeSnapshotThenLive(t *testing.T) {
	p := newFakeProducer()
	p.snapshot["item1"] = true
	k := newKernel(t, p)
	s, sink := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeMerge, Items: []string{"item1"}}))
	require.Eventually(t, p.count(p.subscribed, "item1"), waitFor, tick)

	k.Update("item1", map[string]string{"a": "1"}, true)
	k.Update("item1", map[string]string{"b": "2"}, true)
	k.EndOfSnapshot("item1")
	k.Update("item1", map[string]string{"a": "3"}, false)

	got := sink.wait(t, 3)
	assert.Equal(t, []snapshot.Kind{snapshot.KindSnapshot, snapshot.KindEndOfSnapshot, snapshot.KindUpdate}, kinds(got))
	assert.Equal(t, "1", got[0].Event.Text("a"))
	assert.Equal(t, "2", got[0].Event.Text("b"))
	assert.Equal(t, "3", got[2].Event.Text("a"))
	assert.Equal(t, 1, got[0].WinIndex)
	assert.Equal(t, 1, got[0].Position)
	assert.Equal(t, "s1", got[0].SessionID)
}

func TestKernel_LateJoinerGetsRetainedSnapshot(t *testing.T) {
	p := newFakeProducer()
	p.snapshot["item1"] = true
	k := newKernel(t, p)
	s1, sink1 := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s1, Table{WinIndex: 1, Mode: model.ModeMerge, Items: []string{"item1"}}))
	require.Eventually(t, p.count(p.subscribed, "item1"), waitFor, tick)
	k.Update("item1", map[string]string{"a": "1", "b": "2"}, true)
	k.Update("item1", map[string]string{"a": "3"}, false)
	sink1.wait(t, 3)

	s2, sink2 := openStream(t, k, "s2")
	require.NoError(t, k.Subscribe(s2, Table{WinIndex: 7, Mode: model.ModeMerge, Items: []string{"item1"}}))

	got := sink2.wait(t, 2)
	assert.Equal(t, []snapshot.Kind{snapshot.KindSnapshot, snapshot.KindEndOfSnapshot}, kinds(got))
	assert.Equal(t, "3", got[0].Event.Text("a"))
	assert.Equal(t, "2", got[0].Event.Text("b"))
	assert.Equal(t, 1, p.subscriptions("item1"), "the item is activated once")
}

func TestKernel_NoSnapshotGoesLive(t *testing.T) {
	p := newFakeProducer()
	k := newKernel(t, p)
	s, sink := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeRaw, Items: []string{"item1"}}))
	require.Eventually(t, p.count(p.subscribed, "item1"), waitFor, tick)
	k.Update("item1", map[string]string{"a": "1"}, false)

	got := sink.wait(t, 1)
	assert.Equal(t, []snapshot.Kind{snapshot.KindUpdate}, kinds(got))
}

// ============================================================================
// Modes
// ============================================================================

func TestKernel_ConflictingModeRejected(t *testing.T) {
	p := newFakeProducer()
	k := newKernel(t, p)
	s, _ := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeMerge, Items: []string{"item1"}}))

	err := k.Subscribe(s, Table{WinIndex: 2, Mode: model.ModeDistinct, Items: []string{"item2", "item1"}})
	require.ErrorIs(t, err, model.ErrModeConflict)
	assert.Zero(t, k.Validator().Count("item2", model.ModeDistinct), "earlier reservations are rolled back")

	assert.NoError(t, k.Subscribe(s, Table{WinIndex: 3, Mode: model.ModeRaw, Items: []string{"item1"}}))
	assert.NoError(t, k.Subscribe(s, Table{WinIndex: 4, Mode: model.ModeMerge, Items: []string{"item1"}}))
}

func TestKernel_ModeFreedAfterUnsubscribe(t *testing.T) {
	p := newFakeProducer()
	k := newKernel(t, p)
	s, _ := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeMerge, Items: []string{"item1"}}))
	_, err := k.Unsubscribe(s, 1)
	require.NoError(t, err)
	assert.NoError(t, k.Subscribe(s, Table{WinIndex: 2, Mode: model.ModeCommand, Items: []string{"item1"}}))
}

func TestKernel_DuplicateWinIndex(t *testing.T) {
	k := newKernel(t, newFakeProducer())
	s, _ := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeMerge, Items: []string{"a"}}))
	err := k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeMerge, Items: []string{"b"}})
	require.ErrorIs(t, err, model.ErrDuplicateWinIndex)
	assert.Zero(t, k.Validator().Count("b", model.ModeMerge))

	_, err = k.Unsubscribe(s, 9)
	assert.ErrorIs(t, err, model.ErrUnknownTable)
}

func TestKernel_CommandClearDeliversDeleteAll(t *testing.T) {
	p := newFakeProducer()
	k := New(Config{PumpInterval: time.Millisecond}, p, rejectAll{})
	k.Start()
	t.Cleanup(k.Close)
	s, sink := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeCommand, Items: []string{"orders"}, Selector: "none"}))
	require.Eventually(t, p.count(p.subscribed, "orders"), waitFor, tick)

	k.Update("orders", map[string]string{"key": "k1", "command": "ADD"}, false)
	k.ClearSnapshot("orders")

	got := sink.wait(t, 1)
	require.Len(t, got, 1, "the selector drops the ADD but not the DELETEALL")
	assert.True(t, snapshot.IsDeleteAll(got[0].Event))
	assert.True(t, got[0].Event.Has(model.KeyField))
}

// ============================================================================
// Item lifecycle
// ============================================================================

func TestKernel_LastTableUnsubscribesItem(t *testing.T) {
	p := newFakeProducer()
	k := newKernel(t, p)
	s1, _ := openStream(t, k, "s1")
	s2, _ := openStream(t, k, "s2")

	require.NoError(t, k.Subscribe(s1, Table{WinIndex: 1, Mode: model.ModeRaw, Items: []string{"item1"}}))
	require.NoError(t, k.Subscribe(s2, Table{WinIndex: 1, Mode: model.ModeRaw, Items: []string{"item1"}}))
	require.Eventually(t, p.count(p.subscribed, "item1"), waitFor, tick)

	_, err := k.Unsubscribe(s1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, k.ActiveItems())

	stats := k.CloseStream(s2)
	require.Len(t, stats[1], 1)
	require.Eventually(t, p.count(p.unsubscribed, "item1"), waitFor, tick)
	assert.Zero(t, k.ActiveItems())
	assert.Nil(t, k.CloseStream(s2), "closing twice is a no-op")
}

func TestKernel_FailedActivationSkipsUnsubscribe(t *testing.T) {
	p := newFakeProducer()
	p.subscribeErr["bad"] = &model.SubscriptionError{Item: "bad", Msg: "no such item"}
	k := newKernel(t, p)
	s, _ := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeMerge, Items: []string{"bad"}}))
	require.Eventually(t, p.count(p.subscribed, "bad"), waitFor, tick)
	_, err := k.Unsubscribe(s, 1)
	require.NoError(t, err)

	// a second activation proves the first teardown ran
	p.mu.Lock()
	delete(p.subscribeErr, "bad")
	p.mu.Unlock()
	require.NoError(t, k.Subscribe(s, Table{WinIndex: 2, Mode: model.ModeMerge, Items: []string{"bad"}}))
	require.Eventually(t, func() bool { return p.subscriptions("bad") == 2 }, waitFor, tick)
	assert.Zero(t, p.unsubscriptions("bad"))
}

func TestKernel_FatalActivationCallsFailureHandler(t *testing.T) {
	p := newFakeProducer()
	p.subscribeErr["item1"] = &model.FailureError{Source: "test", Err: errors.New("broken")}
	failures := make(chan error, 1)
	k := newKernel(t, p, WithFailureHandler(func(err error) { failures <- err }))
	s, _ := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeRaw, Items: []string{"item1"}}))
	select {
	case err := <-failures:
		assert.True(t, model.IsFatal(err))
	case <-time.After(waitFor):
		t.Fatal("failure handler not called")
	}
}

func TestKernel_ListenerFailureIsFatal(t *testing.T) {
	failures := make(chan error, 1)
	k := newKernel(t, newFakeProducer(), WithFailureHandler(func(err error) { failures <- err }))
	k.Failure(errors.New("feed lost"))
	err := <-failures
	assert.True(t, model.IsFatal(err))
	assert.Contains(t, err.Error(), "feed lost")
}

func TestKernel_StaleHandleDropped(t *testing.T) {
	p := smartProducer{newFakeProducer()}
	k := newKernel(t, p)
	s, sink := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeRaw, Items: []string{"item1"}}))
	require.Eventually(t, p.count(p.subscribed, "item1"), waitFor, tick)
	old := p.handle("item1")

	_, err := k.Unsubscribe(s, 1)
	require.NoError(t, err)
	require.NoError(t, k.Subscribe(s, Table{WinIndex: 2, Mode: model.ModeRaw, Items: []string{"item1"}}))
	require.Eventually(t, func() bool { return p.subscriptions("item1") == 2 }, waitFor, tick)
	fresh := p.handle("item1")
	require.NotEqual(t, old, fresh)

	k.SmartUpdate(old, map[string]string{"v": "old"}, false)
	k.SmartUpdate(fresh, map[string]string{"v": "new"}, false)

	sink.wait(t, 1)
	time.Sleep(20 * time.Millisecond)
	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Event.Text("v"))
	assert.Equal(t, 2, got[0].WinIndex)
}

func TestKernel_EventsForUnknownItemsDropped(t *testing.T) {
	k := newKernel(t, newFakeProducer())
	assert.NotPanics(t, func() {
		k.Update("nobody", map[string]string{"a": "1"}, false)
		k.EndOfSnapshot("nobody")
		k.ClearSnapshot("nobody")
		k.SmartUpdate(42, map[string]string{"a": "1"}, false)
	})
}

func TestKernel_MinSourceFrequencyForwarded(t *testing.T) {
	p := newFakeProducer()
	k := newKernel(t, p)
	s, _ := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{
		WinIndex: 1, Mode: model.ModeMerge, Items: []string{"item1"},
		Grants: []throttle.Grant{{MinSourceFrequency: 2}},
	}))
	require.Eventually(t, p.count(p.subscribed, "item1"), waitFor, tick)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 2.0, p.minFreq["item1"])
}

// ============================================================================
// Table stages
// ============================================================================

func TestKernel_FieldProjection(t *testing.T) {
	p := newFakeProducer()
	k := newKernel(t, p)
	s, sink := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{
		WinIndex: 1, Mode: model.ModeCommand, Items: []string{"orders"}, Fields: []string{"qty"},
	}))
	require.Eventually(t, p.count(p.subscribed, "orders"), waitFor, tick)
	k.Update("orders", map[string]string{"key": "k1", "command": "ADD", "qty": "5", "price": "9"}, false)

	got := sink.wait(t, 1)
	assert.Equal(t, []string{"key", "command", "qty"}, got[0].Event.Names())
}

func TestKernel_Statistics(t *testing.T) {
	p := newFakeProducer()
	p.snapshot["item1"] = true
	k := newKernel(t, p)
	s, sink := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeDistinct, Items: []string{"item1"},
		Grants: []throttle.Grant{{SnapshotDepth: 5}}}))
	require.Eventually(t, p.count(p.subscribed, "item1"), waitFor, tick)
	k.Update("item1", map[string]string{"n": "1"}, true)
	k.Update("item1", map[string]string{"n": "2"}, true)
	k.Update("item1", map[string]string{"n": "3"}, false)
	sink.wait(t, 4)

	stats, err := k.Unsubscribe(s, 1)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "item1", stats[0].Item)
	assert.Equal(t, int64(2), stats[0].SnapshotEvents)
	assert.Equal(t, int64(1), stats[0].Delivered)
}

func TestKernel_ProducerViolationKeepsItemRunning(t *testing.T) {
	p := newFakeProducer()
	k := newKernel(t, p)
	s, sink := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeCommand, Items: []string{"orders"}}))
	require.Eventually(t, p.count(p.subscribed, "orders"), waitFor, tick)

	k.Update("orders", map[string]string{"command": "ADD"}, false)
	k.Update("orders", map[string]string{"key": "k1", "command": "DELETE"}, false)
	k.Update("orders", map[string]string{"key": "k1", "command": "ADD"}, false)

	got := sink.wait(t, 1)
	assert.Equal(t, "ADD", got[0].Event.Text(model.CommandField))
}

func TestKernel_MalformedEventDropped(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	p := newFakeProducer()
	k := newKernel(t, p, WithMetrics(m))
	s, sink := openStream(t, k, "s1")

	require.NoError(t, k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeRaw, Items: []string{"item1"}}))
	require.Eventually(t, p.count(p.subscribed, "item1"), waitFor, tick)

	assert.NotPanics(t, func() {
		k.Update("item1", map[string]any{"bid": 1}, false)
		k.Update("item1", 42, false)
		k.SmartUpdate(data.Handle(99), map[string]any{"": "x"}, false)
	})
	k.Update("item1", map[string]any{"bid": "1.5"}, false)

	got := sink.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "1.5", got[0].Event.Text("bid"))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ProducerViolations))
}

func TestKernel_SubscribeOnClosedStream(t *testing.T) {
	k := newKernel(t, newFakeProducer())
	s := k.OpenStream("s1", "u", 0, SinkFunc(func(Delivery) {}))
	k.CloseStream(s)

	err := k.Subscribe(s, Table{WinIndex: 1, Mode: model.ModeMerge, Items: []string{"a"}})
	assert.ErrorIs(t, err, model.ErrSessionClosed)
	assert.Zero(t, k.Validator().Len())
}
