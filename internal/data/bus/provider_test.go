package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/internal/metrics"
	"github.com/syntrixbase/itemgate/internal/pubsub"
	"github.com/syntrixbase/itemgate/internal/pubsub/memory"
)

func strPtr(s string) *string { return &s }

type call struct {
	kind     string
	item     string
	fields   map[string]string
	snapshot bool
}

type recordingListener struct {
	mu    sync.Mutex
	calls []call
}

func (l *recordingListener) Update(item string, ev any, isSnapshot bool) {
	norm := event.Normalize(ev)
	fields := make(map[string]string)
	for _, f := range norm.Fields() {
		if f.Value.IsNull() {
			fields[f.Name] = "<null>"
		} else {
			fields[f.Name] = f.Value.String()
		}
	}
	l.add(call{kind: "update", item: item, fields: fields, snapshot: isSnapshot})
}

func (l *recordingListener) EndOfSnapshot(item string) { l.add(call{kind: "eos", item: item}) }
func (l *recordingListener) ClearSnapshot(item string) { l.add(call{kind: "clear", item: item}) }
func (l *recordingListener) Failure(error)             {}

func (l *recordingListener) add(c call) {
	l.mu.Lock()
	l.calls = append(l.calls, c)
	l.mu.Unlock()
}

func (l *recordingListener) all() []call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]call(nil), l.calls...)
}

type fixture struct {
	p        *Provider
	listener *recordingListener
	pub      pubsub.Publisher
}

func newFixture(t *testing.T, params map[string]string, opts ...Option) *fixture {
	t.Helper()
	engine := memory.New()
	t.Cleanup(func() { _ = engine.Close() })

	p := New(engine, nil, opts...)
	require.NoError(t, p.Init(params, ""))
	l := &recordingListener{}
	p.SetListener(l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	select {
	case <-p.Ready():
	case <-time.After(time.Second):
		t.Fatal("provider not ready")
	}

	pub, err := engine.NewPublisher(pubsub.PublisherOptions{SubjectPrefix: p.params.SubjectPrefix})
	require.NoError(t, err)
	return &fixture{p: p, listener: l, pub: pub}
}

func (f *fixture) publish(t *testing.T, item string, u Update) {
	t.Helper()
	require.NoError(t, Publish(context.Background(), f.pub, item, u))
}

func (f *fixture) publishRaw(t *testing.T, item, payload string) {
	t.Helper()
	require.NoError(t, f.pub.Publish(context.Background(), item, []byte(payload)))
}

func (f *fixture) waitCalls(t *testing.T, n int) []call {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.listener.all()) >= n }, time.Second, 5*time.Millisecond)
	return f.listener.all()
}

// ============================================================================
// Init
// ============================================================================

func TestInit(t *testing.T) {
	p := New(nil, nil)
	require.NoError(t, p.Init(map[string]string{
		"stream":         "QUOTES",
		"subject_prefix": "quotes",
		"snapshot_items": "item1, item2,",
		"unknown":        "ignored",
	}, ""))
	assert.Equal(t, "QUOTES", p.params.Stream)
	assert.Equal(t, "quotes", p.params.SubjectPrefix)
	assert.True(t, p.IsSnapshotAvailable("item1"))
	assert.True(t, p.IsSnapshotAvailable("item2"))
	assert.False(t, p.IsSnapshotAvailable("item3"))

	require.NoError(t, p.Init(map[string]string{"snapshot": "true"}, ""))
	assert.Equal(t, "ITEMS", p.params.Stream)
	assert.True(t, p.IsSnapshotAvailable("anything"))

	assert.Error(t, p.Init(map[string]string{"buffer_size": "many"}, ""))
}

func TestRun_Preconditions(t *testing.T) {
	p := New(memory.New(), nil)
	require.NoError(t, p.Init(nil, ""))
	assert.ErrorIs(t, p.Run(context.Background()), errNoListener)

	p = New(nil, nil)
	require.NoError(t, p.Init(nil, ""))
	p.SetListener(&recordingListener{})
	assert.ErrorIs(t, p.Run(context.Background()), errNoEngine)

	closed := memory.New()
	require.NoError(t, closed.Close())
	p = New(closed, nil)
	require.NoError(t, p.Init(nil, ""))
	p.SetListener(&recordingListener{})
	assert.ErrorIs(t, p.Run(context.Background()), memory.ErrClosed)
}

// ============================================================================
// Delivery
// ============================================================================

func TestDelivery_SubscribedItemsOnly(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.p.Subscribe("item1", false))

	f.publish(t, "item2", Update{Fields: map[string]*string{"bid": strPtr("1")}})
	f.publish(t, "item1", Update{Fields: map[string]*string{"bid": strPtr("2"), "ask": nil}})

	calls := f.waitCalls(t, 1)
	require.Len(t, calls, 1)
	assert.Equal(t, call{kind: "update", item: "item1", fields: map[string]string{"bid": "2", "ask": "<null>"}}, calls[0])

	require.NoError(t, f.p.Unsubscribe("item1"))
	f.publish(t, "item1", Update{Fields: map[string]*string{"bid": strPtr("3")}})
	require.NoError(t, f.p.Subscribe("item3", false))
	f.publish(t, "item3", Update{Clear: true})
	calls = f.waitCalls(t, 2)
	assert.Equal(t, call{kind: "clear", item: "item3"}, calls[1])
}

func TestDelivery_SnapshotSequence(t *testing.T) {
	f := newFixture(t, map[string]string{"snapshot_items": "item1"})
	require.NoError(t, f.p.Subscribe("item1", true))

	f.publish(t, "item1", Update{Fields: map[string]*string{"bid": strPtr("1")}, Snapshot: true})
	f.publish(t, "item1", Update{Fields: map[string]*string{"bid": strPtr("2")}, Snapshot: true, EndOfSnapshot: true})
	f.publish(t, "item1", Update{Fields: map[string]*string{"bid": strPtr("3")}})

	calls := f.waitCalls(t, 4)
	kinds := make([]string, len(calls))
	for i, c := range calls {
		kinds[i] = c.kind
	}
	assert.Equal(t, []string{"update", "update", "eos", "update"}, kinds)
	assert.True(t, calls[0].snapshot)
	assert.True(t, calls[1].snapshot)
	assert.False(t, calls[3].snapshot)
}

func TestDelivery_MalformedDropped(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)
	f := newFixture(t, nil, WithMetrics(m))
	require.NoError(t, f.p.Subscribe("item1", false))

	f.publishRaw(t, "item1", `not json`)
	f.publishRaw(t, "item1", `{"fields":[1,2]}`)
	f.publishRaw(t, "item1", `{}`)
	f.publishRaw(t, "item1", `{"fields":{"qty":12,"ok":true}}`)

	f.publishRaw(t, "other", `{"clear":true}`)

	calls := f.waitCalls(t, 1)
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]string{"qty": "12", "ok": "true"}, calls[0].fields)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BusMessages.WithLabelValues(metrics.BusSkipped)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BusMessages.WithLabelValues(metrics.BusMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusMessages.WithLabelValues(metrics.BusForwarded)))
}

// ============================================================================
// Codec
// ============================================================================

func TestCodec(t *testing.T) {
	tests := []struct {
		name string
		in   Update
		want string
	}{
		{"fields", Update{Fields: map[string]*string{"b": strPtr("2"), "a": nil}}, `{"fields":{"a":null,"b":"2"}}`},
		{"flags", Update{EndOfSnapshot: true, Clear: true}, `{"eos":true,"clear":true}`},
		{"snapshot", Update{Fields: map[string]*string{}, Snapshot: true}, `{"fields":{},"snapshot":true}`},
		{"dotted name", Update{Fields: map[string]*string{"last.price": strPtr("9")}}, `{"fields":{"last.price":"9"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Encode(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))

			back, err := Decode(out)
			require.NoError(t, err)
			assert.Equal(t, tt.in, back)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	for _, payload := range []string{``, `[]`, `{"fields":"x"}`, `{"snapshot":true}`} {
		_, err := Decode([]byte(payload))
		assert.Error(t, err, payload)
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error { return errors.New("down") }
func (failingPublisher) Close() error                                  { return nil }

func TestPublish_Error(t *testing.T) {
	err := Publish(context.Background(), failingPublisher{}, "item1", Update{Clear: true})
	assert.EqualError(t, err, "down")
}
