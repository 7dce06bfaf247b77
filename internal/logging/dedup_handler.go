package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DedupConfig configures a DedupHandler. Zero fields take the defaults.
type DedupConfig struct {
	// Window is how long identical records are folded together.
	Window time.Duration
	// MaxEntries bounds the distinct records tracked per window.
	MaxEntries int
}

// DefaultDedupConfig returns the defaults.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{Window: time.Second, MaxEntries: 1000}
}

// DedupHandler passes the first of a run of identical records through and
// folds the rest of the window into one record carrying a repeated=N
// attribute. Time is not part of the identity.
type DedupHandler struct {
	next  slog.Handler
	scope string
	state *dedupState
}

type dedupState struct {
	mu      sync.Mutex
	cfg     DedupConfig
	entries map[uint64]*dedupEntry
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

type dedupEntry struct {
	handler    slog.Handler
	record     slog.Record
	suppressed int
}

// NewDedupHandler wraps next and starts the window loop. Close stops it.
func NewDedupHandler(next slog.Handler, cfg DedupConfig) *DedupHandler {
	def := DefaultDedupConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	st := &dedupState{
		cfg:     cfg,
		entries: make(map[uint64]*dedupEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go st.loop()
	return &DedupHandler{next: next, state: st}
}

func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *DedupHandler) Handle(ctx context.Context, r slog.Record) error {
	key := h.hash(r)
	st := h.state

	st.mu.Lock()
	if e, ok := st.entries[key]; ok {
		e.suppressed++
		st.mu.Unlock()
		return nil
	}
	if len(st.entries) < st.cfg.MaxEntries {
		st.entries[key] = &dedupEntry{handler: h.next, record: r.Clone()}
	}
	st.mu.Unlock()
	return h.next.Handle(ctx, r)
}

func (h *DedupHandler) hash(r slog.Record) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(h.scope)
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(a.Key)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(a.Value.String())
		return true
	})
	return d.Sum64()
}

func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scope := h.scope
	for _, a := range attrs {
		scope += a.String() + ";"
	}
	return &DedupHandler{next: h.next.WithAttrs(attrs), scope: scope, state: h.state}
}

func (h *DedupHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &DedupHandler{next: h.next.WithGroup(name), scope: h.scope + name + ".", state: h.state}
}

// Close emits the pending summaries and stops the loop.
func (h *DedupHandler) Close() error {
	h.state.once.Do(func() { close(h.state.stop) })
	<-h.state.done
	return nil
}

func (st *dedupState) loop() {
	defer close(st.done)
	ticker := time.NewTicker(st.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.flush()
		case <-st.stop:
			st.flush()
			return
		}
	}
}

func (st *dedupState) flush() {
	st.mu.Lock()
	entries := st.entries
	st.entries = make(map[uint64]*dedupEntry, len(entries))
	st.mu.Unlock()

	now := time.Now()
	for _, e := range entries {
		if e.suppressed == 0 {
			continue
		}
		r := slog.NewRecord(now, e.record.Level, e.record.Message, 0)
		e.record.Attrs(func(a slog.Attr) bool {
			r.AddAttrs(a)
			return true
		})
		r.AddAttrs(slog.Int("repeated", e.suppressed))
		_ = e.handler.Handle(context.Background(), r)
	}
}
