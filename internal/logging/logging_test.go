package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/itemgate/internal/config"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) lines() []string {
	s := strings.TrimSpace(b.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// ============================================================================
// TextHandler
// ============================================================================

func TestTextHandler_Format(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(NewTextHandler(&buf, nil)).With("component", "session")

	logger.Info("Session opened", "session", "3f2a", "user", "mary jane", "tables", 2, "ok", true)
	logger.WithGroup("stats").Warn("Closed", "lost", int64(4), "err", errors.New("boom"))
	logger.Debug("hidden")

	lines := buf.lines()
	require.Len(t, lines, 2)

	first := lines[0]
	ts, rest, ok := strings.Cut(first, ": ")
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, ts)
	require.NoError(t, err)
	assert.Equal(t, `[INFO] Session opened component=session session=3f2a user="mary jane" tables=2 ok=true`, rest)

	assert.True(t, strings.HasSuffix(lines[1], `[WARN] Closed component=session stats.lost=4 stats.err=boom`), lines[1])
}

func TestTextHandler_GroupAttr(t *testing.T) {
	var buf syncBuffer
	h := NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.New(h).Debug("grant", slog.Group("limits", "bandwidth", 1.5, "buffer", 10), "empty", "")

	assert.Contains(t, buf.String(), `[DEBUG] grant limits.bandwidth=1.5 limits.buffer=10 empty=""`)
}

// ============================================================================
// LevelFilter & MultiHandler
// ============================================================================

func TestLevelFilter(t *testing.T) {
	var buf syncBuffer
	h := NewLevelFilter(NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}), slog.LevelWarn)
	logger := slog.New(h).With("k", "v").WithGroup("g")

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	logger.Info("dropped")
	logger.Error("kept")
	require.NoError(t, h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelDebug, "direct", 0)))

	lines := buf.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "[ERROR] kept k=v")
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func TestMultiHandler(t *testing.T) {
	var info, warn syncBuffer
	m := NewMultiHandler(
		NewTextHandler(&info, nil),
		NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(m).With("component", "kernel")
	logger.Info("one")
	logger.Warn("two")

	assert.Len(t, info.lines(), 2)
	require.Len(t, warn.lines(), 1)
	assert.Contains(t, warn.lines()[0], "two component=kernel")
	assert.False(t, NewMultiHandler().Enabled(context.Background(), slog.LevelError))

	var after syncBuffer
	failing := NewMultiHandler(failingHandler{NewTextHandler(&after, nil)}, NewTextHandler(&after, nil))
	err := failing.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "x", 0))
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, after.lines(), 1, "later handlers still run")
}

// ============================================================================
// AsyncWriter
// ============================================================================

type closingBuffer struct {
	syncBuffer
	closed bool
}

func (c *closingBuffer) Close() error {
	c.closed = true
	return nil
}

func TestAsyncWriter_FlushAndClose(t *testing.T) {
	out := &closingBuffer{}
	aw := NewAsyncWriter(out, AsyncConfig{BufferSize: 16, BatchSize: 4, FlushInterval: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := aw.Write([]byte("line\n"))
		require.NoError(t, err)
	}
	require.NoError(t, aw.Flush())
	assert.Len(t, out.lines(), 3)

	_, err := aw.Write([]byte("last\n"))
	require.NoError(t, err)
	require.NoError(t, aw.Close())
	assert.Len(t, out.lines(), 4)
	assert.True(t, out.closed)

	_, err = aw.Write([]byte("late\n"))
	assert.Error(t, err)
	assert.NoError(t, aw.Close())
	assert.NoError(t, aw.Flush())
}

func TestAsyncWriter_IntervalFlush(t *testing.T) {
	var out syncBuffer
	aw := NewAsyncWriter(&out, AsyncConfig{FlushInterval: 5 * time.Millisecond})
	defer aw.Close()

	_, err := aw.Write([]byte("tick\n"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(out.lines()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAsyncWriter_CopiesInput(t *testing.T) {
	var out syncBuffer
	aw := NewAsyncWriter(&out, AsyncConfig{})
	p := []byte("abc\n")
	_, _ = aw.Write(p)
	p[0] = 'X'
	require.NoError(t, aw.Close())
	assert.Equal(t, "abc\n", out.String())
}

// ============================================================================
// DedupHandler
// ============================================================================

func TestDedupHandler_FoldsRepeats(t *testing.T) {
	var buf syncBuffer
	d := NewDedupHandler(NewTextHandler(&buf, nil), DedupConfig{Window: time.Hour})
	logger := slog.New(d).With("component", "kernel")

	for i := 0; i < 5; i++ {
		logger.Warn("Producer violation", "item", "item1")
	}
	logger.Warn("Producer violation", "item", "item2")
	assert.Len(t, buf.lines(), 2, "first of each run passes through")

	require.NoError(t, d.Close())
	lines := buf.lines()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], "item=item1 repeated=4")
	assert.NoError(t, d.Close())
}

func TestDedupHandler_ScopeIsPartOfIdentity(t *testing.T) {
	var buf syncBuffer
	d := NewDedupHandler(NewTextHandler(&buf, nil), DedupConfig{Window: time.Hour})
	defer d.Close()

	slog.New(d).With("component", "a").Info("same")
	slog.New(d).With("component", "b").Info("same")
	slog.New(d).WithGroup("g").Info("same")
	assert.Len(t, buf.lines(), 3)
}

func TestDedupHandler_MaxEntries(t *testing.T) {
	var buf syncBuffer
	d := NewDedupHandler(NewTextHandler(&buf, nil), DedupConfig{Window: time.Hour, MaxEntries: 1})
	logger := slog.New(d)
	logger.Info("a")
	logger.Info("b")
	logger.Info("b")
	require.NoError(t, d.Close())
	assert.Len(t, buf.lines(), 3, "untracked records are never folded")
}

func TestDedupHandler_WindowFlush(t *testing.T) {
	var buf syncBuffer
	d := NewDedupHandler(NewTextHandler(&buf, nil), DedupConfig{Window: 10 * time.Millisecond})
	defer d.Close()
	logger := slog.New(d)
	logger.Info("burst")
	logger.Info("burst")
	assert.Eventually(t, func() bool { return strings.Contains(buf.String(), "repeated=1") }, time.Second, 5*time.Millisecond)
}

// ============================================================================
// NewLogger / Initialize
// ============================================================================

func testConfig(dir string) config.LoggingConfig {
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = dir
	cfg.Console.Enabled = false
	cfg.ApplyDefaults()
	return cfg
}

func TestNewLogger_Files(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(testConfig(dir))
	require.NoError(t, err)

	logger.Info("started")
	logger.Error("failed")
	require.NoError(t, Shutdown())

	main, err := os.ReadFile(filepath.Join(dir, mainLogName))
	require.NoError(t, err)
	errs, err := os.ReadFile(filepath.Join(dir, errorLogName))
	require.NoError(t, err)

	assert.Contains(t, string(main), "started")
	assert.Contains(t, string(main), "failed")
	assert.NotContains(t, string(errs), "started")
	assert.Contains(t, string(errs), "failed")
}

func TestNewLogger_AsyncJSON(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.File.Format = "json"
	cfg.Async.Enabled = true
	cfg.Dedup.Enabled = true

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Warn("queued", "n", 1)
	require.NoError(t, Shutdown())

	main, err := os.ReadFile(filepath.Join(dir, mainLogName))
	require.NoError(t, err)
	assert.Contains(t, string(main), `"msg":"queued"`)
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.File.Enabled = false
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Info("nowhere")
}

func TestNewLogger_BadDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := NewLogger(testConfig(filepath.Join(file, "logs")))
	assert.Error(t, err)
}

func TestInitialize(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	require.NoError(t, Initialize(testConfig(t.TempDir())))
	assert.NotSame(t, prev, slog.Default())
	require.NoError(t, Shutdown())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}
