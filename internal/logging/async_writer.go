package logging

import (
	"io"
	"sync"
	"time"
)

// AsyncConfig sizes an AsyncWriter. Zero fields take the defaults.
type AsyncConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultAsyncConfig returns the default sizes.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{BufferSize: 10000, BatchSize: 100, FlushInterval: 100 * time.Millisecond}
}

// AsyncWriter moves writes off the caller's goroutine. Entries are written
// in batches, when a batch fills or when the flush interval elapses. A full
// buffer blocks the writer.
type AsyncWriter struct {
	w        io.Writer
	cfg      AsyncConfig
	entries  chan []byte
	flushReq chan chan struct{}
	stop     chan struct{}
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncWriter starts the write loop over w.
func NewAsyncWriter(w io.Writer, cfg AsyncConfig) *AsyncWriter {
	def := DefaultAsyncConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	aw := &AsyncWriter{
		w:        w,
		cfg:      cfg,
		entries:  make(chan []byte, cfg.BufferSize),
		flushReq: make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go aw.loop()
	return aw
}

// Write queues a copy of p.
func (aw *AsyncWriter) Write(p []byte) (int, error) {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	aw.entries <- buf
	return len(p), nil
}

// Flush returns once every entry queued before the call is written.
func (aw *AsyncWriter) Flush() error {
	ack := make(chan struct{})
	select {
	case aw.flushReq <- ack:
		<-ack
	case <-aw.done:
	}
	return nil
}

// Close drains the queue and closes the underlying writer if it is an
// io.Closer. Later calls are no-ops.
func (aw *AsyncWriter) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return nil
	}
	aw.closed = true
	aw.mu.Unlock()

	close(aw.stop)
	<-aw.done
	if c, ok := aw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (aw *AsyncWriter) loop() {
	defer close(aw.done)
	ticker := time.NewTicker(aw.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([][]byte, 0, aw.cfg.BatchSize)
	flush := func() {
		for _, b := range batch {
			_, _ = aw.w.Write(b)
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case b := <-aw.entries:
				batch = append(batch, b)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case b := <-aw.entries:
			batch = append(batch, b)
			if len(batch) >= aw.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-aw.flushReq:
			drain()
			close(ack)
		case <-aw.stop:
			// no writer holds the read lock once closed is set
			drain()
			return
		}
	}
}
