package throttle

import (
	"sync"
	"time"
)

// Limiter is a keyed request limiter.
type Limiter interface {
	// Allow reports whether one more request for key is allowed.
	Allow(key string) bool

	// Reset clears the counter of key.
	Reset(key string)
}

// LimiterConfig configures a keyed limiter.
type LimiterConfig struct {
	// Enabled controls whether limiting is active.
	Enabled bool `yaml:"enabled"`

	// Requests is the maximum number of requests allowed per window.
	Requests int `yaml:"requests"`

	// Window is the duration of the window.
	Window time.Duration `yaml:"window"`
}

// DefaultLimiterConfig returns the default message rate configuration.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Enabled:  true,
		Requests: 100,
		Window:   time.Minute,
	}
}

// memoryLimiter is an in-memory token bucket limiter, one bucket per key.
type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	config  LimiterConfig
	now     func() time.Time

	cleanupT *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

// tokenBucket refills at capacity/window tokens per second.
type tokenBucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewMemoryLimiter creates a token bucket limiter. Call Stop when done.
func NewMemoryLimiter(cfg LimiterConfig) Stoppable {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	l := &memoryLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  cfg,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	l.cleanupT = time.NewTicker(cfg.Window * 2)
	go l.cleanup()

	return l
}

// Allow consumes one token of key's bucket.
func (l *memoryLimiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	capacity := float64(l.config.Requests)
	fillRate := capacity / l.config.Window.Seconds()

	b, exists := l.buckets[key]
	if !exists {
		if capacity < 1 {
			return false
		}
		l.buckets[key] = &tokenBucket{tokens: capacity - 1, lastUpdate: now}
		return true
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens = min(capacity, b.tokens+elapsed*fillRate)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Reset clears the bucket of key.
func (l *memoryLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *memoryLimiter) cleanup() {
	for {
		select {
		case <-l.cleanupT.C:
			l.cleanupStale()
		case <-l.stopCh:
			l.cleanupT.Stop()
			return
		}
	}
}

// cleanupStale removes buckets idle long enough to be full again.
func (l *memoryLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	staleThreshold := l.config.Window * 2

	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > staleThreshold {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *memoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Stoppable extends Limiter with a Stop method for cleanup.
type Stoppable interface {
	Limiter
	Stop()
}

var _ Stoppable = (*memoryLimiter)(nil)
