// Package session is the control plane: it authenticates and opens
// sessions, authorizes and resolves their subscription tables, enforces
// session TTLs and applies terminations forced by the metadata provider.
//
// Provider calls that may block run on the named pools of a pool.Set and
// never under the registry or session mutex.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntrixbase/itemgate/internal/audit"
	"github.com/syntrixbase/itemgate/internal/future"
	"github.com/syntrixbase/itemgate/internal/kernel"
	"github.com/syntrixbase/itemgate/internal/metadata"
	"github.com/syntrixbase/itemgate/internal/metrics"
	"github.com/syntrixbase/itemgate/internal/pool"
	"github.com/syntrixbase/itemgate/internal/throttle"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// Config tunes the control plane.
type Config struct {
	// SerializeTableNotifications runs the table notifications of one
	// session in order on a dedicated executor.
	SerializeTableNotifications bool `yaml:"serialize_table_notifications"`
	// NotificationWorkers sizes that executor.
	NotificationWorkers int `yaml:"notification_workers"`
	// CloseTimeout bounds the provider and audit calls made on close.
	CloseTimeout time.Duration `yaml:"close_timeout"`
	// Messages limits the messages a user may send.
	Messages throttle.LimiterConfig `yaml:"messages"`
}

// DefaultConfig returns the default control plane configuration.
func DefaultConfig() Config {
	return Config{
		NotificationWorkers: pool.DefaultSize,
		CloseTimeout:        10 * time.Second,
		Messages:            throttle.DefaultLimiterConfig(),
	}
}

type stopper interface {
	Stop() bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the instruments to record into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithPools runs provider calls on the pools of set.
func WithPools(set *pool.Set) Option {
	return func(r *Registry) { r.pools = set }
}

// WithAudit sets the store receiving closed sessions and tables.
func WithAudit(s audit.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithFailureHandler sets the handler of fatal provider failures.
func WithFailureHandler(h kernel.FailureHandler) Option {
	return func(r *Registry) { r.onFailure = h }
}

// Registry holds the sessions of one kernel.
type Registry struct {
	cfg       Config
	kernel    *kernel.Kernel
	meta      *metadata.Dispatcher
	pools     *pool.Set
	notifier  *pool.Partitioned
	limiter   throttle.Stoppable
	store     audit.Store
	metrics   *metrics.Metrics
	logger    *slog.Logger
	onFailure kernel.FailureHandler

	now       func() time.Time
	afterFunc func(d time.Duration, fn func()) stopper

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a registry and installs it as the control listener of meta.
func New(cfg Config, k *kernel.Kernel, meta *metadata.Dispatcher, opts ...Option) *Registry {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultConfig().CloseTimeout
	}
	r := &Registry{
		cfg:      cfg,
		kernel:   k,
		meta:     meta,
		store:    audit.Nop{},
		now:      time.Now,
		sessions: make(map[string]*Session),
		afterFunc: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "session")
	if r.onFailure == nil {
		r.onFailure = func(err error) {
			r.logger.Error("Fatal metadata provider failure", "error", err)
		}
	}
	if cfg.SerializeTableNotifications {
		r.notifier = pool.NewPartitioned("notifications", cfg.NotificationWorkers, r.logger)
	}
	r.limiter = throttle.NewMemoryLimiter(cfg.Messages)

	meta.SetListener(r)
	return r
}

// Lookup returns a registered session, including one being created.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close terminates every session and releases the registry resources.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		r.terminate(s, model.CauseShutdown, "server shutdown")
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			r.logger.Warn("Shutdown interrupted with sessions still closing", "error", ctx.Err())
			return
		}
	}
	if r.notifier != nil {
		r.notifier.Close()
	}
	r.limiter.Stop()
}

// Credentials identify the user opening a session.
type Credentials struct {
	User      string
	Password  string
	Principal string
	Headers   map[string]string
}

// CreateSession authenticates the user, opens a session delivering to sink
// and starts its TTL. A termination forced while the session is being
// created is applied once creation completes; the returned session is then
// already closed.
func (r *Registry) CreateSession(ctx context.Context, cred Credentials, sink kernel.Sink) (*Session, error) {
	err := r.call(ctx, pool.Auth, func() error {
		return r.meta.Authenticate(ctx, cred.User, cred.Password, cred.Headers, cred.Principal)
	})
	r.metrics.Auth("notify_user", model.OutcomeOf(err).String())
	if err != nil {
		return nil, err
	}

	s := newSession(uuid.NewString(), cred.User, r.now())
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	if err := r.openSession(ctx, s, cred.Headers); err != nil {
		r.abort(s)
		return nil, err
	}

	s.wantsTables = r.meta.WantsTablesNotification(s.user)
	ttl := time.Duration(r.meta.SessionTTL(s.user, s.id)) * time.Second
	stream := r.kernel.OpenStream(s.id, s.user, r.meta.MaxBandwidth(s.user), sink)

	s.mu.Lock()
	s.stream = stream
	s.state = StateOpen
	s.ttl = ttl
	if ttl > 0 {
		s.timer = r.afterFunc(ttl, func() { r.expire(s) })
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	r.metrics.SessionOpened(1)
	r.logger.Info("Session opened", "session", s.id, "user", s.user, "ttl", ttl)

	if len(pending) > 0 {
		r.terminate(s, pending[0].cause, pending[0].message)
		for _, p := range pending {
			p.result.Complete(nil)
		}
	}
	return s, nil
}

// openSession notifies the provider. A conflicting session is closed
// and the notification retried once.
func (r *Registry) openSession(ctx context.Context, s *Session, clientContext map[string]string) error {
	notify := func() error {
		return r.call(ctx, pool.Auth, func() error {
			return r.meta.NotifyNewSession(ctx, s.user, s.id, clientContext)
		})
	}
	err := notify()
	var conflict *model.ConflictingSessionError
	if errors.As(err, &conflict) {
		r.logger.Info("Closing conflicting session",
			"session", s.id, "conflicting", conflict.ConflictingSessionID)
		if other, ok := r.Lookup(conflict.ConflictingSessionID); ok && other != s {
			if err := r.forceTerminate(other, model.CauseForced, conflict.Msg).Wait(ctx); err != nil {
				return err
			}
		}
		err = notify()
	}
	r.metrics.Auth("notify_new_session", model.OutcomeOf(err).String())
	return err
}

// abort drops a session whose creation failed.
func (r *Registry) abort(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	s.mu.Lock()
	s.state = StateClosed
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, p := range pending {
		p.result.Complete(nil)
	}
	s.closed.Complete(nil)
}

// CloseSession closes a session on behalf of its client. Unknown and
// closed sessions are a no-op.
func (r *Registry) CloseSession(ctx context.Context, id string) error {
	s, ok := r.Lookup(id)
	if !ok {
		return nil
	}
	if s.State() == StateCreating {
		f := future.New(r.shared())
		s.mu.Lock()
		if s.state == StateCreating {
			s.pending = append(s.pending, termination{cause: model.CauseClosedByClient, result: f})
			s.mu.Unlock()
			return f.Wait(ctx)
		}
		s.mu.Unlock()
	}
	r.terminate(s, model.CauseClosedByClient, "")
	return s.closed.Wait(ctx)
}

func (r *Registry) expire(s *Session) {
	r.logger.Info("Session TTL expired", "session", s.id, "user", s.user)
	r.terminate(s, model.CauseTTLExpired, "session TTL expired")
}

// terminate closes an open session. Sessions already closing are left to
// the first caller.
func (r *Registry) terminate(s *Session, cause int, message string) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	if s.timer != nil {
		s.timer.Stop()
	}
	tables := s.tables
	s.tables = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CloseTimeout)
	defer cancel()

	stats := r.kernel.CloseStream(s.stream)
	closed := sortedTables(tables)
	for i := range closed {
		closed[i].Statistics = stats[closed[i].WinIndex]
	}

	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	r.metrics.TablesChanged(-len(closed))
	r.metrics.SessionOpened(-1)
	r.metrics.Terminated(cause)

	if len(closed) > 0 {
		r.notifyTablesClose(ctx, s, closed)
		r.recordTables(ctx, s, closed)
	}
	if err := r.meta.NotifySessionClose(ctx, s.id); err != nil {
		r.logger.Warn("Session close notification failed", "session", s.id, "error", err)
	}

	closedAt := r.now()
	rec := model.SessionRecord{
		SessionID: s.id,
		User:      s.user,
		OpenedAt:  s.openedAt,
		ClosedAt:  closedAt,
		Cause:     cause,
		Message:   message,
	}
	if err := r.store.RecordSession(ctx, rec); err != nil {
		r.logger.Warn("Failed to record session", "session", s.id, "error", err)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.closed.Complete(nil)

	r.logger.Info("Session closed",
		"session", s.id, "user", s.user, "cause", cause, "tables", len(closed),
		"duration", closedAt.Sub(s.openedAt))
}

// call runs fn on the named pool and waits for it. Without pools fn runs
// on the caller.
func (r *Registry) call(ctx context.Context, name string, fn func() error) error {
	if r.pools == nil {
		return fn()
	}
	done := make(chan error, 1)
	r.pools.Get(name).Submit(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", model.ErrCanceled, ctx.Err())
	}
}

func (r *Registry) submit(name string, fn func()) {
	if r.pools == nil {
		go fn()
		return
	}
	r.pools.Get(name).Submit(fn)
}

// shared returns the executor of continuations; nil runs each on its own
// goroutine.
func (r *Registry) shared() future.Executor {
	if r.pools == nil {
		return nil
	}
	return r.pools.Shared()
}
