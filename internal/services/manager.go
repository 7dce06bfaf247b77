// Package services assembles an itemgate instance from its configuration
// and runs its background tasks.
package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/syntrixbase/itemgate/internal/audit"
	"github.com/syntrixbase/itemgate/internal/config"
	"github.com/syntrixbase/itemgate/internal/data/bus"
	"github.com/syntrixbase/itemgate/internal/kernel"
	"github.com/syntrixbase/itemgate/internal/metadata"
	"github.com/syntrixbase/itemgate/internal/metrics"
	"github.com/syntrixbase/itemgate/internal/pool"
	"github.com/syntrixbase/itemgate/internal/pubsub"
	"github.com/syntrixbase/itemgate/internal/session"
)

// Options tune a Manager beyond the configuration file.
type Options struct {
	// Registry receives the metrics. Nil creates a private registry.
	Registry *prometheus.Registry
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager owns every component of one instance.
type Manager struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	audit         audit.Store
	pools         *pool.Set
	metaProvider  metadata.Provider
	meta          *metadata.Dispatcher
	engine        pubsub.Provider
	producer      *bus.Provider
	kernel        *kernel.Kernel
	sessions      *session.Registry

	fatal    chan error
	group    *errgroup.Group
	cancel   context.CancelFunc
	shutdown sync.Once
}

// NewManager creates an uninitialized manager.
func NewManager(cfg *config.Config, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	return &Manager{
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger.With("component", "manager"),
		registry: opts.Registry,
		fatal:    make(chan error, 1),
	}
}

// Sessions returns the session registry, the entry point of client
// requests.
func (m *Manager) Sessions() *session.Registry { return m.sessions }

// Kernel returns the subscription kernel.
func (m *Manager) Kernel() *kernel.Kernel { return m.kernel }

// Engine returns the pubsub engine feeding the bus provider. Producers
// embedded in the process publish through it.
func (m *Manager) Engine() pubsub.Provider { return m.engine }

// Audit returns the audit store.
func (m *Manager) Audit() audit.Store { return m.audit }

// Registry returns the metrics registry.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// reportFatal records the first fatal error; Wait returns it.
func (m *Manager) reportFatal(err error) {
	select {
	case m.fatal <- err:
	default:
	}
}
