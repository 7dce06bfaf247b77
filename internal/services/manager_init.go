package services

import (
	"context"
	"fmt"

	"github.com/syntrixbase/itemgate/internal/audit"
	"github.com/syntrixbase/itemgate/internal/config"
	"github.com/syntrixbase/itemgate/internal/data/bus"
	"github.com/syntrixbase/itemgate/internal/kernel"
	"github.com/syntrixbase/itemgate/internal/metadata"
	"github.com/syntrixbase/itemgate/internal/metadata/literal"
	"github.com/syntrixbase/itemgate/internal/metrics"
	"github.com/syntrixbase/itemgate/internal/pool"
	"github.com/syntrixbase/itemgate/internal/pubsub"
	"github.com/syntrixbase/itemgate/internal/pubsub/memory"
	natsps "github.com/syntrixbase/itemgate/internal/pubsub/nats"
	"github.com/syntrixbase/itemgate/internal/session"
	"github.com/syntrixbase/itemgate/internal/throttle"
)

// Factories replaced in tests.
var (
	mongoAuditFactory = func(ctx context.Context, cfg audit.MongoConfig) (audit.Store, error) {
		store, err := audit.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, err
		}
		return store, nil
	}
	natsEngineFactory = func(m *Manager) pubsub.Provider {
		return natsps.NewProvider(m.cfg.Data.NATSURL, m.opts.Logger)
	}
)

// Init builds every component in dependency order: metrics, audit,
// pools, metadata, data, kernel, sessions.
func (m *Manager) Init(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"metrics", m.initMetrics},
		{"audit", m.initAudit},
		{"pools", m.initPools},
		{"metadata", m.initMetadata},
		{"data", m.initData},
		{"kernel", m.initKernel},
		{"sessions", m.initSessions},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			m.release(ctx)
			return fmt.Errorf("init %s: %w", step.name, err)
		}
	}
	m.logger.Info("Services initialized",
		"metadata", m.cfg.Metadata.Provider,
		"engine", m.cfg.Data.Engine,
		"audit", m.cfg.Audit.Backend)
	return nil
}

func (m *Manager) initMetrics(context.Context) error {
	var err error
	if m.metrics, err = metrics.New(m.registry); err != nil {
		return err
	}
	if m.cfg.Metrics.Enabled {
		m.metricsServer = metrics.NewServer(m.cfg.Metrics.Addr, m.cfg.Metrics.Path, m.registry)
	}
	return nil
}

func (m *Manager) initAudit(ctx context.Context) error {
	switch m.cfg.Audit.Backend {
	case config.AuditMongo:
		store, err := mongoAuditFactory(ctx, m.cfg.Audit.Mongo)
		if err != nil {
			return err
		}
		m.audit = store
	case config.AuditMemory:
		m.audit = audit.NewMemoryStore()
	default:
		m.audit = audit.Nop{}
	}
	return nil
}

func (m *Manager) initPools(context.Context) error {
	m.pools = pool.NewSet(m.cfg.Pools, m.opts.Logger)
	return nil
}

func (m *Manager) initMetadata(context.Context) error {
	var p metadata.Provider
	switch m.cfg.Metadata.Provider {
	case config.MetadataOpen:
		p = metadata.Base{}
	default:
		p = literal.New(m.opts.Logger)
	}
	if err := p.Init(m.cfg.Metadata.Params, m.cfg.Metadata.Dir); err != nil {
		return err
	}
	m.metaProvider = p
	m.meta = metadata.NewDispatcher(p)
	return nil
}

func (m *Manager) initData(ctx context.Context) error {
	switch m.cfg.Data.Engine {
	case config.EngineNATS:
		m.engine = natsEngineFactory(m)
	default:
		m.engine = memory.New()
	}
	if c, ok := m.engine.(pubsub.Connectable); ok {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
	m.producer = bus.New(m.engine, m.opts.Logger, bus.WithMetrics(m.metrics))
	return m.producer.Init(m.cfg.Data.Params, m.cfg.Data.Dir)
}

func (m *Manager) initKernel(context.Context) error {
	kc := m.cfg.Kernel
	m.kernel = kernel.New(kernel.Config{
		EventWorkers: kc.EventWorkers,
		DataWorkers:  kc.DataWorkers,
		PumpInterval: kc.PumpInterval,
	}, m.producer, m.meta,
		kernel.WithLogger(m.opts.Logger),
		kernel.WithMetrics(m.metrics),
		kernel.WithFailureHandler(m.onFailure("data provider")))
	m.kernel.Start()
	return nil
}

func (m *Manager) initSessions(context.Context) error {
	sc := m.cfg.Session
	m.sessions = session.New(session.Config{
		SerializeTableNotifications: sc.SerializeTableNotifications,
		NotificationWorkers:         sc.NotificationWorkers,
		CloseTimeout:                sc.CloseTimeout,
		Messages: throttle.LimiterConfig{
			Enabled:  sc.Messages.Enabled,
			Requests: sc.Messages.Requests,
			Window:   sc.Messages.Window,
		},
	}, m.kernel, m.meta,
		session.WithLogger(m.opts.Logger),
		session.WithMetrics(m.metrics),
		session.WithPools(m.pools),
		session.WithAudit(m.audit),
		session.WithFailureHandler(m.onFailure("metadata provider")))
	return nil
}

func (m *Manager) onFailure(source string) kernel.FailureHandler {
	return func(err error) {
		m.logger.Error("Fatal failure, shutting down", "source", source, "error", err)
		m.reportFatal(fmt.Errorf("%s: %w", source, err))
	}
}
