package services

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// errFatal wraps the failure that stopped the instance.
var errFatal = errors.New("fatal failure")

// Start runs the background tasks: the bus consumer, the metrics
// endpoint and the watcher of fatal failures. Wait reports how they end.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	m.group = g

	g.Go(func() error { return m.producer.Run(gctx) })

	if m.metricsServer != nil {
		g.Go(func() error { return m.metricsServer.Run(gctx) })
	}

	g.Go(func() error {
		select {
		case err := <-m.fatal:
			return errors.Join(errFatal, err)
		case <-gctx.Done():
			return nil
		}
	})
	m.logger.Info("Services started", "metrics", m.metricsServer != nil)
}

// Ready is closed once the bus consumer is subscribed.
func (m *Manager) Ready() <-chan struct{} { return m.producer.Ready() }

// Wait blocks until the background tasks end and returns the first error.
func (m *Manager) Wait() error {
	if m.group == nil {
		return nil
	}
	return m.group.Wait()
}
