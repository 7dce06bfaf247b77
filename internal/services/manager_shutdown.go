package services

import (
	"context"
)

// Shutdown closes the sessions, stops the background tasks and releases
// the components. ctx bounds the whole sequence. Later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shutdown.Do(func() {
		if m.sessions != nil {
			m.logger.Info("Closing sessions...")
			m.sessions.Close(ctx)
		}

		if m.cancel != nil {
			m.cancel()
			done := make(chan struct{})
			go func() {
				if err := m.group.Wait(); err != nil {
					m.logger.Warn("Background task ended with error", "error", err)
				}
				close(done)
			}()
			select {
			case <-done:
				m.logger.Info("Background tasks finished")
			case <-ctx.Done():
				m.logger.Warn("Timeout waiting for background tasks")
			}
		}

		m.release(ctx)
		m.logger.Info("Shutdown complete")
	})
}

// release closes what Init built, in reverse order.
func (m *Manager) release(ctx context.Context) {
	if m.kernel != nil {
		m.kernel.Close()
	}
	if m.pools != nil {
		m.pools.Close()
	}
	if m.engine != nil {
		if err := m.engine.Close(); err != nil {
			m.logger.Warn("Error closing pubsub engine", "error", err)
		}
	}
	if m.audit != nil {
		if err := m.audit.Close(ctx); err != nil {
			m.logger.Warn("Error closing audit store", "error", err)
		}
	}
}
