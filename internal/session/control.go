package session

import (
	"context"

	"github.com/syntrixbase/itemgate/internal/future"
	"github.com/syntrixbase/itemgate/internal/metadata"
	"github.com/syntrixbase/itemgate/internal/pool"
	"github.com/syntrixbase/itemgate/pkg/model"
)

var _ metadata.ControlListener = (*Registry)(nil)

// ForceSessionTermination closes a session on behalf of the metadata
// provider. Positive cause codes are reserved and reset to 0. The result
// completes once the session is closed; unknown sessions complete at once.
func (r *Registry) ForceSessionTermination(sessionID string, cause int, message string) *future.Future {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return future.Resolved(nil)
	}
	return r.forceTerminate(s, model.ClientCause(cause), message)
}

// forceTerminate terminates s, deferring until creation completes when s
// is still being created.
func (r *Registry) forceTerminate(s *Session, cause int, message string) *future.Future {
	f := future.New(r.shared())

	s.mu.Lock()
	if s.state == StateCreating {
		s.pending = append(s.pending, termination{cause: cause, message: message, result: f})
		s.mu.Unlock()
		return f
	}
	s.mu.Unlock()

	r.submit(pool.Subscribe, func() {
		r.terminate(s, cause, message)
		s.closed.Then(func(error) { f.Complete(nil) })
	})
	return f
}

// Failure escalates a fatal metadata provider problem.
func (r *Registry) Failure(err error) {
	r.onFailure(&model.FailureError{Source: "metadata provider", Err: err})
}

// SendMessage forwards a client message to the provider. Users sending
// faster than the configured rate get a retryable refusal.
func (r *Registry) SendMessage(ctx context.Context, sessionID, message string) error {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return model.ErrSessionNotFound
	}
	if s.State() != StateOpen {
		return model.ErrSessionClosed
	}
	if !r.limiter.Allow(s.user) {
		r.metrics.Auth("notify_message", model.OutcomeRetryableUnavailable.String())
		return &model.AccessError{Msg: "message rate exceeded", Retryable: true}
	}

	err := r.call(ctx, pool.Messages, func() error {
		return r.meta.NotifyMessage(ctx, s.user, s.id, message)
	})
	r.metrics.Auth("notify_message", model.OutcomeOf(err).String())
	return err
}
