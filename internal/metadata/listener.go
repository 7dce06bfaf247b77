package metadata

import (
	"github.com/syntrixbase/itemgate/internal/future"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// ControlListener is the kernel side handed to providers for
// administrative commands.
type ControlListener interface {
	// ForceSessionTermination closes a session with a cause code (zero or
	// negative) and an optional message. Terminating an unknown session
	// completes successfully. Continuations on the result run on the
	// shared pool and must be fast.
	ForceSessionTermination(sessionID string, cause int, message string) *future.Future

	// Failure reports a fatal provider problem; the process terminates.
	Failure(err error)
}

// Terminate forces a session closed without a custom cause or message.
func Terminate(l ControlListener, sessionID string) *future.Future {
	return l.ForceSessionTermination(sessionID, model.CauseUnspecified, "")
}
