// Package data defines the producer role: the data provider that emits
// per-item field updates and the listener the kernel hands it.
package data

// Handle identifies one subscription instance of an item. Every
// subscription gets a fresh handle, so events carrying the handle of an
// earlier instance are recognized as stale and dropped.
type Handle uint64

// Provider is the base producer contract.
//
// Subscribe errors are classified: a *model.SubscriptionError (or any
// non-fatal error) silently suppresses data for the item and the matching
// Unsubscribe is skipped; a *model.FailureError is fatal for the process.
type Provider interface {
	// Init is called once with the configured parameters and the directory
	// configuration files are resolved against.
	Init(params map[string]string, configDir string) error
	// SetListener is called once, after Init and before any Subscribe.
	SetListener(l Listener)
	// Subscribe starts the flow of events for item. needsIteration is set
	// when the kernel has to enumerate the event fields because the field
	// schema is not known in advance.
	Subscribe(item string, needsIteration bool) error
	// Unsubscribe stops the flow of events for item. Events sent for item
	// afterwards are ignored.
	Unsubscribe(item string) error
	// IsSnapshotAvailable reports whether the provider sends a snapshot
	// for item before live updates. It is asked before Subscribe.
	IsSnapshotAvailable(item string) bool
}

// SmartProvider subscribes with handles and delivers events through the
// SmartListener methods.
type SmartProvider interface {
	Provider
	SmartSubscribe(item string, handle Handle, needsIteration bool) error
	SmartUnsubscribe(item string, handle Handle) error
}

// FrequencyAware providers are told the minimum update frequency the kernel
// needs for an item, so that they may prefilter at the source.
type FrequencyAware interface {
	SetMinSourceFrequency(item string, frequency float64)
}

// Listener receives events from a Provider. Calls never block and may be
// made from any goroutine. ev is any representation the event package
// normalizes; the provider must not change it after the call.
type Listener interface {
	Update(item string, ev any, isSnapshot bool)
	EndOfSnapshot(item string)
	ClearSnapshot(item string)
	// Failure reports a fatal producer error. The process terminates.
	Failure(err error)
}

// SmartListener adds the handle based variants used by SmartProvider.
type SmartListener interface {
	Listener
	SmartUpdate(handle Handle, ev any, isSnapshot bool)
	SmartEndOfSnapshot(handle Handle)
	SmartClearSnapshot(handle Handle)
}
