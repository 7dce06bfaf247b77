package kernel

import (
	"fmt"

	"github.com/syntrixbase/itemgate/internal/data"
	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/internal/metrics"
)

var _ data.SmartListener = (*Kernel)(nil)

// Update queues an event of item. Events of items without tables are
// dropped.
func (k *Kernel) Update(item string, ev any, isSnapshot bool) {
	e, err := event.Parse(ev)
	if err != nil {
		k.malformed(item, err)
		return
	}
	k.enqueueUpdate(k.lookupItem(item), item, e, isSnapshot)
}

// EndOfSnapshot queues the end of the snapshot of item.
func (k *Kernel) EndOfSnapshot(item string) {
	k.enqueue(k.lookupItem(item), item, "eos", (*itemState).endOfSnapshot)
}

// ClearSnapshot queues a clear of the retained state of item.
func (k *Kernel) ClearSnapshot(item string) {
	k.enqueue(k.lookupItem(item), item, "clear", (*itemState).clear)
}

// SmartUpdate queues an event of the subscription identified by handle.
func (k *Kernel) SmartUpdate(handle data.Handle, ev any, isSnapshot bool) {
	e, err := event.Parse(ev)
	if err != nil {
		k.malformed(fmt.Sprintf("handle %d", handle), err)
		return
	}
	k.enqueueUpdate(k.lookupHandle(handle), "", e, isSnapshot)
}

func (k *Kernel) SmartEndOfSnapshot(handle data.Handle) {
	k.enqueue(k.lookupHandle(handle), "", "eos", (*itemState).endOfSnapshot)
}

func (k *Kernel) SmartClearSnapshot(handle data.Handle) {
	k.enqueue(k.lookupHandle(handle), "", "clear", (*itemState).clear)
}

// Failure escalates a fatal producer error.
func (k *Kernel) Failure(err error) {
	k.fail(err)
}

func (k *Kernel) enqueueUpdate(st *itemState, item string, ev *event.Event, isSnapshot bool) {
	kind := "update"
	if isSnapshot {
		kind = "snapshot"
	}
	if st == nil {
		k.stale(item, kind)
		return
	}
	k.metrics.Received(kind)
	k.events.Enqueue(st.name, func() { st.update(k, ev, isSnapshot) })
}

func (k *Kernel) enqueue(st *itemState, item, kind string, fn func(*itemState, *Kernel)) {
	if st == nil {
		k.stale(item, kind)
		return
	}
	k.metrics.Received(kind)
	k.events.Enqueue(st.name, func() { fn(st, k) })
}

// malformed drops an event that cannot be normalized.
func (k *Kernel) malformed(item string, err error) {
	k.metrics.Violation()
	k.logger.Warn("Malformed event dropped", "item", item, "error", err)
}

func (k *Kernel) stale(item, kind string) {
	k.metrics.Dropped(metrics.DropStale, 1)
	k.logger.Debug("Event for inactive subscription dropped", "item", item, "kind", kind)
}
