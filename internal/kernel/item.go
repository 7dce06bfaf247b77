package kernel

import (
	"errors"

	"github.com/syntrixbase/itemgate/internal/data"
	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/internal/snapshot"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// itemState is one subscription instance of an item. A new instance, with
// a new handle, is created whenever the item is subscribed again after its
// last table went away.
type itemState struct {
	name   string
	handle data.Handle

	// guarded by Kernel.mu
	refs int

	// data partition only
	activated bool

	// item worker only
	started           bool
	snapshotAvailable bool
	torn              bool
	modes             []*modeState
}

// modeState is the machine of one mode and the tables fed by it. An item
// has at most one conflicting mode plus RAW.
type modeState struct {
	machine  *snapshot.Machine
	bindings []*binding
}

func newItemState(name string, h data.Handle) *itemState {
	return &itemState{name: name, handle: h}
}

func (st *itemState) mode(m model.Mode) *modeState {
	for _, ms := range st.modes {
		if ms.machine.Mode() == m {
			return ms
		}
	}
	return nil
}

// start runs once the producer told whether a snapshot is coming.
func (st *itemState) start(available bool) {
	if st.torn {
		return
	}
	st.started = true
	st.snapshotAvailable = available
	for _, ms := range st.modes {
		ms.machine.Subscribe(available)
	}
}

// attach feeds b from the machine of its mode. A table joining a live
// machine first receives the retained snapshot. A machine created after the
// item started has missed the snapshot and starts live and empty.
func (st *itemState) attach(k *Kernel, b *binding) {
	if st.torn || b.detached.Load() {
		return
	}
	ms := st.mode(b.mode)
	if ms == nil {
		ms = &modeState{machine: snapshot.New(b.mode, snapshot.Options{DistinctDepth: b.grant.SnapshotDepth})}
		if st.started {
			ms.machine.Subscribe(false)
		}
		st.modes = append(st.modes, ms)
	} else {
		for _, out := range ms.machine.Retained() {
			b.push(k, out)
		}
	}
	ms.bindings = append(ms.bindings, b)
}

// detach stops feeding b. A machine left without tables is dropped.
func (st *itemState) detach(b *binding) {
	ms := st.mode(b.mode)
	if ms == nil {
		return
	}
	for i, other := range ms.bindings {
		if other == b {
			ms.bindings = append(ms.bindings[:i], ms.bindings[i+1:]...)
			break
		}
	}
	if len(ms.bindings) > 0 {
		return
	}
	ms.machine.Unsubscribe()
	for i, other := range st.modes {
		if other == ms {
			st.modes = append(st.modes[:i], st.modes[i+1:]...)
			break
		}
	}
}

// teardown makes every later call on this instance a no-op.
func (st *itemState) teardown() {
	st.torn = true
	for _, ms := range st.modes {
		ms.machine.Unsubscribe()
	}
	st.modes = nil
}

func (st *itemState) update(k *Kernel, ev *event.Event, isSnapshot bool) {
	for _, ms := range st.modes {
		outs, err := ms.machine.Update(ev, isSnapshot)
		if err != nil {
			k.violation(st.name, ms.machine.Mode(), err)
		}
		ms.dispatch(k, outs)
	}
}

func (st *itemState) endOfSnapshot(k *Kernel) {
	for _, ms := range st.modes {
		ms.dispatch(k, ms.machine.EndOfSnapshot())
	}
}

func (st *itemState) clear(k *Kernel) {
	for _, ms := range st.modes {
		ms.dispatch(k, ms.machine.Clear())
	}
}

func (ms *modeState) dispatch(k *Kernel, outs []snapshot.Output) {
	for _, out := range outs {
		for _, b := range ms.bindings {
			b.offer(k, out)
		}
	}
}

func (k *Kernel) violation(item string, mode model.Mode, err error) {
	if !errors.Is(err, model.ErrProducerViolation) {
		k.logger.Error("Unexpected event error", "item", item, "mode", mode, "error", err)
		return
	}
	k.metrics.Violation()
	k.logger.Warn("Event dropped", "item", item, "mode", mode, "error", err)
}
