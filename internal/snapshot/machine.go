// Package snapshot implements the per-item snapshot/update state machine.
//
// A Machine consumes normalized events for one item in one mode and turns
// them into an ordered sequence of outputs matching SNAP* [EOS] UPD*.
// Machines are not safe for concurrent use; the kernel drives each one from
// a single item worker.
package snapshot

import (
	"fmt"

	"github.com/eapache/queue"

	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// State of a Machine.
type State int

const (
	StateUnsubscribed State = iota
	StateAwaitingFirstEvent
	StateSnapshotPhase
	StateLive
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "UNSUBSCRIBED"
	case StateAwaitingFirstEvent:
		return "AWAITING_FIRST_EVENT"
	case StateSnapshotPhase:
		return "SNAPSHOT_PHASE"
	case StateLive:
		return "LIVE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind classifies an Output.
type Kind int

const (
	KindSnapshot Kind = iota + 1
	KindEndOfSnapshot
	KindUpdate
	// KindClearHistory tells DISTINCT subscribers that earlier history is void.
	KindClearHistory
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "SNAP"
	case KindEndOfSnapshot:
		return "EOS"
	case KindUpdate:
		return "UPD"
	case KindClearHistory:
		return "CLEAR"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Output is one element of the delivered sequence. Event is nil for
// KindEndOfSnapshot and KindClearHistory.
type Output struct {
	Kind  Kind
	Event *event.Event
}

// Options tunes a Machine.
type Options struct {
	// DistinctDepth caps the DISTINCT history; 0 keeps no history.
	DistinctDepth int
}

// Machine is the state machine of one item in one mode.
type Machine struct {
	mode  model.Mode
	depth int
	state State

	// snapshotExpected records whether subscribers get an EOS marker.
	snapshotExpected bool

	merged  *event.Event
	history *queue.Queue
	keys    *keyTable
}

// New creates an unsubscribed machine for the given mode.
func New(mode model.Mode, opts Options) *Machine {
	m := &Machine{
		mode:  mode,
		depth: opts.DistinctDepth,
	}
	m.reset()
	return m
}

// Mode returns the mode the machine enforces.
func (m *Machine) Mode() model.Mode { return m.mode }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Subscribe starts the machine. With a snapshot available the machine waits
// for snapshot events, otherwise it goes live directly.
func (m *Machine) Subscribe(snapshotAvailable bool) {
	m.reset()
	m.snapshotExpected = snapshotAvailable
	if snapshotAvailable {
		m.state = StateAwaitingFirstEvent
	} else {
		m.state = StateLive
	}
}

// Unsubscribe drops all retained state. Later calls are no-ops until the
// next Subscribe.
func (m *Machine) Unsubscribe() {
	m.reset()
	m.state = StateUnsubscribed
}

// Update feeds one event and returns the outputs to deliver. An error
// wrapping model.ErrProducerViolation means the event was dropped; outputs
// returned with it (an implicit snapshot flush) must still be delivered.
func (m *Machine) Update(ev *event.Event, isSnapshot bool) ([]Output, error) {
	if m.state == StateUnsubscribed {
		return nil, nil
	}
	if err := m.validate(ev); err != nil {
		return nil, err
	}

	if m.inSnapshot() {
		if isSnapshot {
			m.state = StateSnapshotPhase
			return nil, m.accumulate(ev)
		}
		out := m.flush()
		upd, err := m.live(ev)
		return append(out, upd...), err
	}

	if isSnapshot && m.mode == model.ModeRaw {
		return nil, nil
	}
	return m.live(ev)
}

// EndOfSnapshot closes the snapshot phase. Redundant calls are no-ops.
func (m *Machine) EndOfSnapshot() []Output {
	if !m.inSnapshot() {
		return nil
	}
	return m.flush()
}

// Clear drops the retained state. In the snapshot phase the buffered
// snapshot is discarded silently; once live the subscribers are told.
func (m *Machine) Clear() []Output {
	if m.state == StateUnsubscribed {
		return nil
	}
	if m.inSnapshot() {
		m.clearState()
		return nil
	}

	var out []Output
	switch m.mode {
	case model.ModeMerge:
		if m.merged.Len() > 0 {
			nulls := event.New(m.merged.Len())
			for _, name := range m.merged.Names() {
				nulls.Set(name, event.Null())
			}
			nulls.Synthetic = true
			out = []Output{{Kind: KindUpdate, Event: nulls}}
		}
	case model.ModeDistinct:
		out = []Output{{Kind: KindClearHistory}}
	case model.ModeCommand:
		out = []Output{{Kind: KindUpdate, Event: DeleteAll()}}
	}
	m.clearState()
	return out
}

// Retained returns what a late-joining subscriber receives: the retained
// snapshot followed by EOS. Nil unless the machine is live; subscribers that
// join during the snapshot phase receive the flush with everyone else.
func (m *Machine) Retained() []Output {
	if m.state != StateLive {
		return nil
	}
	out := m.snapshotOutputs()
	if m.snapshotExpected {
		out = append(out, Output{Kind: KindEndOfSnapshot})
	}
	return out
}

// DeleteAll returns the synthetic event that clears a COMMAND item.
func DeleteAll() *event.Event {
	ev := event.New(2)
	ev.Set(model.KeyField, event.Null())
	ev.Set(model.CommandField, event.Text(model.CommandDeleteAll))
	ev.Synthetic = true
	return ev
}

// IsDeleteAll reports whether ev is a DELETEALL command.
func IsDeleteAll(ev *event.Event) bool {
	return ev != nil && ev.Text(model.CommandField) == model.CommandDeleteAll
}

func (m *Machine) inSnapshot() bool {
	return m.state == StateAwaitingFirstEvent || m.state == StateSnapshotPhase
}

func (m *Machine) reset() {
	m.snapshotExpected = false
	m.clearState()
}

func (m *Machine) clearState() {
	m.merged = event.New(0)
	m.history = queue.New()
	m.keys = newKeyTable()
}

func (m *Machine) validate(ev *event.Event) error {
	if m.mode != model.ModeCommand {
		if IsDeleteAll(ev) {
			return fmt.Errorf("%w: DELETEALL in %s mode", model.ErrProducerViolation, m.mode)
		}
		return nil
	}
	key, ok := ev.Get(model.KeyField)
	if !ok || key.IsNull() {
		return fmt.Errorf("%w: missing %q field", model.ErrProducerViolation, model.KeyField)
	}
	switch cmd := ev.Text(model.CommandField); cmd {
	case model.CommandAdd, model.CommandUpdate, model.CommandDelete:
		return nil
	default:
		return fmt.Errorf("%w: invalid command %q", model.ErrProducerViolation, cmd)
	}
}

// accumulate folds a snapshot event into the retained state.
func (m *Machine) accumulate(ev *event.Event) error {
	switch m.mode {
	case model.ModeMerge:
		m.merged.Merge(ev)
	case model.ModeDistinct:
		m.remember(ev)
	case model.ModeCommand:
		_, err := m.applyCommand(ev)
		return err
	}
	return nil
}

func (m *Machine) flush() []Output {
	m.state = StateLive
	out := m.snapshotOutputs()
	if m.snapshotExpected {
		out = append(out, Output{Kind: KindEndOfSnapshot})
	}
	return out
}

func (m *Machine) snapshotOutputs() []Output {
	var out []Output
	switch m.mode {
	case model.ModeMerge:
		if m.merged.Len() > 0 {
			out = append(out, Output{Kind: KindSnapshot, Event: m.merged.Clone()})
		}
	case model.ModeDistinct:
		for i := 0; i < m.history.Length(); i++ {
			out = append(out, Output{Kind: KindSnapshot, Event: m.history.Get(i).(*event.Event)})
		}
	case model.ModeCommand:
		for _, key := range m.keys.order {
			ev := m.keys.rows[key].Clone()
			ev.Set(model.CommandField, event.Text(model.CommandAdd))
			out = append(out, Output{Kind: KindSnapshot, Event: ev})
		}
	}
	return out
}

func (m *Machine) live(ev *event.Event) ([]Output, error) {
	switch m.mode {
	case model.ModeMerge:
		m.merged.Merge(ev)
	case model.ModeDistinct:
		m.remember(ev)
	case model.ModeCommand:
		out, err := m.applyCommand(ev)
		if err != nil {
			return nil, err
		}
		ev = out
	}
	return []Output{{Kind: KindUpdate, Event: ev}}, nil
}

func (m *Machine) remember(ev *event.Event) {
	if m.depth <= 0 {
		return
	}
	m.history.Add(ev)
	for m.history.Length() > m.depth {
		m.history.Remove()
	}
}

// applyCommand updates the key table and returns the event to deliver,
// with ADD and UPDATE adjusted to the actual key state.
func (m *Machine) applyCommand(ev *event.Event) (*event.Event, error) {
	key := ev.Text(model.KeyField)
	cmd := ev.Text(model.CommandField)
	row, known := m.keys.rows[key]

	switch cmd {
	case model.CommandAdd, model.CommandUpdate:
		want := model.CommandAdd
		if known {
			want = model.CommandUpdate
			row.Merge(ev)
		} else {
			m.keys.put(key, ev.Clone())
		}
		m.keys.rows[key].Set(model.CommandField, event.Text(want))
		if want != cmd {
			ev = ev.Clone()
			ev.Set(model.CommandField, event.Text(want))
		}
		return ev, nil
	default:
		if !known {
			return nil, fmt.Errorf("%w: DELETE for unknown key %q", model.ErrProducerViolation, key)
		}
		m.keys.remove(key)
		return ev, nil
	}
}

type keyTable struct {
	order []string
	rows  map[string]*event.Event
}

func newKeyTable() *keyTable {
	return &keyTable{rows: make(map[string]*event.Event)}
}

func (t *keyTable) put(key string, row *event.Event) {
	t.order = append(t.order, key)
	t.rows[key] = row
}

func (t *keyTable) remove(key string) {
	delete(t.rows, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}
