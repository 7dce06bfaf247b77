package throttle

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/time/rate"

	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/internal/snapshot"
	"github.com/syntrixbase/itemgate/pkg/model"
)

type entry struct {
	out   snapshot.Output
	owned bool // event is a private copy and may be merged into
}

// Queue buffers the outputs of one (table, item) until the delivery pump
// takes them. Snapshot, EOS and clear entries are never dropped or gated.
type Queue struct {
	mu      sync.Mutex
	mode    model.Mode
	depth   int
	limiter *rate.Limiter
	entries *queue.Queue
	updates int
	lost    int64
}

// NewQueue creates the queue of one (table, item) under grant.
// RAW queues ignore every limit.
func NewQueue(mode model.Mode, grant Grant) *Queue {
	q := &Queue{mode: mode, entries: queue.New()}
	if mode == model.ModeRaw {
		return q
	}
	q.depth = grant.BufferDepth
	if grant.MaxFrequency > 0 {
		burst := int(grant.MaxFrequency)
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(grant.MaxFrequency), burst)
		if q.depth <= 0 && mode == model.ModeMerge {
			q.depth = 1
		}
	}
	return q
}

// Push appends out, applying the mode policy. It returns the number of
// updates lost to the buffer limit.
func (q *Queue) Push(out snapshot.Output) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if out.Kind != snapshot.KindUpdate {
		q.entries.Add(&entry{out: out})
		return 0
	}

	full := q.depth > 0 && q.updates >= q.depth
	switch q.mode {
	case model.ModeMerge:
		if full && q.conflateLast(out.Event, nil) {
			return 0
		}
	case model.ModeDistinct:
		if full {
			q.dropOldestUpdate()
			q.lost++
			q.append(out)
			return 1
		}
	case model.ModeCommand:
		if (full || q.limiter != nil) && out.Event.Text(model.CommandField) == model.CommandUpdate {
			key := out.Event.Text(model.KeyField)
			if q.conflateLast(out.Event, &key) {
				return 0
			}
		}
	}
	q.append(out)
	return 0
}

// Pop returns the next deliverable entry. Updates wait for the frequency
// limiter and for bw, which may be nil.
func (q *Queue) Pop(now time.Time, bw *Bandwidth) (snapshot.Output, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries.Length() == 0 {
		return snapshot.Output{}, false
	}
	e := q.entries.Peek().(*entry)
	if e.out.Kind == snapshot.KindUpdate {
		if q.limiter != nil && q.limiter.TokensAt(now) < 1 {
			return snapshot.Output{}, false
		}
		if !bw.AllowN(now, e.out.Event.Size()) {
			return snapshot.Output{}, false
		}
		if q.limiter != nil {
			q.limiter.AllowN(now, 1)
		}
		q.updates--
	}
	q.entries.Remove()
	return e.out, true
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Length()
}

// Lost returns the number of updates dropped so far.
func (q *Queue) Lost() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lost
}

// Clear drops every pending entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = queue.New()
	q.updates = 0
}

func (q *Queue) append(out snapshot.Output) {
	q.entries.Add(&entry{out: out})
	q.updates++
}

// conflateLast merges ev into the newest pending update, restricted to the
// given COMMAND key when key is not nil. ADD and DELETE entries keep their
// command; a pending DELETE is never merged into.
func (q *Queue) conflateLast(ev *event.Event, key *string) bool {
	for i := q.entries.Length() - 1; i >= 0; i-- {
		e := q.entries.Get(i).(*entry)
		if e.out.Kind != snapshot.KindUpdate {
			return false
		}
		if key != nil {
			if e.out.Event.Text(model.KeyField) != *key {
				continue
			}
			if e.out.Event.Text(model.CommandField) == model.CommandDelete {
				return false
			}
		}
		if !e.owned {
			e.out.Event = e.out.Event.Clone()
			e.owned = true
		}
		cmd, hasCmd := e.out.Event.Get(model.CommandField)
		e.out.Event.Merge(ev)
		if key != nil && hasCmd {
			e.out.Event.Set(model.CommandField, cmd)
		}
		return true
	}
	return false
}

func (q *Queue) dropOldestUpdate() {
	n := q.entries.Length()
	kept := queue.New()
	dropped := false
	for i := 0; i < n; i++ {
		e := q.entries.Remove().(*entry)
		if !dropped && e.out.Kind == snapshot.KindUpdate {
			dropped = true
			continue
		}
		kept.Add(e)
	}
	q.entries = kept
	if dropped {
		q.updates--
	}
}
