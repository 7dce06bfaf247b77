// Package consistency guarantees that an item is never served in two
// conflicting modes at once.
package consistency

import (
	"fmt"
	"sync"

	"github.com/syntrixbase/itemgate/pkg/model"
)

type reservation struct {
	mode model.Mode // active conflicting mode, 0 when none
	refs int
	raw  int
}

// Validator is the global item → conflicting mode registry.
// It is safe for concurrent use and never calls out while locked.
type Validator struct {
	mu    sync.Mutex
	items map[string]*reservation
}

// New creates an empty validator.
func New() *Validator {
	return &Validator{items: make(map[string]*reservation)}
}

// Reserve registers one more subscription of item in mode. It fails with
// model.ErrModeConflict when another conflicting mode is active. RAW is
// always granted.
func (v *Validator) Reserve(item string, mode model.Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("invalid mode %d for item %q", int(mode), item)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	r, ok := v.items[item]
	if !ok {
		r = &reservation{}
		v.items[item] = r
	}

	if !mode.Conflicting() {
		r.raw++
		return nil
	}
	if r.refs > 0 && r.mode != mode {
		return fmt.Errorf("%w: item %q is active in %s mode, requested %s",
			model.ErrModeConflict, item, r.mode, mode)
	}
	r.mode = mode
	r.refs++
	return nil
}

// Release drops one reservation. The conflicting mode is freed when its
// count reaches zero. Releasing what was never reserved is a no-op.
func (v *Validator) Release(item string, mode model.Mode) {
	v.mu.Lock()
	defer v.mu.Unlock()

	r, ok := v.items[item]
	if !ok {
		return
	}
	if mode.Conflicting() {
		if r.refs > 0 && r.mode == mode {
			r.refs--
			if r.refs == 0 {
				r.mode = 0
			}
		}
	} else if r.raw > 0 {
		r.raw--
	}
	if r.refs == 0 && r.raw == 0 {
		delete(v.items, item)
	}
}

// Active returns the conflicting mode currently reserved for item.
func (v *Validator) Active(item string) (model.Mode, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if r, ok := v.items[item]; ok && r.refs > 0 {
		return r.mode, true
	}
	return 0, false
}

// Count returns the number of reservations held for item in mode.
func (v *Validator) Count(item string, mode model.Mode) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	r, ok := v.items[item]
	if !ok {
		return 0
	}
	if !mode.Conflicting() {
		return r.raw
	}
	if r.mode == mode {
		return r.refs
	}
	return 0
}

// Len returns the number of items with at least one reservation.
func (v *Validator) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}
