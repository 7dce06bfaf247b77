package event

import (
	"errors"
	"fmt"
)

// ErrProtectedField is returned when a customization touches a field the
// item mode owns.
var ErrProtectedField = errors.New("field cannot be customized")

// Customizable is the mutable view of one delivery context's copy of an
// event. Protected fields are read-only.
type Customizable struct {
	ev        *Event
	protected map[string]struct{}
}

// NewCustomizable wraps ev, which must already be a private copy.
func NewCustomizable(ev *Event, protected ...string) *Customizable {
	c := &Customizable{ev: ev, protected: make(map[string]struct{}, len(protected))}
	for _, name := range protected {
		c.protected[name] = struct{}{}
	}
	return c
}

// Get returns the current value of a field.
func (c *Customizable) Get(name string) (Value, bool) { return c.ev.Get(name) }

// Names returns the field names in order.
func (c *Customizable) Names() []string { return c.ev.Names() }

// Set changes or adds a field value.
func (c *Customizable) Set(name string, v Value) error {
	if _, ok := c.protected[name]; ok {
		return fmt.Errorf("%w: %q", ErrProtectedField, name)
	}
	c.ev.Set(name, v)
	return nil
}

// SetText is a shorthand for Set(name, Text(s)).
func (c *Customizable) SetText(name, s string) error {
	return c.Set(name, Text(s))
}

// Event returns the customized event.
func (c *Customizable) Event() *Event { return c.ev }
