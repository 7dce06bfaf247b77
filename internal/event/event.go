// Package event converts producer event representations into one canonical
// field view.
package event

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
)

// Field is one named value of an event.
type Field struct {
	Name  string
	Value Value
}

// Event is the canonical ordered field view of an item event.
//
// An Event is owned by the kernel once handed over; producers must not
// mutate it afterwards.
type Event struct {
	fields []Field
	index  map[string]int

	// Synthetic marks events generated by the kernel itself, such as the
	// DELETEALL produced by a clear. Synthetic events bypass selection and
	// customization.
	Synthetic bool
}

// New creates an empty event with room for n fields.
func New(n int) *Event {
	return &Event{
		fields: make([]Field, 0, n),
		index:  make(map[string]int, n),
	}
}

// FromPairs builds an event from alternating name/value arguments.
func FromPairs(pairs ...any) *Event {
	if len(pairs)%2 != 0 {
		panic("event: odd number of pair arguments")
	}
	e := New(len(pairs) / 2)
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("event: field name must be a string, got %T", pairs[i]))
		}
		e.Set(name, ValueOf(pairs[i+1]))
	}
	return e
}

// Get returns the value of a field and whether the field is present.
func (e *Event) Get(name string) (Value, bool) {
	if i, ok := e.index[name]; ok {
		return e.fields[i].Value, true
	}
	return Value{}, false
}

// Text returns the text of a field, "" when the field is absent or null.
func (e *Event) Text(name string) string {
	v, _ := e.Get(name)
	return v.String()
}

// Has reports whether the field is present, even if null.
func (e *Event) Has(name string) bool {
	_, ok := e.index[name]
	return ok
}

// Set assigns a field, appending it when new. Field order is preserved.
func (e *Event) Set(name string, v Value) {
	if name == "" {
		panic("event: empty field name")
	}
	if e.index == nil {
		e.index = make(map[string]int)
	}
	if i, ok := e.index[name]; ok {
		e.fields[i].Value = v
		return
	}
	e.index[name] = len(e.fields)
	e.fields = append(e.fields, Field{Name: name, Value: v})
}

// Merge overwrites e with every field of other.
func (e *Event) Merge(other *Event) {
	for _, f := range other.fields {
		e.Set(f.Name, f.Value)
	}
}

// Fields returns the fields in order. The slice must not be modified.
func (e *Event) Fields() []Field { return e.fields }

// Names returns the field names in order.
func (e *Event) Names() []string {
	names := make([]string, len(e.fields))
	for i, f := range e.fields {
		names[i] = f.Name
	}
	return names
}

// Len returns the number of fields.
func (e *Event) Len() int { return len(e.fields) }

// Size approximates the encoded size in bytes, used by bandwidth limits.
func (e *Event) Size() int {
	n := 0
	for _, f := range e.fields {
		n += len(f.Name) + len(f.Value.text) + 2
	}
	return n
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := &Event{
		fields:    make([]Field, len(e.fields)),
		index:     make(map[string]int, len(e.fields)),
		Synthetic: e.Synthetic,
	}
	copy(c.fields, e.fields)
	for k, v := range e.index {
		c.index[k] = v
	}
	return c
}

// Map returns the fields as a name to text map; null fields map to nil.
func (e *Event) Map() map[string]*string {
	m := make(map[string]*string, len(e.fields))
	for _, f := range e.fields {
		m[f.Name] = f.Value.Ptr()
	}
	return m
}

func (e *Event) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range e.fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteByte('=')
		if f.Value.IsNull() {
			b.WriteString("<null>")
		} else {
			b.WriteString(f.Value.text)
		}
	}
	b.WriteByte('}')
	return b.String()
}

// NamedEvent is a representation exposing field lookup by name and an
// iteration over its field names.
type NamedEvent interface {
	FieldNames() iter.Seq[string]
	ValueOf(name string) any
}

// LegacyEvent is the enumerable representation: a fixed list of names.
type LegacyEvent interface {
	Names() []string
	ValueOf(name string) any
}

// IndexedEvent exposes fields by position in [0, MaximumIndex()].
// Positions whose Name is empty are skipped.
type IndexedEvent interface {
	MaximumIndex() int
	Name(i int) string
	Value(i int) any
}

// ErrUnsupported is returned by Parse for representations, field values
// and field names it cannot convert.
var ErrUnsupported = errors.New("unsupported event representation")

// Normalize converts any supported representation into an Event.
// Unsupported representations and empty field names are programming
// errors and panic; producer input goes through Parse.
func Normalize(rep any) *Event {
	e, err := Parse(rep)
	if err != nil {
		panic("event: " + err.Error())
	}
	return e
}

// Parse converts any supported representation into an Event, reporting
// input it cannot convert with ErrUnsupported.
func Parse(rep any) (*Event, error) {
	switch r := rep.(type) {
	case *Event:
		if r == nil {
			return nil, fmt.Errorf("%w: nil event", ErrUnsupported)
		}
		return r.Clone(), nil
	case map[string]any:
		e := New(len(r))
		for _, name := range sortedKeys(r) {
			if err := e.setAny(name, r[name]); err != nil {
				return nil, err
			}
		}
		return e, nil
	case map[string]string:
		e := New(len(r))
		for _, name := range sortedKeys(r) {
			if err := e.setAny(name, r[name]); err != nil {
				return nil, err
			}
		}
		return e, nil
	case map[string]*string:
		e := New(len(r))
		for _, name := range sortedKeys(r) {
			if err := e.setAny(name, r[name]); err != nil {
				return nil, err
			}
		}
		return e, nil
	case NamedEvent:
		e := New(8)
		for name := range r.FieldNames() {
			if err := e.setAny(name, r.ValueOf(name)); err != nil {
				return nil, err
			}
		}
		return e, nil
	case LegacyEvent:
		names := r.Names()
		e := New(len(names))
		for _, name := range names {
			if err := e.setAny(name, r.ValueOf(name)); err != nil {
				return nil, err
			}
		}
		return e, nil
	case IndexedEvent:
		last := r.MaximumIndex()
		e := New(last + 1)
		for i := 0; i <= last; i++ {
			name := r.Name(i)
			if name == "" {
				continue
			}
			if err := e.setAny(name, r.Value(i)); err != nil {
				return nil, err
			}
		}
		return e, nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupported)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, rep)
	}
}

func (e *Event) setAny(name string, v any) error {
	if name == "" {
		return fmt.Errorf("%w: empty field name", ErrUnsupported)
	}
	val, err := parseValue(v)
	if err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	e.Set(name, val)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
