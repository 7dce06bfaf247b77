package model

import (
	"fmt"
	"sort"
	"strings"
)

// Mode defines the delivery semantics of an item.
type Mode int

const (
	// ModeRaw delivers every update as is; no snapshot is kept.
	ModeRaw Mode = iota + 1
	// ModeMerge keeps the latest value of every field.
	ModeMerge
	// ModeDistinct keeps a bounded history of discrete events.
	ModeDistinct
	// ModeCommand keeps a keyed set driven by ADD/UPDATE/DELETE commands.
	ModeCommand
)

// Field names and commands used by COMMAND mode items.
const (
	KeyField     = "key"
	CommandField = "command"

	CommandAdd       = "ADD"
	CommandUpdate    = "UPDATE"
	CommandDelete    = "DELETE"
	CommandDeleteAll = "DELETEALL"
)

// AllModes returns all valid modes in declaration order.
func AllModes() []Mode {
	return []Mode{ModeRaw, ModeMerge, ModeDistinct, ModeCommand}
}

// String returns the canonical upper-case name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "RAW"
	case ModeMerge:
		return "MERGE"
	case ModeDistinct:
		return "DISTINCT"
	case ModeCommand:
		return "COMMAND"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// IsValid checks if the mode is one of the four known modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeRaw, ModeMerge, ModeDistinct, ModeCommand:
		return true
	}
	return false
}

// Conflicting reports whether the mode excludes the other conflicting modes
// on the same item. Only RAW coexists freely.
func (m Mode) Conflicting() bool {
	return m == ModeMerge || m == ModeDistinct || m == ModeCommand
}

// ParseMode converts a canonical mode name into a Mode.
// Names are case sensitive.
func ParseMode(s string) (Mode, error) {
	for _, m := range AllModes() {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid items mode: %q", s)
}

// ModeSet is a set of modes.
type ModeSet map[Mode]struct{}

// NewModeSet creates a set holding the given modes.
func NewModeSet(modes ...Mode) ModeSet {
	s := make(ModeSet, len(modes))
	for _, m := range modes {
		s[m] = struct{}{}
	}
	return s
}

// ParseModeSet parses a comma and/or space separated list of mode names.
// An empty string yields an empty set.
func ParseModeSet(s string) (ModeSet, error) {
	set := ModeSet{}
	tokens := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	for _, tok := range tokens {
		m, err := ParseMode(tok)
		if err != nil {
			return nil, err
		}
		set[m] = struct{}{}
	}
	return set, nil
}

// Contains reports whether m is in the set.
func (s ModeSet) Contains(m Mode) bool {
	_, ok := s[m]
	return ok
}

// Modes returns the members sorted in declaration order.
func (s ModeSet) Modes() []Mode {
	out := make([]Mode, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the set as a comma separated list.
func (s ModeSet) String() string {
	modes := s.Modes()
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.String()
	}
	return strings.Join(names, ",")
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("invalid items mode: %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
