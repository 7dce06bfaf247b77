package metadata

import (
	"context"
	"strings"

	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/internal/throttle"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// Optional extensions. A provider implements any subset; the kernel
// detects them once, when the Dispatcher is built, and otherwise falls
// back to the base Provider method with the extra arguments discarded.

// ListenerAware providers receive the control listener after Init.
type ListenerAware interface {
	SetListener(l ControlListener)
}

// PrincipalAware providers authenticate with the client TLS principal.
type PrincipalAware interface {
	NotifyUserWithPrincipal(ctx context.Context, user, password string, headers map[string]string, principal string) error
}

// AdapterItems resolves item groups per data adapter.
type AdapterItems interface {
	GetItemsForAdapter(ctx context.Context, user, sessionID, group, adapter string) ([]string, error)
}

// AdapterSchema resolves field schemas per data adapter.
type AdapterSchema interface {
	GetSchemaForAdapter(ctx context.Context, user, sessionID, group, adapter, schema string) ([]string, error)
}

// AdapterGrants grants resource limits per data adapter.
type AdapterGrants interface {
	MaxFrequencyForAdapter(user, item, adapter string) float64
	BufferSizeForAdapter(user, item, adapter string) int
	MinSourceFrequencyForAdapter(item, adapter string) float64
	DistinctSnapshotLengthForAdapter(item, adapter string) int
}

// AdapterModes grants modes per data adapter.
type AdapterModes interface {
	IsModeAllowedForAdapter(user, item, adapter string, mode model.Mode) bool
	ModeMayBeAllowedForAdapter(item, adapter string, mode model.Mode) bool
}

// AdapterSelectors filters and customizes per data adapter.
type AdapterSelectors interface {
	IsSelectorAllowedForAdapter(user, item, adapter, selector string) bool
	IsSelectedForAdapter(user, item, adapter, selector string, ev *event.Event) bool
	EnableCustomizationForAdapter(user, item, adapter string) bool
	CustomizeForAdapter(user, item, adapter string, ev *event.Customizable)
}

// Capabilities records which extensions a provider implements.
type Capabilities struct {
	Listener         bool
	Principal        bool
	AdapterItems     bool
	AdapterSchema    bool
	AdapterGrants    bool
	AdapterModes     bool
	AdapterSelectors bool
}

// Detect resolves the capabilities of p.
func Detect(p Provider) Capabilities {
	_, listener := p.(ListenerAware)
	_, principal := p.(PrincipalAware)
	_, items := p.(AdapterItems)
	_, schema := p.(AdapterSchema)
	_, grants := p.(AdapterGrants)
	_, modes := p.(AdapterModes)
	_, selectors := p.(AdapterSelectors)
	return Capabilities{
		Listener:         listener,
		Principal:        principal,
		AdapterItems:     items,
		AdapterSchema:    schema,
		AdapterGrants:    grants,
		AdapterModes:     modes,
		AdapterSelectors: selectors,
	}
}

// Dispatcher is the kernel's view of a provider: every call in its richest
// form, routed to the extension when present and to the base method
// otherwise.
type Dispatcher struct {
	Provider
	caps Capabilities
}

// NewDispatcher wraps p and resolves its capabilities.
func NewDispatcher(p Provider) *Dispatcher {
	return &Dispatcher{Provider: p, caps: Detect(p)}
}

// Capabilities returns the resolved capabilities.
func (d *Dispatcher) Capabilities() Capabilities { return d.caps }

// SetListener forwards l to listener-aware providers.
func (d *Dispatcher) SetListener(l ControlListener) {
	if d.caps.Listener {
		d.Provider.(ListenerAware).SetListener(l)
	}
}

// Authenticate calls NotifyUserWithPrincipal, or NotifyUser discarding
// the principal.
func (d *Dispatcher) Authenticate(ctx context.Context, user, password string, headers map[string]string, principal string) error {
	if d.caps.Principal && principal != "" {
		return d.Provider.(PrincipalAware).NotifyUserWithPrincipal(ctx, user, password, headers, principal)
	}
	return d.Provider.NotifyUser(ctx, user, password, headers)
}

// Items resolves a group; the adapter is discarded by base providers.
func (d *Dispatcher) Items(ctx context.Context, user, sessionID, group, adapter string) ([]string, error) {
	if d.caps.AdapterItems {
		return d.Provider.(AdapterItems).GetItemsForAdapter(ctx, user, sessionID, group, adapter)
	}
	return d.Provider.GetItems(ctx, user, sessionID, group)
}

// Schema resolves a schema; the adapter is discarded by base providers.
func (d *Dispatcher) Schema(ctx context.Context, user, sessionID, group, adapter, schema string) ([]string, error) {
	if d.caps.AdapterSchema {
		return d.Provider.(AdapterSchema).GetSchemaForAdapter(ctx, user, sessionID, group, adapter, schema)
	}
	return d.Provider.GetSchema(ctx, user, sessionID, group, schema)
}

// ModeAllowed reports whether user may subscribe item in mode.
func (d *Dispatcher) ModeAllowed(user, item, adapter string, mode model.Mode) bool {
	if d.caps.AdapterModes {
		return d.Provider.(AdapterModes).IsModeAllowedForAdapter(user, item, adapter, mode)
	}
	return d.Provider.IsModeAllowed(user, item, mode)
}

// ModePossible reports whether any user may subscribe item in mode.
func (d *Dispatcher) ModePossible(item, adapter string, mode model.Mode) bool {
	if d.caps.AdapterModes {
		return d.Provider.(AdapterModes).ModeMayBeAllowedForAdapter(item, adapter, mode)
	}
	return d.Provider.ModeMayBeAllowed(item, mode)
}

// SelectorAllowed reports whether selector may be used on item.
func (d *Dispatcher) SelectorAllowed(user, item, adapter, selector string) bool {
	if d.caps.AdapterSelectors {
		return d.Provider.(AdapterSelectors).IsSelectorAllowedForAdapter(user, item, adapter, selector)
	}
	return d.Provider.IsSelectorAllowed(user, item, selector)
}

// Selected evaluates selector on ev.
func (d *Dispatcher) Selected(user, item, adapter, selector string, ev *event.Event) bool {
	if d.caps.AdapterSelectors {
		return d.Provider.(AdapterSelectors).IsSelectedForAdapter(user, item, adapter, selector, ev)
	}
	return d.Provider.IsSelected(user, item, selector, ev)
}

// CustomizationEnabled reports whether updates of item are customized for user.
func (d *Dispatcher) CustomizationEnabled(user, item, adapter string) bool {
	if d.caps.AdapterSelectors {
		return d.Provider.(AdapterSelectors).EnableCustomizationForAdapter(user, item, adapter)
	}
	return d.Provider.EnableCustomization(user, item)
}

// CustomizeEvent lets the provider change ev.
func (d *Dispatcher) CustomizeEvent(user, item, adapter string, ev *event.Customizable) {
	if d.caps.AdapterSelectors {
		d.Provider.(AdapterSelectors).CustomizeForAdapter(user, item, adapter, ev)
		return
	}
	d.Provider.Customize(user, item, ev)
}

// Grant resolves the resource limits of one (user, item, adapter). It is
// called once per subscription; the result is cached by the caller.
func (d *Dispatcher) Grant(user, item, adapter string) throttle.Grant {
	g := throttle.Grant{MaxBandwidth: d.Provider.MaxBandwidth(user)}
	if d.caps.AdapterGrants {
		ag := d.Provider.(AdapterGrants)
		g.MaxFrequency = ag.MaxFrequencyForAdapter(user, item, adapter)
		g.BufferDepth = ag.BufferSizeForAdapter(user, item, adapter)
		g.MinSourceFrequency = ag.MinSourceFrequencyForAdapter(item, adapter)
		g.SnapshotDepth = ag.DistinctSnapshotLengthForAdapter(item, adapter)
	} else {
		g.MaxFrequency = d.Provider.MaxFrequency(user, item)
		g.BufferDepth = d.Provider.BufferSize(user, item)
		g.MinSourceFrequency = d.Provider.MinSourceFrequency(item)
		g.SnapshotDepth = d.Provider.DistinctSnapshotLength(item)
	}
	return g
}

// Tokenize splits a space separated group or schema into names.
func Tokenize(s string) []string {
	return strings.Fields(s)
}
