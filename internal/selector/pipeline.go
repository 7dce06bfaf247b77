// Package selector applies the per-subscription selection and
// customization stages to live updates.
package selector

import (
	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/internal/snapshot"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// Policy decides selection and customization. *metadata.Dispatcher
// implements it. Calls run on the delivery path and must not block.
type Policy interface {
	Selected(user, item, adapter, selector string, ev *event.Event) bool
	CustomizationEnabled(user, item, adapter string) bool
	CustomizeEvent(user, item, adapter string, ev *event.Customizable)
}

// Pipeline is bound to one (table, item) delivery context.
type Pipeline struct {
	policy    Policy
	user      string
	item      string
	adapter   string
	selector  string
	mode      model.Mode
	customize bool
}

// Config identifies the delivery context of a Pipeline.
type Config struct {
	User     string
	Item     string
	Adapter  string
	Selector string
	Mode     model.Mode
}

// New creates the pipeline of one delivery context. Whether customization
// is enabled is asked once here.
func New(policy Policy, cfg Config) *Pipeline {
	p := &Pipeline{
		policy:   policy,
		user:     cfg.User,
		item:     cfg.Item,
		adapter:  cfg.Adapter,
		selector: cfg.Selector,
		mode:     cfg.Mode,
	}
	if policy != nil {
		p.customize = policy.CustomizationEnabled(cfg.User, cfg.Item, cfg.Adapter)
	}
	return p
}

// Active reports whether the pipeline does anything.
func (p *Pipeline) Active() bool {
	return p.policy != nil && (p.selector != "" || p.customize)
}

// Apply runs the stages on out. Snapshot, EOS, clear and synthetic
// entries pass through untouched. keep is false when the selector drops
// the update for this context.
func (p *Pipeline) Apply(out snapshot.Output) (result snapshot.Output, keep bool) {
	if !p.Active() || out.Kind != snapshot.KindUpdate || out.Event == nil || out.Event.Synthetic {
		return out, true
	}

	if p.selector != "" && !p.policy.Selected(p.user, p.item, p.adapter, p.selector, out.Event) {
		return out, false
	}

	if p.customize {
		var protected []string
		if p.mode == model.ModeCommand {
			protected = []string{model.KeyField, model.CommandField}
		}
		c := event.NewCustomizable(out.Event.Clone(), protected...)
		p.policy.CustomizeEvent(p.user, p.item, p.adapter, c)
		out.Event = c.Event()
	}
	return out, true
}
