// Package metadata defines the authorization role: the provider that
// authenticates users, resolves item groups and field schemas, grants
// modes and resource limits, and is told about session and table
// lifecycle.
package metadata

import (
	"context"

	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// Provider is the base authorization contract. Every method has a default
// in Base; implementations embed Base and override what they need.
//
// Methods taking a context may block and are scheduled on dedicated pools.
// The others run on hot paths and must return quickly.
type Provider interface {
	// Init is called once with the configured parameters and the directory
	// configuration files are resolved against.
	Init(params map[string]string, configDir string) error

	// NotifyUser authenticates a user. Errors are *model.AccessError or
	// *model.CreditsError.
	NotifyUser(ctx context.Context, user, password string, headers map[string]string) error

	// GetItems resolves an item group into item names.
	GetItems(ctx context.Context, user, sessionID, group string) ([]string, error)
	// GetSchema resolves a field schema for a group into field names.
	GetSchema(ctx context.Context, user, sessionID, group, schema string) ([]string, error)

	MaxBandwidth(user string) float64
	MaxFrequency(user, item string) float64
	BufferSize(user, item string) int
	IsModeAllowed(user, item string, mode model.Mode) bool
	ModeMayBeAllowed(item string, mode model.Mode) bool
	IsSelectorAllowed(user, item, selector string) bool
	IsSelected(user, item, selector string, ev *event.Event) bool
	EnableCustomization(user, item string) bool
	Customize(user, item string, ev *event.Customizable)
	MinSourceFrequency(item string) float64
	DistinctSnapshotLength(item string) int

	NotifyMessage(ctx context.Context, user, sessionID, message string) error
	NotifyNewSession(ctx context.Context, user, sessionID string, clientContext map[string]string) error
	// SessionTTL returns the session time-to-live in seconds; 0 or less
	// means unbounded.
	SessionTTL(user, sessionID string) int
	NotifySessionClose(ctx context.Context, sessionID string) error

	WantsTablesNotification(user string) bool
	NotifyNewTables(ctx context.Context, user, sessionID string, tables []model.TableInfo) error
	NotifyTablesClose(ctx context.Context, sessionID string, tables []model.TableInfo) error
}

// Base supplies the default behavior of every Provider method: everything
// is allowed, nothing is limited and notifications are accepted.
type Base struct{}

func (Base) Init(map[string]string, string) error { return nil }

func (Base) NotifyUser(context.Context, string, string, map[string]string) error { return nil }

// GetItems treats the group as a space separated list of item names.
func (Base) GetItems(_ context.Context, _, _, group string) ([]string, error) {
	return Tokenize(group), nil
}

// GetSchema treats the schema as a space separated list of field names.
func (Base) GetSchema(_ context.Context, _, _, _, schema string) ([]string, error) {
	return Tokenize(schema), nil
}

func (Base) MaxBandwidth(string) float64 { return 0 }
func (Base) MaxFrequency(string, string) float64 { return 0 }
func (Base) BufferSize(string, string) int { return 0 }
func (Base) IsModeAllowed(string, string, model.Mode) bool { return true }
func (Base) ModeMayBeAllowed(string, model.Mode) bool { return true }
func (Base) IsSelectorAllowed(string, string, string) bool { return true }
func (Base) IsSelected(string, string, string, *event.Event) bool { return true }
func (Base) EnableCustomization(string, string) bool { return false }
func (Base) Customize(string, string, *event.Customizable) {}
func (Base) MinSourceFrequency(string) float64 { return 0 }
func (Base) DistinctSnapshotLength(string) int { return 0 }
func (Base) SessionTTL(string, string) int { return 0 }
func (Base) WantsTablesNotification(string) bool { return false }
func (Base) NotifySessionClose(context.Context, string) error { return nil }
func (Base) NotifyNewSession(context.Context, string, string, map[string]string) error {
	return nil
}

// NotifyMessage refuses every message.
func (Base) NotifyMessage(context.Context, string, string, string) error {
	return model.NewCreditsError(0, "Unsupported function", "")
}

func (Base) NotifyNewTables(context.Context, string, string, []model.TableInfo) error { return nil }
func (Base) NotifyTablesClose(context.Context, string, []model.TableInfo) error { return nil }

var _ Provider = Base{}
