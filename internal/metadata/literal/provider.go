// Package literal implements a rule based authorization provider driven
// entirely by its configuration parameters.
//
// Item families (item_family_<n>, data_adapter_for_item_family_<n>,
// modes_for_item_family_<n>) decide which modes an item may be served in.
// Resource grants are uniform for the deployment. Users may be restricted
// with an allow-list and, optionally, with password hashes or RS256 bearer
// tokens. Named selectors are CEL expressions given as selector_<name>.
package literal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/gorilla/schema"

	"github.com/syntrixbase/itemgate/internal/event"
	"github.com/syntrixbase/itemgate/internal/metadata"
	celsel "github.com/syntrixbase/itemgate/internal/selector/cel"
	"github.com/syntrixbase/itemgate/pkg/model"
)

const selectorPrefix = "selector_"

// Params are the scalar parameters of the provider.
type Params struct {
	AllowedUsers           string  `schema:"allowed_users"`
	MaxBandwidth           float64 `schema:"max_bandwidth"`
	MaxFrequency           float64 `schema:"max_frequency"`
	BufferSize             int     `schema:"buffer_size"`
	DistinctSnapshotLength int     `schema:"distinct_snapshot_length"`
	PrefilterFrequency     float64 `schema:"prefilter_frequency"`
	SessionTTL             int     `schema:"session_ttl"`
	AcceptMessages         bool    `schema:"accept_messages"`
	TablesNotification     bool    `schema:"tables_notification"`
	RulesFile              string  `schema:"rules_file"`
	UsersFile              string  `schema:"users_file"`
	TokenPublicKey         string  `schema:"token_public_key"`
}

// DefaultParams returns the values used for parameters left unset.
func DefaultParams() Params {
	return Params{DistinctSnapshotLength: 10}
}

// Provider is the rule based authorization provider.
type Provider struct {
	metadata.Base

	params    Params
	allowed   map[string]struct{}
	rules     Rules
	users     map[string]userEntry
	tokens    *tokenVerifier
	selectors map[string]cel.Program
	logger    *slog.Logger
}

// New creates an uninitialized provider. A nil logger means slog.Default().
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{logger: logger.With("component", "literal-metadata")}
}

var (
	_ metadata.Provider     = (*Provider)(nil)
	_ metadata.AdapterModes = (*Provider)(nil)
)

// Init reads the provider parameters.
func (p *Provider) Init(params map[string]string, configDir string) error {
	p.params = DefaultParams()

	values := make(map[string][]string, len(params))
	for k, v := range params {
		if !strings.Contains(k, ".") {
			values[k] = []string{v}
		}
	}
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&p.params, values); err != nil {
		return fmt.Errorf("invalid metadata parameters: %w", err)
	}

	if p.params.AllowedUsers != "" {
		p.allowed = make(map[string]struct{})
		for _, u := range strings.Split(p.params.AllowedUsers, ",") {
			if u = strings.TrimSpace(u); u != "" {
				p.allowed[u] = struct{}{}
			}
		}
	}

	rules, err := parseFamilies(params)
	if err != nil {
		return err
	}
	if p.params.RulesFile != "" {
		fileRules, err := loadRulesFile(p.params.RulesFile, configDir)
		if err != nil {
			return err
		}
		rules = append(rules, fileRules...)
	}
	p.rules = rules

	if p.params.UsersFile != "" {
		if p.users, err = loadUsersFile(p.params.UsersFile, configDir); err != nil {
			return err
		}
	}
	if p.params.TokenPublicKey != "" {
		if p.tokens, err = loadTokenVerifier(p.params.TokenPublicKey, configDir); err != nil {
			return err
		}
	}

	if err := p.compileSelectors(params); err != nil {
		return err
	}

	p.logger.Info("Metadata provider initialized",
		"families", len(p.rules),
		"selectors", len(p.selectors),
		"allowList", p.allowed != nil,
		"passwords", p.users != nil,
		"tokens", p.tokens != nil)
	return nil
}

func (p *Provider) compileSelectors(params map[string]string) error {
	p.selectors = make(map[string]cel.Program)
	var compiler *celsel.Compiler
	for name, expr := range params {
		sel, ok := strings.CutPrefix(name, selectorPrefix)
		if !ok || sel == "" {
			continue
		}
		if compiler == nil {
			c, err := celsel.NewCompiler()
			if err != nil {
				return err
			}
			compiler = c
		}
		prg, err := compiler.Compile(expr)
		if err != nil {
			return fmt.Errorf("error reading parameter %s: %w", name, err)
		}
		p.selectors[sel] = prg
	}
	return nil
}

// Rules returns the configured item families.
func (p *Provider) Rules() Rules { return p.rules }

// NotifyUser checks the allow-list and then the configured credentials.
// A bearer token is verified when a token key is configured; otherwise
// the password is checked against the users file.
func (p *Provider) NotifyUser(_ context.Context, user, password string, headers map[string]string) error {
	if p.allowed != nil {
		if _, ok := p.allowed[user]; !ok || user == "" {
			return &model.AccessError{Msg: "Unauthorized user"}
		}
	}

	if tok, ok := bearerToken(password, headers); ok && p.tokens != nil {
		if err := p.tokens.verify(tok, user); err != nil {
			p.logger.Debug("Token rejected", "user", user, "error", err)
			return &model.AccessError{Msg: "Invalid token"}
		}
		return nil
	}

	if p.users != nil {
		entry, ok := p.users[user]
		if !ok {
			return &model.AccessError{Msg: "Invalid credentials"}
		}
		match, err := VerifyPassword(password, entry.PasswordHash, entry.Algo)
		if err != nil {
			p.logger.Warn("Password verification failed", "user", user, "error", err)
			return &model.AccessError{Msg: "Invalid credentials"}
		}
		if !match {
			return &model.AccessError{Msg: "Invalid credentials"}
		}
		return nil
	}

	if p.tokens != nil {
		return &model.AccessError{Msg: "Missing token"}
	}
	return nil
}

func (p *Provider) MaxBandwidth(string) float64 { return p.params.MaxBandwidth }
func (p *Provider) MaxFrequency(string, string) float64 { return p.params.MaxFrequency }
func (p *Provider) BufferSize(string, string) int { return p.params.BufferSize }
func (p *Provider) MinSourceFrequency(string) float64 { return p.params.PrefilterFrequency }
func (p *Provider) DistinctSnapshotLength(string) int { return p.params.DistinctSnapshotLength }
func (p *Provider) SessionTTL(string, string) int { return p.params.SessionTTL }
func (p *Provider) WantsTablesNotification(string) bool { return p.params.TablesNotification }

// AllowedModes returns the modes item from adapter may be served in.
func (p *Provider) AllowedModes(item, adapter string) model.ModeSet {
	return p.rules.AllowedModes(item, adapter)
}

// ModeMayBeAllowed applies the item families without adapter information.
func (p *Provider) ModeMayBeAllowed(item string, mode model.Mode) bool {
	return p.rules.IsModeAllowed(item, "", mode)
}

// IsModeAllowedForAdapter allows every user the modes the families allow.
func (p *Provider) IsModeAllowedForAdapter(_, item, adapter string, mode model.Mode) bool {
	return p.rules.IsModeAllowed(item, adapter, mode)
}

// ModeMayBeAllowedForAdapter applies the item families.
func (p *Provider) ModeMayBeAllowedForAdapter(item, adapter string, mode model.Mode) bool {
	return p.rules.IsModeAllowed(item, adapter, mode)
}

// IsSelectorAllowed allows only the configured selectors. With none
// configured every selector is allowed and selects everything.
func (p *Provider) IsSelectorAllowed(_, _, selector string) bool {
	if len(p.selectors) == 0 {
		return true
	}
	_, ok := p.selectors[selector]
	return ok
}

// IsSelected evaluates the named selector. Evaluation errors drop the
// update.
func (p *Provider) IsSelected(user, item, selector string, ev *event.Event) bool {
	if len(p.selectors) == 0 {
		return true
	}
	prg, ok := p.selectors[selector]
	if !ok {
		return false
	}
	keep, err := celsel.Evaluate(prg, user, item, ev)
	if err != nil {
		p.logger.Debug("Selector evaluation failed", "selector", selector, "item", item, "error", err)
		return false
	}
	return keep
}

// NotifyMessage accepts messages only when accept_messages is set.
func (p *Provider) NotifyMessage(ctx context.Context, user, sessionID, message string) error {
	if !p.params.AcceptMessages {
		return p.Base.NotifyMessage(ctx, user, sessionID, message)
	}
	p.logger.Info("Message received", "user", user, "session", sessionID, "size", len(message))
	return nil
}
