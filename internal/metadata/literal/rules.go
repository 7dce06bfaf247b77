package literal

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/syntrixbase/itemgate/pkg/model"
)

const (
	familyPrefix      = "item_family_"
	modesPrefix       = "modes_for_item_family_"
	dataAdapterPrefix = "data_adapter_for_item_family_"
)

// Rule is one item family: items whose name fully matches Pattern, served
// by Adapter when HasAdapter is set, may be subscribed in Modes.
type Rule struct {
	Pattern    *regexp.Regexp
	Adapter    string
	HasAdapter bool
	Modes      model.ModeSet
}

// Matches reports whether the rule applies to item from adapter.
func (r Rule) Matches(item, adapter string) bool {
	if r.HasAdapter && r.Adapter != adapter {
		return false
	}
	return r.Pattern.MatchString(item)
}

// Rules is the ordered family list. A nil list means no family was
// configured and every mode is allowed for every item.
type Rules []Rule

// Match returns the first rule applying to item from adapter.
func (rs Rules) Match(item, adapter string) (Rule, bool) {
	for _, r := range rs {
		if r.Matches(item, adapter) {
			return r, true
		}
	}
	return Rule{}, false
}

// AllowedModes returns the modes of the first matching rule; none when no
// rule matches.
func (rs Rules) AllowedModes(item, adapter string) model.ModeSet {
	if rs == nil {
		return model.NewModeSet(model.AllModes()...)
	}
	if r, ok := rs.Match(item, adapter); ok {
		return r.Modes
	}
	return model.ModeSet{}
}

// IsModeAllowed reports whether item from adapter may be served in mode.
func (rs Rules) IsModeAllowed(item, adapter string, mode model.Mode) bool {
	if rs == nil {
		return true
	}
	r, ok := rs.Match(item, adapter)
	return ok && r.Modes.Contains(mode)
}

// compilePattern anchors pattern so that it must match the whole name.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

// parseFamilies reads the item_family_<n> parameters. Family numbers must
// be positive and written without sign or leading zeros; gaps are allowed
// and families are ordered by number. It returns nil when no family is
// configured.
func parseFamilies(params map[string]string) (Rules, error) {
	var numbers []int
	for name := range params {
		if !strings.HasPrefix(name, familyPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, familyPrefix))
		if err != nil {
			return nil, fmt.Errorf("error reading parameter %s: %w", name, err)
		}
		if name != familyPrefix+strconv.Itoa(n) {
			return nil, fmt.Errorf("error reading parameter %s: badly formed item family parameter name", name)
		}
		if n <= 0 {
			return nil, fmt.Errorf("error reading parameter %s: non positive item family number found", name)
		}
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		return nil, nil
	}
	sort.Ints(numbers)

	rules := make(Rules, 0, len(numbers))
	for _, n := range numbers {
		suffix := strconv.Itoa(n)

		pattern, err := compilePattern(params[familyPrefix+suffix])
		if err != nil {
			return nil, fmt.Errorf("error reading parameter %s: %w", familyPrefix+suffix, err)
		}
		modes, err := model.ParseModeSet(params[modesPrefix+suffix])
		if err != nil {
			return nil, fmt.Errorf("error reading parameter %s: %w", modesPrefix+suffix, err)
		}
		adapter, hasAdapter := params[dataAdapterPrefix+suffix]

		rules = append(rules, Rule{Pattern: pattern, Adapter: adapter, HasAdapter: hasAdapter, Modes: modes})
	}
	return rules, nil
}

// rulesFile is the YAML layout of the optional rules file.
type rulesFile struct {
	Families []struct {
		Pattern string   `yaml:"pattern"`
		Adapter *string  `yaml:"adapter"`
		Modes   []string `yaml:"modes"`
	} `yaml:"families"`
}

// loadRulesFile reads families from a YAML file, resolved against dir
// when relative.
func loadRulesFile(path, dir string) (Rules, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := make(Rules, 0, len(f.Families))
	for i, fam := range f.Families {
		pattern, err := compilePattern(fam.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rules file family %d: %w", i+1, err)
		}
		modes := model.ModeSet{}
		for _, s := range fam.Modes {
			m, err := model.ParseMode(s)
			if err != nil {
				return nil, fmt.Errorf("rules file family %d: %w", i+1, err)
			}
			modes[m] = struct{}{}
		}
		r := Rule{Pattern: pattern, Modes: modes}
		if fam.Adapter != nil {
			r.Adapter, r.HasAdapter = *fam.Adapter, true
		}
		rules = append(rules, r)
	}
	return rules, nil
}
