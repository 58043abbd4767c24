package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
)

// RuleType is the plugin name of the rule filter
const RuleType = "rule"

// Combination modes
const (
	ModeAll = "all"
	ModeAny = "any"
)

// Rule defines a single criterion over an IDMEF path
type Rule struct {
	Path     string `json:"path"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// RuleConfig holds the configuration of a rule filter
type RuleConfig struct {
	Mode  string `json:"mode,omitempty"`
	Rules []Rule `json:"rules"`
}

type compiledRule struct {
	path     idmef.Path
	operator string
	text     string
	number   float64
}

// RuleFilter matches messages against a list of path criteria
type RuleFilter struct {
	name  string
	mode  string
	rules []compiledRule
}

// NewRuleFilter validates cfg and builds the filter. Every malformed
// criterion is reported here as a *errors.ConfigurationError, so Match never
// fails.
func NewRuleFilter(name string, cfg RuleConfig) (*RuleFilter, error) {
	if name == "" {
		name = RuleType
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeAll
	}
	if mode != ModeAll && mode != ModeAny {
		return nil, errors.NewConfigurationError(name, fmt.Errorf("%w: unknown mode %q", errors.ErrInvalidConfig, mode))
	}
	if len(cfg.Rules) == 0 {
		return nil, errors.NewConfigurationError(name, fmt.Errorf("%w: no rules", errors.ErrMissingConfig))
	}

	f := &RuleFilter{name: name, mode: mode, rules: make([]compiledRule, 0, len(cfg.Rules))}
	for i, rule := range cfg.Rules {
		compiled, err := compileRule(rule)
		if err != nil {
			return nil, errors.NewConfigurationError(name, fmt.Errorf("rule %d: %w", i, err))
		}
		f.rules = append(f.rules, compiled)
	}
	return f, nil
}

func compileRule(rule Rule) (compiledRule, error) {
	path, err := idmef.ParsePath(rule.Path)
	if err != nil {
		return compiledRule{}, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	c := compiledRule{path: path, operator: rule.Operator}

	switch rule.Operator {
	case "exists":
		return c, nil
	case "eq", "ne", "contains":
		if rule.Value == nil {
			return compiledRule{}, fmt.Errorf("%w: operator %s needs a value", errors.ErrInvalidConfig, rule.Operator)
		}
		c.text = idmef.FormatValue(rule.Value)
		return c, nil
	case "gt", "gte", "lt", "lte":
		n, ok := toFloat64(rule.Value)
		if !ok {
			return compiledRule{}, fmt.Errorf("%w: operator %s needs a numeric value, got %v",
				errors.ErrInvalidConfig, rule.Operator, rule.Value)
		}
		c.number = n
		return c, nil
	default:
		return compiledRule{}, fmt.Errorf("%w: unknown operator %q", errors.ErrInvalidConfig, rule.Operator)
	}
}

// Name returns the filter instance name
func (f *RuleFilter) Name() string {
	return f.name
}

// Match evaluates the rules in order, short-circuiting per mode
func (f *RuleFilter) Match(msg *idmef.Message) bool {
	for _, rule := range f.rules {
		matched := rule.match(msg)
		if f.mode == ModeAny && matched {
			return true
		}
		if f.mode == ModeAll && !matched {
			return false
		}
	}
	return f.mode == ModeAll
}

func (r compiledRule) match(msg *idmef.Message) bool {
	value, found := msg.Get(r.path)
	if r.operator == "exists" {
		return found
	}
	if !found {
		return false
	}

	// A path crossing a list yields several values; ne holds only when no
	// value is equal, every other operator when any value satisfies it.
	values := flatten(value)
	if r.operator == "ne" {
		for _, v := range values {
			if idmef.FormatValue(v) == r.text {
				return false
			}
		}
		return true
	}
	for _, v := range values {
		if r.matchOne(v) {
			return true
		}
	}
	return false
}

func (r compiledRule) matchOne(v any) bool {
	switch r.operator {
	case "eq":
		return idmef.FormatValue(v) == r.text
	case "contains":
		return strings.Contains(idmef.FormatValue(v), r.text)
	}

	n, ok := toFloat64(v)
	if !ok {
		return false
	}
	switch r.operator {
	case "gt":
		return n > r.number
	case "gte":
		return n >= r.number
	case "lt":
		return n < r.number
	case "lte":
		return n <= r.number
	}
	return false
}

func flatten(v any) []any {
	list, ok := v.([]any)
	if !ok {
		return []any{v}
	}
	var out []any
	for _, e := range list {
		out = append(out, flatten(e)...)
	}
	return out
}

// toFloat64 converts config and message values for numeric comparison
func toFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint32:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	default:
		return 0, false
	}
}
