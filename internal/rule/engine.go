// Package rule compiles configured rules and resolves the directives that
// apply to a request.
package rule

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/rule/match"
	"go.yaml.in/yaml/v3"
)

var validate = validator.New()

// Rule pairs a matcher with the directive value it selects.
type Rule struct {
	match.Matcher
	Config config.Rule
}

func (r *Rule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("match", r.Matcher),
		slog.String("directive", r.Config.Directive),
		slog.String("value", r.Config.Value),
	)
}

// Engine is an ordered rule list. For every directive the first matching rule
// wins.
type Engine struct {
	source  string
	rules   []*Rule
	hasBody bool
}

// NewEngine compiles rules; invalid entries are logged and skipped.
func NewEngine(source string, rules []config.Rule) *Engine {
	e := &Engine{source: source}
	for i := range rules {
		cfg := rules[i]
		cfg.Type = strings.ToUpper(strings.TrimSpace(cfg.Type))
		cfg.Directive = common.CanonicalDirective(strings.TrimSpace(cfg.Directive))
		if err := validate.Struct(&cfg); err != nil {
			slog.Warn("Invalid rule", slog.String("source", source), slog.Any("rule", cfg), slog.Any("error", err))
			continue
		}
		m := match.New(&cfg)
		if m == nil {
			slog.Warn("Rule skipped", slog.String("source", source), slog.Any("rule", cfg))
			continue
		}
		if bm, ok := m.(match.BodyMatcher); ok && bm.MatchesBody() {
			e.hasBody = true
		}
		e.rules = append(e.rules, &Rule{Matcher: m, Config: cfg})
	}
	return e
}

func (e *Engine) Source() string {
	return e.source
}

func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// HasBodyMatcher reports whether any rule inspects the request body.
func (e *Engine) HasBodyMatcher() bool {
	return e != nil && e.hasBody
}

// NeedsBody reports whether a body rule could still select a directive for
// req. A body rule is moot once an earlier rule for the same directive has
// matched. URL-REGEX matches are not trusted here since a urlParams rewrite
// can change the outcome.
func (e *Engine) NeedsBody(req *common.Request) bool {
	if !e.HasBodyMatcher() {
		return false
	}
	decided := make(map[string]bool)
	for _, r := range e.rules {
		directive := r.Config.Directive
		if decided[directive] {
			continue
		}
		if bm, ok := r.Matcher.(match.BodyMatcher); ok && bm.MatchesBody() {
			return true
		}
		if r.Type() != match.RuleTypeURLRegex && r.Match(req) {
			decided[directive] = true
		}
	}
	return false
}

// Configs returns the compiled rules in their configured form.
func (e *Engine) Configs() []config.Rule {
	if e == nil {
		return nil
	}
	out := make([]config.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Config)
	}
	return out
}

func (e *Engine) ResolveRules(req *common.Request) *common.Rules {
	rules := common.NewRules()
	if e == nil {
		return rules
	}
	for _, r := range e.rules {
		directive := r.Config.Directive
		if rules.Get(directive) != nil {
			continue
		}
		if !r.Match(req) {
			continue
		}
		rules.Set(directive, &common.RuleValue{
			Directive: directive,
			Value:     r.Config.Value,
			Pattern:   string(r.Type()) + "," + r.Config.MatchValue,
			Source:    e.source,
		})
		slog.Debug("Rule matched", slog.String("id", req.ID), slog.Any("rule", r))
	}
	return rules
}

// ParseRules decodes a YAML or JSON rule list, bare or under a rules key.
func ParseRules(data []byte) ([]config.Rule, error) {
	var rules []config.Rule
	listErr := yaml.Unmarshal(data, &rules)
	if listErr == nil {
		return rules, nil
	}
	var doc struct {
		Rules []config.Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal: %w", listErr)
	}
	return doc.Rules, nil
}
