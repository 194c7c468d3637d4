package common

import (
	"log/slog"
	"sort"
	"strings"
)

// Directive names with a dedicated field on Rules.
const (
	DirectiveRule      = "rule"
	DirectiveURLParams = "urlParams"
	DirectiveRulesFile = "rulesFile"
	DirectiveEnable    = "enable"
	DirectivePlugin    = "plugin"
	DirectivePipe      = "pipe"
	DirectiveReqScript = "reqScript"
)

var directiveNames = map[string]string{
	"rule":      DirectiveRule,
	"urlparams": DirectiveURLParams,
	"rulesfile": DirectiveRulesFile,
	"enable":    DirectiveEnable,
	"plugin":    DirectivePlugin,
	"pipe":      DirectivePipe,
	"reqscript": DirectiveReqScript,
}

// CanonicalDirective returns the canonical spelling of a known directive and
// name unchanged otherwise.
func CanonicalDirective(name string) string {
	if canonical, ok := directiveNames[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// RuleValue is the resolved value of one directive.
type RuleValue struct {
	Directive string `json:"directive"`
	Value     string `json:"value"`
	// Pattern is the matcher that selected this value, kept for logs.
	Pattern string `json:"pattern,omitempty"`
	// Source names the rule set the value came from (base, header, rules file, plugin).
	Source string `json:"source,omitempty"`
}

// URL returns the target carried by a rule directive, or "" when there is none.
func (v *RuleValue) URL() string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(v.Value)
}

// List splits the value on commas, pipes and whitespace.
func (v *RuleValue) List() []string {
	if v == nil {
		return nil
	}
	return strings.FieldsFunc(v.Value, func(r rune) bool {
		return r == ',' || r == '|' || r == ' ' || r == '\t'
	})
}

func (v *RuleValue) LogValue() slog.Value {
	if v == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("directive", v.Directive),
		slog.String("value", v.Value),
		slog.String("pattern", v.Pattern),
		slog.String("source", v.Source),
	)
}

// Rules is the directive set resolved for one request.
type Rules struct {
	Rule      *RuleValue `json:"rule,omitempty"`
	URLParams *RuleValue `json:"urlParams,omitempty"`
	RulesFile *RuleValue `json:"rulesFile,omitempty"`
	Enable    *RuleValue `json:"enable,omitempty"`
	Plugin    *RuleValue `json:"plugin,omitempty"`
	Pipe      *RuleValue `json:"pipe,omitempty"`
	ReqScript *RuleValue `json:"reqScript,omitempty"`

	Extra map[string]*RuleValue `json:"extra,omitempty"`
}

func NewRules() *Rules {
	return &Rules{}
}

func (r *Rules) field(name string) **RuleValue {
	switch name {
	case DirectiveRule:
		return &r.Rule
	case DirectiveURLParams:
		return &r.URLParams
	case DirectiveRulesFile:
		return &r.RulesFile
	case DirectiveEnable:
		return &r.Enable
	case DirectivePlugin:
		return &r.Plugin
	case DirectivePipe:
		return &r.Pipe
	case DirectiveReqScript:
		return &r.ReqScript
	}
	return nil
}

// Get returns the value of directive name, or nil.
func (r *Rules) Get(name string) *RuleValue {
	if r == nil {
		return nil
	}
	if f := r.field(name); f != nil {
		return *f
	}
	return r.Extra[name]
}

// Set stores v under directive name. A nil v removes the directive.
func (r *Rules) Set(name string, v *RuleValue) {
	if v == nil {
		r.Del(name)
		return
	}
	if f := r.field(name); f != nil {
		*f = v
		return
	}
	if r.Extra == nil {
		r.Extra = make(map[string]*RuleValue)
	}
	r.Extra[name] = v
}

// Del removes directive name.
func (r *Rules) Del(name string) {
	if r == nil {
		return
	}
	if f := r.field(name); f != nil {
		*f = nil
		return
	}
	delete(r.Extra, name)
}

// Merge overlays other onto r: directives present in other replace those in r,
// directives absent from other are kept.
func (r *Rules) Merge(other *Rules) *Rules {
	if other == nil {
		return r
	}
	other.Each(func(name string, v *RuleValue) {
		r.Set(name, v)
	})
	return r
}

// Clone returns a shallow copy; RuleValues are shared since they are never mutated.
func (r *Rules) Clone() *Rules {
	if r == nil {
		return NewRules()
	}
	c := *r
	if r.Extra != nil {
		c.Extra = make(map[string]*RuleValue, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Each calls fn for every present directive, named fields first, then extras
// in name order.
func (r *Rules) Each(fn func(name string, v *RuleValue)) {
	if r == nil {
		return
	}
	for _, name := range []string{
		DirectiveRule, DirectiveURLParams, DirectiveRulesFile, DirectiveEnable,
		DirectivePlugin, DirectivePipe, DirectiveReqScript,
	} {
		if v := *r.field(name); v != nil {
			fn(name, v)
		}
	}
	names := make([]string, 0, len(r.Extra))
	for name := range r.Extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := r.Extra[name]; v != nil {
			fn(name, v)
		}
	}
}

// Len returns the number of present directives.
func (r *Rules) Len() int {
	n := 0
	r.Each(func(string, *RuleValue) { n++ })
	return n
}

func (r *Rules) LogValue() slog.Value {
	var attrs []slog.Attr
	r.Each(func(name string, v *RuleValue) {
		attrs = append(attrs, slog.String(name, v.Value))
	})
	return slog.GroupValue(attrs...)
}

// EnableSet holds the switches turned on by the enable directive.
type EnableSet map[string]bool

const (
	EnableGzip    = "gzip"
	EnableCapture = "capture"
)

// ParseEnable builds an EnableSet from an enable directive.
func ParseEnable(v *RuleValue) EnableSet {
	set := EnableSet{}
	for _, name := range v.List() {
		set[strings.ToLower(name)] = true
	}
	return set
}

func (e EnableSet) Has(name string) bool {
	return e[strings.ToLower(name)]
}

func (e EnableSet) Gzip() bool {
	return e.Has(EnableGzip)
}
