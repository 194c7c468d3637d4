package rule

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"go.yaml.in/yaml/v3"
)

const SourceBase = "base"

// Manager is the base rule source. It owns the configured rules and compiles
// the per-request header rules.
type Manager struct {
	mu         sync.RWMutex
	engine     *Engine
	headerName string
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		engine:     NewEngine(SourceBase, cfg.Rules),
		headerName: cfg.HeaderRulesHeader,
	}
}

// Reload swaps in a new rule list.
func (m *Manager) Reload(rules []config.Rule) {
	e := NewEngine(SourceBase, rules)
	m.mu.Lock()
	m.engine = e
	m.mu.Unlock()
	slog.Info("rules reloaded", slog.Int("count", e.Len()))
}

func (m *Manager) Engine() *Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine
}

func (m *Manager) ResolveRules(req *common.Request) *common.Rules {
	return m.Engine().ResolveRules(req)
}

// InitRules recomputes req.Rules from the base rules with the header rules
// laid over them.
func (m *Manager) InitRules(req *common.Request) {
	rules := m.ResolveRules(req)
	if req.HeaderRules != nil {
		rules.Merge(req.HeaderRules.ResolveRules(req))
	}
	req.Rules = rules
}

// InitHeaderRules compiles the rules carried in the header rules header,
// removes that header from the request and computes the preliminary rules.
func (m *Manager) InitHeaderRules(req *common.Request) {
	name := m.headerName
	if name == "" {
		name = config.DefaultHeaderRulesHeader
	}
	text := req.Header.Get(name)
	if text != "" {
		req.Header.Del(name)
		req.RawHeaders = dropRawHeader(req.RawHeaders, name)
		rules, err := ParseHeaderRules(text)
		if err != nil {
			slog.Warn("ParseHeaderRules", slog.String("id", req.ID), slog.Any("error", err))
		} else if len(rules) > 0 {
			req.HeaderRules = NewEngine("header", rules)
		}
	}
	m.InitRules(req)
}

// HasBodyFilter reports whether a base or header body rule can still decide
// a directive for req.
func (m *Manager) HasBodyFilter(req *common.Request) bool {
	if m.Engine().NeedsBody(req) {
		return true
	}
	if e, ok := req.HeaderRules.(*Engine); ok && e.NeedsBody(req) {
		return true
	}
	return false
}

func (m *Manager) HasReqScript(req *common.Request) bool {
	return req.Rules != nil && req.Rules.ReqScript != nil
}

// ParseHeaderRules decodes a YAML or JSON rule list. A plain mapping of
// directive to value is accepted as a list of FINAL rules. Percent-encoded
// input is unescaped first.
func ParseHeaderRules(text string) ([]config.Rule, error) {
	text = strings.TrimSpace(text)
	if strings.Contains(text, "%") {
		if unescaped, err := url.QueryUnescape(text); err == nil {
			text = unescaped
		}
	}
	if text == "" {
		return nil, nil
	}

	var rules []config.Rule
	listErr := yaml.Unmarshal([]byte(text), &rules)
	if listErr == nil {
		config.NormalizeRules(rules)
		return rules, nil
	}

	var directives map[string]string
	if err := yaml.Unmarshal([]byte(text), &directives); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal: %w", listErr)
	}
	names := make([]string, 0, len(directives))
	for name := range directives {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rules = append(rules, config.Rule{Type: "FINAL", Directive: name, Value: directives[name]})
	}
	return rules, nil
}

func dropRawHeader(raw []string, name string) []string {
	if len(raw)%2 != 0 {
		return raw
	}
	out := raw[:0:0]
	for i := 0; i < len(raw); i += 2 {
		if strings.EqualFold(raw[i], name) {
			continue
		}
		out = append(out, raw[i], raw[i+1])
	}
	return out
}
