package match

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
)

type HeaderKeyword struct {
	header  string
	keyword string
}

func (h *HeaderKeyword) Type() RuleType {
	return RuleTypeHeaderKeyword
}

func (h *HeaderKeyword) Match(req *common.Request) bool {
	value := req.Header.Get(h.header)
	return strings.Contains(strings.ToLower(value), h.keyword)
}

func (h *HeaderKeyword) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(h.Type())),
		slog.String("header", h.header),
		slog.String("keyword", h.keyword),
	)
}

func NewHeaderKeyword(rule *config.Rule) *HeaderKeyword {
	return &HeaderKeyword{
		header:  rule.MatchHeader,
		keyword: strings.ToLower(rule.MatchValue),
	}
}

type BodyKeyword struct {
	keyword []byte
}

func (b *BodyKeyword) Type() RuleType {
	return RuleTypeBodyKeyword
}

func (b *BodyKeyword) Match(req *common.Request) bool {
	return len(req.ReqBody) > 0 && bytes.Contains(req.ReqBody, b.keyword)
}

func (b *BodyKeyword) MatchesBody() bool {
	return true
}

func (b *BodyKeyword) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(b.Type())),
		slog.String("keyword", string(b.keyword)),
	)
}

func NewBodyKeyword(rule *config.Rule) *BodyKeyword {
	return &BodyKeyword{keyword: []byte(rule.MatchValue)}
}

// Method matches one of a comma separated list of methods.
type Method struct {
	methods map[string]bool
}

func (m *Method) Type() RuleType {
	return RuleTypeMethod
}

func (m *Method) Match(req *common.Request) bool {
	return m.methods[strings.ToUpper(req.Method)]
}

func (m *Method) LogValue() slog.Value {
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	return slog.GroupValue(
		slog.String("type", string(m.Type())),
		slog.Any("methods", names),
	)
}

func NewMethod(rule *config.Rule) *Method {
	methods := make(map[string]bool)
	for _, name := range strings.Split(rule.MatchValue, ",") {
		if name = strings.ToUpper(strings.TrimSpace(name)); name != "" {
			methods[name] = true
		}
	}
	return &Method{methods: methods}
}

type Final struct{}

func (f *Final) Type() RuleType {
	return RuleTypeFinal
}

func (f *Final) Match(*common.Request) bool {
	return true
}

func (f *Final) LogValue() slog.Value {
	return slog.GroupValue(slog.String("type", string(f.Type())))
}

func NewFinal(*config.Rule) *Final {
	return &Final{}
}
