package match

import (
	"log/slog"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
)

const matchTimeout = 100 * time.Millisecond

func compile(pattern string) *regexp2.Regexp {
	regex, err := regexp2.Compile("(?i)"+pattern, regexp2.None)
	if err != nil {
		slog.Error("regexp2.Compile", slog.String("regex", pattern), slog.Any("error", err))
		return nil
	}
	regex.MatchTimeout = matchTimeout
	return regex
}

func matchString(regex *regexp2.Regexp, s string) bool {
	ok, err := regex.MatchString(s)
	if err != nil {
		slog.Warn("regex.MatchString", slog.String("regex", regex.String()), slog.Any("error", err))
		return false
	}
	return ok
}

// URLRegex matches the current full URL of the request.
type URLRegex struct {
	regex *regexp2.Regexp
}

func (u *URLRegex) Type() RuleType {
	return RuleTypeURLRegex
}

func (u *URLRegex) Match(req *common.Request) bool {
	return matchString(u.regex, req.FullURL)
}

func (u *URLRegex) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(u.Type())),
		slog.String("url_regex", u.regex.String()),
	)
}

func NewURLRegex(rule *config.Rule) *URLRegex {
	regex := compile(rule.MatchValue)
	if regex == nil {
		return nil
	}
	return &URLRegex{regex: regex}
}

type HeaderRegex struct {
	header string
	regex  *regexp2.Regexp
}

func (h *HeaderRegex) Type() RuleType {
	return RuleTypeHeaderRegex
}

func (h *HeaderRegex) Match(req *common.Request) bool {
	return matchString(h.regex, req.Header.Get(h.header))
}

func (h *HeaderRegex) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(h.Type())),
		slog.String("header", h.header),
		slog.String("regex", h.regex.String()),
	)
}

func NewHeaderRegex(rule *config.Rule) *HeaderRegex {
	regex := compile(rule.MatchValue)
	if regex == nil {
		return nil
	}
	return &HeaderRegex{header: rule.MatchHeader, regex: regex}
}

// BodyRegex matches the buffered request body. It never matches a body that
// was not buffered.
type BodyRegex struct {
	regex *regexp2.Regexp
}

func (b *BodyRegex) Type() RuleType {
	return RuleTypeBodyRegex
}

func (b *BodyRegex) Match(req *common.Request) bool {
	if len(req.ReqBody) == 0 {
		return false
	}
	return matchString(b.regex, string(req.ReqBody))
}

func (b *BodyRegex) MatchesBody() bool {
	return true
}

func (b *BodyRegex) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(b.Type())),
		slog.String("regex", b.regex.String()),
	)
}

func NewBodyRegex(rule *config.Rule) *BodyRegex {
	regex := compile(rule.MatchValue)
	if regex == nil {
		return nil
	}
	return &BodyRegex{regex: regex}
}
