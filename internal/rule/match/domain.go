package match

import (
	"log/slog"
	"strings"

	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
)

type Domain struct {
	domain string
}

func (d *Domain) Type() RuleType {
	return RuleTypeDomain
}

func (d *Domain) Match(req *common.Request) bool {
	return hostOf(req) == d.domain
}

func (d *Domain) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(d.Type())),
		slog.String("domain", d.domain),
	)
}

func NewDomain(rule *config.Rule) *Domain {
	return &Domain{domain: strings.ToLower(rule.MatchValue)}
}

type DomainSuffix struct {
	suffix string
}

func (d *DomainSuffix) Type() RuleType {
	return RuleTypeDomainSuffix
}

// Match hits the suffix itself and any subdomain of it.
func (d *DomainSuffix) Match(req *common.Request) bool {
	host := hostOf(req)
	return host == d.suffix || strings.HasSuffix(host, "."+d.suffix)
}

func (d *DomainSuffix) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(d.Type())),
		slog.String("domain_suffix", d.suffix),
	)
}

func NewDomainSuffix(rule *config.Rule) *DomainSuffix {
	return &DomainSuffix{suffix: strings.TrimPrefix(strings.ToLower(rule.MatchValue), ".")}
}

type DomainKeyword struct {
	keyword string
}

func (d *DomainKeyword) Type() RuleType {
	return RuleTypeDomainKeyword
}

func (d *DomainKeyword) Match(req *common.Request) bool {
	return strings.Contains(hostOf(req), d.keyword)
}

func (d *DomainKeyword) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(d.Type())),
		slog.String("domain_keyword", d.keyword),
	)
}

func NewDomainKeyword(rule *config.Rule) *DomainKeyword {
	return &DomainKeyword{keyword: strings.ToLower(rule.MatchValue)}
}
