// Package match holds the request matchers rules are built from.
package match

import (
	"log/slog"
	"strings"

	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
)

type RuleType string

const (
	RuleTypeDomain        RuleType = "DOMAIN"
	RuleTypeDomainSuffix  RuleType = "DOMAIN-SUFFIX"
	RuleTypeDomainKeyword RuleType = "DOMAIN-KEYWORD"
	RuleTypeDomainSet     RuleType = "DOMAIN-SET"
	RuleTypeURLRegex      RuleType = "URL-REGEX"
	RuleTypeHeaderKeyword RuleType = "HEADER-KEYWORD"
	RuleTypeHeaderRegex   RuleType = "HEADER-REGEX"
	RuleTypeMethod        RuleType = "METHOD"
	RuleTypeBodyKeyword   RuleType = "BODY-KEYWORD"
	RuleTypeBodyRegex     RuleType = "BODY-REGEX"
	RuleTypeIPCIDR        RuleType = "IP-CIDR"
	RuleTypeSrcIP         RuleType = "SRC-IP"
	RuleTypeDestPort      RuleType = "DEST-PORT"
	RuleTypeFinal         RuleType = "FINAL"
)

type Matcher interface {
	Type() RuleType
	Match(req *common.Request) bool
}

// BodyMatcher is implemented by matchers that inspect the request body, which
// forces the body to be buffered before rules resolve.
type BodyMatcher interface {
	Matcher
	MatchesBody() bool
}

// New builds the matcher for rule, or nil when the rule cannot be compiled.
func New(rule *config.Rule) Matcher {
	switch RuleType(rule.Type) {
	case RuleTypeDomain:
		return NewDomain(rule)
	case RuleTypeDomainSuffix:
		return NewDomainSuffix(rule)
	case RuleTypeDomainKeyword:
		return NewDomainKeyword(rule)
	case RuleTypeDomainSet:
		return NewDomainSet(rule)
	case RuleTypeHeaderKeyword:
		return NewHeaderKeyword(rule)
	case RuleTypeMethod:
		return NewMethod(rule)
	case RuleTypeBodyKeyword:
		return NewBodyKeyword(rule)
	case RuleTypeFinal:
		return NewFinal(rule)
	case RuleTypeURLRegex:
		if m := NewURLRegex(rule); m != nil {
			return m
		}
	case RuleTypeHeaderRegex:
		if m := NewHeaderRegex(rule); m != nil {
			return m
		}
	case RuleTypeBodyRegex:
		if m := NewBodyRegex(rule); m != nil {
			return m
		}
	case RuleTypeIPCIDR:
		if m := NewIPCIDR(rule); m != nil {
			return m
		}
	case RuleTypeSrcIP:
		if m := NewSrcIP(rule); m != nil {
			return m
		}
	case RuleTypeDestPort:
		if m := NewDestPort(rule); m != nil {
			return m
		}
	default:
		slog.Warn("Unsupported rule type", slog.String("type", rule.Type))
	}
	return nil
}

func hostOf(req *common.Request) string {
	return strings.ToLower(req.Hostname())
}
