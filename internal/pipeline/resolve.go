package pipeline

import (
	"context"
	"log/slog"

	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/log"
	"github.com/ruleflow/ruleflow/internal/urlutil"
)

// resolveRules merges the rules of src into req.Rules and applies the
// urlParams rewrite. After a rewrite the rules are resolved once more against
// the new URL; header rules keep precedence and the urlParams value that
// caused the rewrite is kept.
func (p *Pipeline) resolveRules(ctx context.Context, req *common.Request, src common.RuleSource) {
	if src == nil {
		return
	}
	req.RefreshURL()
	if init, ok := src.(common.RuleInitializer); ok {
		init.InitRules(req)
	} else {
		rs := src.ResolveRules(req)
		rs.Del(common.DirectiveRulesFile)
		req.Rules.Del(common.DirectiveRulesFile)
		req.Rules.Merge(rs)
	}

	up := req.Rules.URLParams
	if up == nil || p.parser == nil {
		return
	}
	params, err := p.parser.Parse(ctx, up.Value)
	if err != nil {
		log.LogDebugWithReq(req, "urlParams ignored", slog.String("value", up.Value), slog.Any("error", err))
		return
	}
	if len(params) == 0 {
		return
	}
	newURL := urlutil.ReplaceQuery(req.URL, params)
	if newURL == req.URL {
		return
	}

	from := req.FullURL
	req.SetURL(newURL)
	primary := src.ResolveRules(req)
	if _, ok := src.(common.RuleInitializer); !ok {
		primary.Del(common.DirectiveRulesFile)
	}
	if req.HeaderRules != nil {
		primary.Merge(req.HeaderRules.ResolveRules(req))
	}
	primary.URLParams = up
	req.Rules = primary

	log.LogDebugWithReq(req, "URL rewritten", slog.String("from", from))
	if p.recorder != nil {
		p.recorder.AddRewriteRecord(req.Hostname(), from, req.FullURL)
	}
}
