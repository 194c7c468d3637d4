package common

import (
	"context"
	"net"

	"github.com/ruleflow/ruleflow/internal/urlutil"
)

// RuleSource resolves the directives that apply to a request.
type RuleSource interface {
	ResolveRules(req *Request) *Rules
}

// RuleInitializer is implemented by the base rule source. InitRules recomputes
// req.Rules from scratch, header rules included.
type RuleInitializer interface {
	InitRules(req *Request)
}

type RulesFileResolver interface {
	ResolveRulesFile(ctx context.Context, req *Request) error
}

type BodyFilterResolver interface {
	HasBodyFilter(req *Request) bool
	HasReqScript(req *Request) bool
}

// HeaderRulesInitializer installs the per-request header rules and the
// preliminary directives derived from them.
type HeaderRulesInitializer interface {
	InitHeaderRules(req *Request)
}

// PluginBoundary is everything the pipeline needs from the plugin manager.
type PluginBoundary interface {
	ResolveActivePlugins(req *Request)
	FetchPluginRules(ctx context.Context, req *Request) (RuleSource, error)
	ResolvePipePlugin(ctx context.Context, req *Request) error
	RequestReadPipe(ctx context.Context, req *Request) (net.Conn, error)
	RequestWritePipe(ctx context.Context, req *Request) (net.Conn, error)
	ResponseReadPipe(ctx context.Context, req *Request, res *Response) (net.Conn, error)
	ResponseWritePipe(ctx context.Context, req *Request, res *Response) (net.Conn, error)
}

// StructuredRuleParser turns a urlParams value into query parameters.
type StructuredRuleParser interface {
	Parse(ctx context.Context, text string) (urlutil.Params, error)
}

// RewriteRecorder observes URL rewrites made by urlParams.
type RewriteRecorder interface {
	AddRewriteRecord(host, from, to string)
}
