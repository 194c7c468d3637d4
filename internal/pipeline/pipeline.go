// Package pipeline is the per-transaction middleware: it resolves the rules
// that apply to a request and installs the body codecs used by the proxy.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/log"
	"github.com/ruleflow/ruleflow/internal/urlutil"
)

// BaseRules is the base rule source: it resolves, seeds the header rules
// and answers the body questions asked by the payload gate.
type BaseRules interface {
	common.RuleSource
	common.HeaderRulesInitializer
	common.BodyFilterResolver
}

// NextFunc continues the transaction once the pipeline is set up.
type NextFunc func(ctx context.Context, req *common.Request, res *common.Response) error

// Options wires the collaborators. Any of them may be nil.
type Options struct {
	Rules          BaseRules
	RulesFile      common.RulesFileResolver
	Plugins        common.PluginBoundary
	Parser         common.StructuredRuleParser
	Recorder       common.RewriteRecorder
	MaxPayloadSize int
}

type Pipeline struct {
	rules          BaseRules
	rulesFile      common.RulesFileResolver
	plugins        common.PluginBoundary
	parser         common.StructuredRuleParser
	recorder       common.RewriteRecorder
	maxPayloadSize int
}

func New(opts Options) *Pipeline {
	size := opts.MaxPayloadSize
	if size <= 0 {
		size = config.DefaultMaxPayloadSize
	}
	return &Pipeline{
		rules:          opts.Rules,
		rulesFile:      opts.RulesFile,
		plugins:        opts.Plugins,
		parser:         opts.Parser,
		recorder:       opts.Recorder,
		maxPayloadSize: size,
	}
}

// Serve prepares req and res and hands them to next. It returns next's error;
// every failure before that is logged and degraded.
func (p *Pipeline) Serve(ctx context.Context, req *common.Request, res *common.Response, next NextFunc) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Rules == nil {
		req.Rules = common.NewRules()
	}
	req.RefreshURL()
	req.CaptureOriginEncoding()
	p.installCodecs(req, res)

	if p.rules != nil {
		p.rules.InitHeaderRules(req)
	}
	if p.plugins != nil {
		if err := p.plugins.ResolvePipePlugin(ctx, req); err != nil {
			log.LogWarnWithReq(req, "ResolvePipePlugin", slog.Any("error", err))
		}
	}
	p.gate(ctx, req)
	p.setupRules(ctx, req)

	log.LogDebugWithReq(req, "Rules resolved", slog.Any("rules", req.Rules), slog.Any("target", req.Options))
	return next(ctx, req, res)
}

func (p *Pipeline) setupRules(ctx context.Context, req *common.Request) {
	var base common.RuleSource
	if p.rules != nil {
		base = p.rules
	}
	p.resolveRules(ctx, req, base)

	if p.rulesFile != nil {
		if err := p.rulesFile.ResolveRulesFile(ctx, req); err != nil {
			log.LogWarnWithReq(req, "ResolveRulesFile", slog.Any("error", err))
		}
	}

	req.PluginRules = nil
	if p.plugins != nil {
		p.plugins.ResolveActivePlugins(req)
		src, err := p.plugins.FetchPluginRules(ctx, req)
		if err != nil {
			log.LogWarnWithReq(req, "FetchPluginRules", slog.Any("error", err))
		}
		req.PluginRules = src
	}
	p.resolveRules(ctx, req, req.PluginRules)

	p.finalize(req)
}

// finalize computes the connection target, the raw header spelling index and
// the enable switches.
func (p *Pipeline) finalize(req *common.Request) {
	target := req.FullURL
	if ruleURL := req.Rules.Rule.URL(); ruleURL != "" {
		if !urlutil.HasScheme(ruleURL) {
			ruleURL = req.Scheme + "://" + ruleURL
		}
		if ruleURL != req.FullURL && urlutil.IsHTTPURL(ruleURL) {
			ruleURL = urlutil.EncodeNonLatin1(ruleURL)
		}
		target = ruleURL
	}
	u, err := urlutil.ParseTarget(target)
	if err != nil {
		log.LogWarnWithReq(req, "ParseTarget", slog.String("target", target), slog.Any("error", err))
		u, _ = urlutil.ParseTarget(req.FullURL)
	}
	req.Options = u

	req.RawHeaderNames = common.RawHeaderNames(req.RawHeaders)
	common.EnsureRequiredRawNames(req.RawHeaderNames)
	req.Enable = common.ParseEnable(req.Rules.Enable)
}
