// Package rulesfile loads the rule files named by the rulesFile directive.
package rulesfile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/rule"
)

const cacheSize = 128

var ErrNoRulesDir = errors.New("rules-dir not configured")

type entry struct {
	modTime int64
	engine  *rule.Engine
}

// Resolver compiles rule files relative to the rules directory and caches the
// engines by path and modification time.
type Resolver struct {
	dir   string
	cache *expirable.LRU[string, entry]
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		dir:   cfg.RulesDir,
		cache: expirable.NewLRU[string, entry](cacheSize, nil, cfg.CacheTTL),
	}
}

// ResolveRulesFile overlays the directives of the file named by req's
// rulesFile directive onto req.Rules. Header rules are laid over the result
// again so they keep precedence.
func (r *Resolver) ResolveRulesFile(ctx context.Context, req *common.Request) error {
	v := req.Rules.RulesFile
	if v == nil || strings.TrimSpace(v.Value) == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	engine, err := r.Load(v.Value)
	if err != nil {
		return err
	}
	rs := engine.ResolveRules(req)
	rs.Del(common.DirectiveRulesFile)
	req.Rules.Merge(rs)
	if req.HeaderRules != nil {
		hr := req.HeaderRules.ResolveRules(req)
		hr.Del(common.DirectiveRulesFile)
		req.Rules.Merge(hr)
	}
	slog.Debug("rules file applied", slog.String("id", req.ID), slog.String("file", v.Value), slog.Int("directives", rs.Len()))
	return nil
}

// Load returns the compiled engine for name.
func (r *Resolver) Load(name string) (*rule.Engine, error) {
	name = strings.TrimSpace(name)
	if r.dir == "" {
		return nil, &common.RulesFileError{Path: name, Err: ErrNoRulesDir}
	}
	path := filepath.Join(r.dir, filepath.Clean("/"+name))
	info, err := os.Stat(path)
	if err != nil {
		return nil, &common.RulesFileError{Path: path, Err: err}
	}
	if e, ok := r.cache.Get(path); ok && e.modTime == info.ModTime().UnixNano() {
		return e.engine, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &common.RulesFileError{Path: path, Err: err}
	}
	rules, err := rule.ParseRules(data)
	if err != nil {
		return nil, &common.RulesFileError{Path: path, Err: err}
	}
	engine := rule.NewEngine("rulesFile:"+name, rules)
	r.cache.Add(path, entry{modTime: info.ModTime().UnixNano(), engine: engine})
	slog.Info("rules file loaded", slog.String("path", path), slog.Int("rules", engine.Len()))
	return engine, nil
}

// Purge drops every compiled rules file.
func (r *Resolver) Purge() {
	r.cache.Purge()
}
