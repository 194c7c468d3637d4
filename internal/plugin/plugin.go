// Package plugin manages the external plugins that contribute rules and body
// transform pipes.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/rule"
)

const (
	cacheSize     = 512
	maxRulesBytes = 1 << 20
)

// Pipe types sent in the handshake line.
const (
	PipeReqRead  = "reqRead"
	PipeReqWrite = "reqWrite"
	PipeResRead  = "resRead"
	PipeResWrite = "resWrite"
)

type Plugin struct {
	config.Plugin
	static *rule.Engine
}

func (p *Plugin) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", p.Name),
		slog.String("address", p.Address),
		slog.Int("rules", p.static.Len()),
	)
}

// Manager implements common.PluginBoundary over the configured plugins.
type Manager struct {
	plugins map[string]*Plugin
	order   []string
	client  *http.Client
	dialer  *net.Dialer
	cache   *expirable.LRU[string, *rule.Engine]
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		plugins: make(map[string]*Plugin, len(cfg.Plugins)),
		client:  &http.Client{Timeout: cfg.PluginTimeout},
		dialer:  &net.Dialer{Timeout: cfg.PluginTimeout},
		cache:   expirable.NewLRU[string, *rule.Engine](cacheSize, nil, cfg.CacheTTL),
	}
	for _, pc := range cfg.Plugins {
		p := &Plugin{Plugin: pc, static: rule.NewEngine("plugin:"+pc.Name, pc.Rules)}
		m.plugins[pc.Name] = p
		m.order = append(m.order, pc.Name)
	}
	return m
}

func (m *Manager) Plugin(name string) (*Plugin, bool) {
	p, ok := m.plugins[name]
	return p, ok
}

// Plugins returns the registered plugins in configuration order.
func (m *Manager) Plugins() []*Plugin {
	out := make([]*Plugin, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.plugins[name])
	}
	return out
}

// ResolveActivePlugins sets req.ActivePlugins from the plugin directive.
// Unknown names are logged and skipped; duplicates collapse.
func (m *Manager) ResolveActivePlugins(req *common.Request) {
	req.ActivePlugins = nil
	seen := make(map[string]bool)
	for _, name := range req.Rules.Plugin.List() {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := m.plugins[name]; !ok {
			slog.Warn("unknown plugin", slog.String("id", req.ID), slog.String("plugin", name))
			continue
		}
		req.ActivePlugins = append(req.ActivePlugins, name)
	}
}

// FetchPluginRules collects the rules of every active plugin. A plugin whose
// remote rules fail still contributes its static rules.
func (m *Manager) FetchPluginRules(ctx context.Context, req *common.Request) (common.RuleSource, error) {
	if len(req.ActivePlugins) == 0 {
		return nil, nil
	}
	var (
		set  ruleSet
		errs []error
	)
	for _, name := range req.ActivePlugins {
		p := m.plugins[name]
		if p.static.Len() > 0 {
			set = append(set, p.static)
		}
		if p.RulesURL == "" {
			continue
		}
		remote, err := m.remoteRules(ctx, p, req)
		if err != nil {
			errs = append(errs, &common.PluginError{Plugin: name, Op: "rules", Err: err})
			continue
		}
		set = append(set, remote)
	}
	if len(set) == 0 {
		return nil, errors.Join(errs...)
	}
	return set, errors.Join(errs...)
}

type requestSummary struct {
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	URL     string        `json:"url"`
	Headers http.Header   `json:"headers"`
	Rules   *common.Rules `json:"rules"`
}

func (m *Manager) remoteRules(ctx context.Context, p *Plugin, req *common.Request) (*rule.Engine, error) {
	key := p.Name + " " + req.Method + " " + req.FullURL
	if e, ok := m.cache.Get(key); ok {
		return e, nil
	}

	body, err := json.Marshal(requestSummary{
		ID:      req.ID,
		Method:  req.Method,
		URL:     req.FullURL,
		Headers: req.Header,
		Rules:   req.Rules,
	})
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.RulesURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := m.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("http.Do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		e := rule.NewEngine("plugin:"+p.Name+":remote", nil)
		m.cache.Add(key, e)
		return e, nil
	default:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRulesBytes))
	if err != nil {
		return nil, fmt.Errorf("io.ReadAll: %w", err)
	}
	rules, err := rule.ParseRules(data)
	if err != nil {
		return nil, err
	}
	e := rule.NewEngine("plugin:"+p.Name+":remote", rules)
	m.cache.Add(key, e)
	slog.Debug("plugin rules fetched", slog.String("id", req.ID), slog.String("plugin", p.Name),
		slog.Int("rules", e.Len()), slog.Duration("took", time.Since(start)))
	return e, nil
}

// ruleSet resolves several engines; earlier engines win per directive.
type ruleSet []*rule.Engine

func (s ruleSet) ResolveRules(req *common.Request) *common.Rules {
	rules := common.NewRules()
	for i := len(s) - 1; i >= 0; i-- {
		rules.Merge(s[i].ResolveRules(req))
	}
	return rules
}

// ResolvePipePlugin selects the pipe plugin named by the pipe directive and
// records its ports on req.
func (m *Manager) ResolvePipePlugin(ctx context.Context, req *common.Request) error {
	req.PipePlugin = ""
	req.PipePluginPorts = common.PipePorts{}
	names := req.Rules.Pipe.List()
	if len(names) == 0 {
		return nil
	}
	name := names[0]
	p, ok := m.plugins[name]
	if !ok {
		return &common.PluginError{Plugin: name, Op: "pipe", Err: errors.New("plugin not registered")}
	}
	if p.Pipe.Empty() {
		return &common.PluginError{Plugin: name, Op: "pipe", Err: errors.New("plugin has no pipe ports")}
	}
	req.PipePlugin = name
	req.PipePluginPorts = common.PipePorts{
		ReqRead:  p.Pipe.ReqRead,
		ReqWrite: p.Pipe.ReqWrite,
		ResRead:  p.Pipe.ResRead,
		ResWrite: p.Pipe.ResWrite,
	}
	return ctx.Err()
}

func (m *Manager) RequestReadPipe(ctx context.Context, req *common.Request) (net.Conn, error) {
	return m.openPipe(ctx, req, PipeReqRead, req.PipePluginPorts.ReqRead)
}

func (m *Manager) RequestWritePipe(ctx context.Context, req *common.Request) (net.Conn, error) {
	return m.openPipe(ctx, req, PipeReqWrite, req.PipePluginPorts.ReqWrite)
}

func (m *Manager) ResponseReadPipe(ctx context.Context, req *common.Request, res *common.Response) (net.Conn, error) {
	return m.openPipe(ctx, req, PipeResRead, req.PipePluginPorts.ResRead)
}

func (m *Manager) ResponseWritePipe(ctx context.Context, req *common.Request, res *common.Response) (net.Conn, error) {
	return m.openPipe(ctx, req, PipeResWrite, req.PipePluginPorts.ResWrite)
}

type handshake struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// openPipe dials the plugin and sends the one-line JSON handshake. A zero
// port means no pipe for that stream.
func (m *Manager) openPipe(ctx context.Context, req *common.Request, typ string, port int) (net.Conn, error) {
	if port == 0 || req.PipePlugin == "" {
		return nil, nil
	}
	p := m.plugins[req.PipePlugin]
	addr := net.JoinHostPort(p.Address, strconv.Itoa(port))
	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &common.PluginError{Plugin: p.Name, Op: typ, Err: err}
	}
	line, err := json.Marshal(handshake{ID: req.ID, Type: typ, URL: req.FullURL})
	if err != nil {
		_ = conn.Close()
		return nil, &common.PluginError{Plugin: p.Name, Op: typ, Err: err}
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		_ = conn.Close()
		return nil, &common.PluginError{Plugin: p.Name, Op: typ, Err: err}
	}
	slog.Debug("plugin pipe opened", slog.String("id", req.ID), slog.String("plugin", p.Name),
		slog.String("type", typ), slog.String("addr", addr))
	return conn, nil
}

// Purge drops the cached remote rules.
func (m *Manager) Purge() {
	m.cache.Purge()
}
