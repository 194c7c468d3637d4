package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
)

func newReq(t *testing.T, rawURL string, rules *common.Rules) *common.Request {
	t.Helper()
	hreq, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := common.NewRequest(hreq, nil)
	req.ID = "req-1"
	if rules != nil {
		req.Rules = rules
	}
	return req
}

func directive(name, value string) *common.RuleValue {
	return &common.RuleValue{Directive: name, Value: value}
}

func newManager(plugins ...config.Plugin) *Manager {
	return NewManager(&config.Config{
		Plugins:       plugins,
		CacheTTL:      time.Minute,
		PluginTimeout: 2 * time.Second,
	})
}

func TestResolveActivePlugins(t *testing.T) {
	m := newManager(config.Plugin{Name: "a"}, config.Plugin{Name: "b"})
	rules := common.NewRules()
	rules.Plugin = directive(common.DirectivePlugin, "b, missing, a, b")
	req := newReq(t, "http://example.com/", rules)

	m.ResolveActivePlugins(req)
	if len(req.ActivePlugins) != 2 || req.ActivePlugins[0] != "b" || req.ActivePlugins[1] != "a" {
		t.Fatalf("ActivePlugins = %v, want [b a]", req.ActivePlugins)
	}

	req.Rules = common.NewRules()
	m.ResolveActivePlugins(req)
	if len(req.ActivePlugins) != 0 {
		t.Errorf("ActivePlugins = %v, want none", req.ActivePlugins)
	}
}

func TestFetchPluginRulesStaticAndRemote(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var summary requestSummary
		if err := json.NewDecoder(r.Body).Decode(&summary); err != nil {
			t.Errorf("decode summary: %v", err)
		}
		if summary.ID != "req-1" || summary.URL != "http://example.com/a" {
			t.Errorf("summary = %+v", summary)
		}
		_, _ = w.Write([]byte("- type: FINAL\n  directive: rule\n  value: http://remote.example/\n" +
			"- type: FINAL\n  directive: enable\n  value: capture\n"))
	}))
	defer srv.Close()

	m := newManager(
		config.Plugin{
			Name:     "first",
			RulesURL: srv.URL,
		},
		config.Plugin{
			Name: "second",
			Rules: []config.Rule{
				{Type: "FINAL", Directive: "rule", Value: "http://static.example/"},
				{Type: "FINAL", Directive: "rulesFile", Value: "x.yaml"},
			},
		},
	)
	rules := common.NewRules()
	rules.Plugin = directive(common.DirectivePlugin, "first,second")
	req := newReq(t, "http://example.com/a", rules)
	m.ResolveActivePlugins(req)

	src, err := m.FetchPluginRules(context.Background(), req)
	if err != nil {
		t.Fatalf("FetchPluginRules: %v", err)
	}
	got := src.ResolveRules(req)
	if got.Rule == nil || got.Rule.Value != "http://remote.example/" {
		t.Errorf("rule = %v, want value from the first active plugin", got.Rule)
	}
	if got.Enable == nil || got.Enable.Value != "capture" {
		t.Errorf("enable = %v", got.Enable)
	}
	if got.RulesFile == nil {
		t.Errorf("static rules of the second plugin were not consulted")
	}

	if _, err := m.FetchPluginRules(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("remote rules fetched %d times, want 1 (cached)", n)
	}
}

func TestFetchPluginRulesRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newManager(config.Plugin{
		Name:     "p",
		RulesURL: srv.URL,
		Rules:    []config.Rule{{Type: "FINAL", Directive: "enable", Value: "gzip"}},
	})
	rules := common.NewRules()
	rules.Plugin = directive(common.DirectivePlugin, "p")
	req := newReq(t, "http://example.com/", rules)
	m.ResolveActivePlugins(req)

	src, err := m.FetchPluginRules(context.Background(), req)
	var perr *common.PluginError
	if !errors.As(err, &perr) || perr.Plugin != "p" {
		t.Fatalf("err = %v, want *PluginError for p", err)
	}
	if src == nil {
		t.Fatal("static rules dropped on remote failure")
	}
	if got := src.ResolveRules(req); got.Enable == nil || got.Enable.Value != "gzip" {
		t.Errorf("enable = %v", got.Enable)
	}
}

func TestFetchPluginRulesNoActive(t *testing.T) {
	m := newManager(config.Plugin{Name: "p"})
	req := newReq(t, "http://example.com/", nil)
	src, err := m.FetchPluginRules(context.Background(), req)
	if src != nil || err != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", src, err)
	}
}

func TestResolvePipePlugin(t *testing.T) {
	m := newManager(
		config.Plugin{Name: "pipe", Address: "127.0.0.1", Pipe: config.PipeConfig{ReqRead: 9001, ResWrite: 9004}},
		config.Plugin{Name: "plain"},
	)
	tests := []struct {
		name    string
		value   string
		want    common.PipePorts
		wantErr bool
	}{
		{"no directive", "", common.PipePorts{}, false},
		{"pipe plugin", "pipe", common.PipePorts{ReqRead: 9001, ResWrite: 9004}, false},
		{"no ports", "plain", common.PipePorts{}, true},
		{"unknown", "ghost", common.PipePorts{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := common.NewRules()
			if tt.value != "" {
				rules.Pipe = directive(common.DirectivePipe, tt.value)
			}
			req := newReq(t, "http://example.com/", rules)
			err := m.ResolvePipePlugin(context.Background(), req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if req.PipePluginPorts != tt.want {
				t.Errorf("ports = %+v, want %+v", req.PipePluginPorts, tt.want)
			}
		})
	}
}

func TestOpenPipeHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	got := make(chan handshake, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		var h handshake
		if json.Unmarshal(line, &h) == nil {
			got <- h
		}
	}()

	m := newManager(config.Plugin{Name: "pipe", Address: "127.0.0.1", Pipe: config.PipeConfig{ReqRead: port}})
	rules := common.NewRules()
	rules.Pipe = directive(common.DirectivePipe, "pipe")
	req := newReq(t, "http://example.com/p", rules)
	if err := m.ResolvePipePlugin(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	conn, err := m.RequestReadPipe(context.Background(), req)
	if err != nil || conn == nil {
		t.Fatalf("RequestReadPipe = (%v, %v)", conn, err)
	}
	defer func() { _ = conn.Close() }()

	select {
	case h := <-got:
		if h.ID != "req-1" || h.Type != PipeReqRead || h.URL != "http://example.com/p" {
			t.Errorf("handshake = %+v", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake not received")
	}

	if conn, err := m.RequestWritePipe(context.Background(), req); conn != nil || err != nil {
		t.Errorf("RequestWritePipe without port = (%v, %v), want (nil, nil)", conn, err)
	}
}

func TestOpenPipeDialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	m := newManager(config.Plugin{Name: "pipe", Address: "127.0.0.1", Pipe: config.PipeConfig{ResRead: port}})
	rules := common.NewRules()
	rules.Pipe = directive(common.DirectivePipe, "pipe")
	req := newReq(t, "http://example.com/", rules)
	if err := m.ResolvePipePlugin(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	_, err = m.ResponseReadPipe(context.Background(), req, common.NewResponse(req))
	var perr *common.PluginError
	if !errors.As(err, &perr) || perr.Op != PipeResRead {
		t.Errorf("err = %v, want *PluginError for %s on port %s", err, PipeResRead, strconv.Itoa(port))
	}
}
