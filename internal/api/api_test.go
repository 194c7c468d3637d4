package api

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ruleflow/ruleflow/internal/config"
	applog "github.com/ruleflow/ruleflow/internal/log"
	"github.com/ruleflow/ruleflow/internal/plugin"
	"github.com/ruleflow/ruleflow/internal/rule"
	"github.com/ruleflow/ruleflow/internal/statistics"
)

func newTestServer(t *testing.T, secret string) (*httptest.Server, Deps) {
	t.Helper()
	cfg := &config.Config{
		APIServerSecret: secret,
		Rules: []config.Rule{
			{Type: "DOMAIN", MatchValue: "example.com", Directive: "urlParams", Value: "a=1"},
			{Type: "FINAL", Directive: "enable", Value: "gzip"},
		},
		Plugins: []config.Plugin{{Name: "inspect", Address: "127.0.0.1"}},
	}
	dir := t.TempDir()
	deps := Deps{
		Rules:    rule.NewManager(cfg),
		Plugins:  plugin.NewManager(cfg),
		Recorder: statistics.New(func(name string) string { return filepath.Join(dir, name) }),
		Logs:     applog.NewBroadcaster(),
	}
	s := New("127.0.0.1:0", "v1.2.3", cfg, deps)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, deps
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestVersion(t *testing.T) {
	srv, _ := newTestServer(t, "")
	var got map[string]string
	if code := getJSON(t, srv.URL+"/version", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got["version"] != "v1.2.3" {
		t.Errorf("version = %q", got["version"])
	}
}

func TestConfigHidesSecret(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/config")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(data), "api-server-secret") {
		t.Errorf("config exposes the secret field: %s", data)
	}
}

func TestRules(t *testing.T) {
	srv, _ := newTestServer(t, "")

	var rules []config.Rule
	getJSON(t, srv.URL+"/rules", &rules)
	if len(rules) != 2 {
		t.Fatalf("rules = %+v", rules)
	}

	var filtered []config.Rule
	getJSON(t, srv.URL+"/rules/urlparams", &filtered)
	if len(filtered) != 1 || filtered[0].Value != "a=1" {
		t.Errorf("urlParams rules = %+v", filtered)
	}
}

func TestReloadRules(t *testing.T) {
	srv, deps := newTestServer(t, "")

	body := "- type: domain-suffix\n  match-value: example.org\n  directive: enable\n  value: capture\n"
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/rules", strings.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if n := deps.Rules.Engine().Len(); n != 1 {
		t.Errorf("engine has %d rules after reload, want 1", n)
	}

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/rules", strings.NewReader("{not: [valid"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid body status = %d, want 400", resp.StatusCode)
	}
}

func TestPlugins(t *testing.T) {
	srv, _ := newTestServer(t, "")
	var plugins []map[string]any
	getJSON(t, srv.URL+"/plugins", &plugins)
	if len(plugins) != 1 || plugins[0]["name"] != "inspect" {
		t.Errorf("plugins = %+v", plugins)
	}
	if code := getJSON(t, srv.URL+"/plugins/ghost", nil); code != http.StatusNotFound {
		t.Errorf("unknown plugin status = %d", code)
	}
}

func TestStats(t *testing.T) {
	srv, deps := newTestServer(t, "")
	deps.Recorder.AddConnectionRecord(&statistics.ConnectionRecord{ID: "c1", Kind: "tunnel", SrcAddr: "a", DestAddr: "b"})

	var snap statistics.Snapshot
	getJSON(t, srv.URL+"/stats", &snap)
	if len(snap.Connections) != 1 || snap.Connections[0].ID != "c1" {
		t.Errorf("connections = %+v", snap.Connections)
	}
	if snap.Rewrites == nil {
		t.Error("rewrites should encode as an empty list")
	}
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"version is public", "/version", "", http.StatusOK},
		{"no token", "/config", "", http.StatusUnauthorized},
		{"wrong token", "/config", "Bearer nope", http.StatusUnauthorized},
		{"query token", "/config?secret=s3cret", "", http.StatusOK},
		{"bearer token", "/config", "Bearer s3cret", http.StatusOK},
		{"profiler guarded", "/debug/pprof/", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestListenServeClose(t *testing.T) {
	s := New("127.0.0.1:0", "v1", &config.Config{}, Deps{})
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	if code := getJSON(t, "http://"+s.Addr()+"/version", nil); code != http.StatusOK {
		t.Errorf("status = %d", code)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after Close", err)
	}
}

func TestPurge(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp, err := http.Post(srv.URL+"/cache/purge", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestLogsStreamFiltersLevel(t *testing.T) {
	srv, deps := newTestServer(t, "")
	_, _ = deps.Logs.Write([]byte("time=x level=INFO msg=quiet\n"))
	_, _ = deps.Logs.Write([]byte("time=x level=WARN msg=loud\n"))

	if code := getJSON(t, srv.URL+"/logs?level=chatty", nil); code != http.StatusBadRequest {
		t.Errorf("bad level status = %d, want 400", code)
	}

	resp, err := http.Get(srv.URL + "/logs?level=warn")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "msg=loud") {
		t.Errorf("first streamed line = %q, want the WARN line", line)
	}
}

func TestLogsWebSocket(t *testing.T) {
	srv, deps := newTestServer(t, "")
	_, _ = deps.Logs.Write([]byte("time=x level=ERROR msg=boom\n"))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/logs", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(msg), "msg=boom") {
		t.Errorf("message = %q", msg)
	}
}

func TestLineLevel(t *testing.T) {
	tests := []struct {
		line string
		want slog.Level
	}{
		{"time=x level=DEBUG msg=a", slog.LevelDebug},
		{"time=x level=WARN msg=a\n", slog.LevelWarn},
		{"time=x level=INFO+2 msg=a", slog.LevelInfo + 2},
		{"no level here", slog.LevelError},
		{"level=NOPE", slog.LevelError},
	}
	for _, tt := range tests {
		if got := lineLevel([]byte(tt.line)); got != tt.want {
			t.Errorf("lineLevel(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}
