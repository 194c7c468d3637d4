package urlutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func str(s string) *string { return &s }

func TestFullURL(t *testing.T) {
	tests := []struct {
		scheme, host, path string
		want               string
	}{
		{"http", "example.com", "/a?b=1", "http://example.com/a?b=1"},
		{"https", "example.com:8443", "/", "https://example.com:8443/"},
		{"", "example.com", "x", "http://example.com/x"},
		{"http", "ignored", "https://other.com/p", "https://other.com/p"},
	}
	for _, tt := range tests {
		if got := FullURL(tt.scheme, tt.host, tt.path); got != tt.want {
			t.Errorf("FullURL(%q, %q, %q) = %q, want %q", tt.scheme, tt.host, tt.path, got, tt.want)
		}
	}
}

func TestReplaceQuery(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		params Params
		want   string
	}{
		{"append", "/p", Params{{Key: "a", Value: str("1")}}, "/p?a=1"},
		{"replace in place", "/p?a=1&b=2", Params{{Key: "a", Value: str("x")}}, "/p?a=x&b=2"},
		{"collapse duplicates", "/p?a=1&a=2&c=3", Params{{Key: "a", Value: str("9")}}, "/p?a=9&c=3"},
		{"remove", "/p?a=1&b=2", Params{{Key: "a"}}, "/p?b=2"},
		{"remove last", "/p?a=1", Params{{Key: "a"}}, "/p"},
		{"keeps fragment", "/p?a=1#top", Params{{Key: "b", Value: str("2")}}, "/p?a=1&b=2#top"},
		{"escapes", "/p", Params{{Key: "q", Value: str("a b&c")}}, "/p?q=a+b%26c"},
		{"no params", "/p?a=1", nil, "/p?a=1"},
		{"same value", "/p?a=1", Params{{Key: "a", Value: str("1")}}, "/p?a=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReplaceQuery(tt.url, tt.params); got != tt.want {
				t.Errorf("ReplaceQuery(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestParamsFromMap(t *testing.T) {
	params := ParamsFromMap(map[string]any{"b": 2, "a": "x", "c": nil, "": "skip"})
	if len(params) != 3 {
		t.Fatalf("len = %d, want 3", len(params))
	}
	if params[0].Key != "a" || *params[0].Value != "x" {
		t.Errorf("params[0] = %+v", params[0])
	}
	if params[1].Key != "b" || *params[1].Value != "2" {
		t.Errorf("params[1] = %+v", params[1])
	}
	if params[2].Key != "c" || params[2].Value != nil {
		t.Errorf("params[2] = %+v", params[2])
	}
}

func TestEncodeNonLatin1(t *testing.T) {
	got := EncodeNonLatin1("http://exämple.com/x/ü?q=ß")
	for i := 0; i < len(got); i++ {
		if got[i] >= utf8.RuneSelf {
			t.Fatalf("EncodeNonLatin1 left raw non-ASCII byte in %q", got)
		}
	}
	if !strings.HasPrefix(got, "http://xn--") {
		t.Errorf("host not converted to punycode: %q", got)
	}
	if !strings.Contains(got, "/x/%C3%BC?q=%C3%9F") {
		t.Errorf("path/query not percent-encoded: %q", got)
	}

	ascii := "http://example.com/plain?x=1"
	if got := EncodeNonLatin1(ascii); got != ascii {
		t.Errorf("ASCII URL changed: %q", got)
	}

	withPort := EncodeNonLatin1("https://exämple.com:8443/")
	if !strings.HasSuffix(withPort, ":8443/") {
		t.Errorf("port lost: %q", withPort)
	}
}

func TestParseTarget(t *testing.T) {
	u, err := ParseTarget("HTTP://example.com/a")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if u.Scheme != "http" || TargetAddr(u) != "example.com:80" {
		t.Errorf("got scheme %q addr %q", u.Scheme, TargetAddr(u))
	}
	u, _ = ParseTarget("https://example.com/")
	if TargetAddr(u) != "example.com:443" {
		t.Errorf("https addr = %q", TargetAddr(u))
	}
	if _, err := ParseTarget("/relative"); err == nil {
		t.Error("relative target should fail")
	}
}

func TestIsHTTPURL(t *testing.T) {
	for s, want := range map[string]bool{
		"http://a":    true,
		"HTTPS://a":   true,
		"ws://a":      false,
		"file:///x":   false,
		"example.com": false,
	} {
		if got := IsHTTPURL(s); got != want {
			t.Errorf("IsHTTPURL(%q) = %v", s, got)
		}
	}
}
