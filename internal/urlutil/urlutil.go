// Package urlutil holds the URL helpers the pipeline relies on: full URL
// construction, query rewriting and request-line safe encoding.
package urlutil

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Param is one query parameter to apply. A nil Value removes the key.
type Param struct {
	Key   string
	Value *string
}

// Params is an ordered parameter set.
type Params []Param

// ParamsFromMap builds Params from a decoded structure, sorted by key.
// nil values become removals; everything else is formatted with %v.
func ParamsFromMap(m map[string]any) Params {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make(Params, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		v := m[k]
		if v == nil {
			params = append(params, Param{Key: k})
			continue
		}
		s := fmt.Sprint(v)
		params = append(params, Param{Key: k, Value: &s})
	}
	return params
}

// IsHTTPURL reports whether s starts with an http or https scheme.
func IsHTTPURL(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http:") || strings.HasPrefix(l, "https:")
}

// HasScheme reports whether s starts with "scheme://".
func HasScheme(s string) bool {
	i := strings.Index(s, "://")
	if i <= 0 {
		return false
	}
	for _, c := range s[:i] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}

// FullURL joins scheme, host and a path-only URL. A URL that already carries
// a scheme is returned unchanged.
func FullURL(scheme, host, path string) string {
	if HasScheme(path) {
		return path
	}
	if scheme == "" {
		scheme = "http"
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return scheme + "://" + host + path
}

// ReplaceQuery applies params to the query string of rawURL. Existing keys
// are replaced in place (duplicates collapse to one), new keys are appended
// in the order given, removals drop every occurrence. The path and fragment
// are left untouched, as is the encoding of untouched pairs.
func ReplaceQuery(rawURL string, params Params) string {
	if len(params) == 0 {
		return rawURL
	}
	base, frag := rawURL, ""
	if i := strings.IndexByte(base, '#'); i >= 0 {
		base, frag = base[:i], base[i:]
	}
	query := ""
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base, query = base[:i], base[i+1:]
	}

	var pairs []string
	if query != "" {
		pairs = strings.Split(query, "&")
	}
	for _, p := range params {
		found := false
		kept := pairs[:0:0]
		for _, pair := range pairs {
			if pairKey(pair) != p.Key {
				kept = append(kept, pair)
				continue
			}
			if p.Value != nil && !found {
				kept = append(kept, encodePair(p.Key, *p.Value))
			}
			found = true
		}
		if !found && p.Value != nil {
			kept = append(kept, encodePair(p.Key, *p.Value))
		}
		pairs = kept
	}

	out := base
	if len(pairs) > 0 {
		out += "?" + strings.Join(pairs, "&")
	}
	return out + frag
}

func pairKey(pair string) string {
	k := pair
	if i := strings.IndexByte(pair, '='); i >= 0 {
		k = pair[:i]
	}
	if dk, err := url.QueryUnescape(k); err == nil {
		return dk
	}
	return k
}

func encodePair(k, v string) string {
	return url.QueryEscape(k) + "=" + url.QueryEscape(v)
}

// EncodeNonLatin1 makes a rule-authored absolute URL safe for a request line:
// the host is converted to its ASCII (punycode) form and every non-ASCII byte
// elsewhere is percent-encoded. ASCII input is returned unchanged.
func EncodeNonLatin1(raw string) string {
	if isASCII(raw) {
		return raw
	}
	i := strings.Index(raw, "://")
	if i < 0 {
		return percentEncodeNonASCII(raw)
	}
	scheme, rest := raw[:i+3], raw[i+3:]
	hostEnd := strings.IndexAny(rest, "/?#")
	if hostEnd < 0 {
		hostEnd = len(rest)
	}
	authority, tail := rest[:hostEnd], rest[hostEnd:]

	userinfo := ""
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		userinfo, authority = percentEncodeNonASCII(authority[:at+1]), authority[at+1:]
	}
	host, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		host, port = h, p
	}
	if !isASCII(host) {
		if ascii, err := idna.Lookup.ToASCII(host); err == nil {
			host = ascii
		} else {
			host = percentEncodeNonASCII(host)
		}
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}
	return scheme + userinfo + host + percentEncodeNonASCII(tail)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func percentEncodeNonASCII(s string) string {
	if isASCII(s) {
		return s
	}
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < utf8.RuneSelf {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

// ParseTarget parses the connection target of a request.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("url.Parse: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("target %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// DefaultPort returns the well-known port for scheme.
func DefaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return "443"
	}
	return "80"
}

// TargetAddr returns host:port for dialing u.
func TargetAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = DefaultPort(u.Scheme)
	}
	return net.JoinHostPort(u.Hostname(), port)
}
