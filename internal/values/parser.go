package values

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/ruleflow/ruleflow/internal/urlutil"
	"go.yaml.in/yaml/v3"
)

const maxDepth = 4

var refPattern = regexp2.MustCompile(`^\{\s*([\w.\-/]+)\s*\}$`, regexp2.None)

// Parser parses urlParams values. Accepted forms:
//
//	{a: 1, b: null}     inline YAML or JSON object, null removes the key
//	a=1&b=2, (a=1&b=2)  query form
//	{name}              named value from the store
//	https://host/x      remote value
type Parser struct {
	store *Store
}

func NewParser(store *Store) *Parser {
	return &Parser{store: store}
}

func (p *Parser) Parse(ctx context.Context, text string) (urlutil.Params, error) {
	return p.parse(ctx, text, 0)
}

func (p *Parser) parse(ctx context.Context, text string, depth int) (urlutil.Params, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("value nesting deeper than %d", maxDepth)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	// A reference never falls back to inline YAML, where {name} would read
	// as a request to drop the name parameter.
	if name := refName(text); name != "" {
		if p.store == nil {
			return nil, fmt.Errorf("value %q: %w", name, ErrNotFound)
		}
		v, err := p.store.Get(name)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", name, err)
		}
		return p.fromValue(ctx, v, depth)
	}

	if urlutil.IsHTTPURL(text) && p.store != nil {
		body, err := p.store.Fetch(ctx, text)
		if err != nil {
			return nil, err
		}
		return p.parse(ctx, body, depth+1)
	}

	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		return parseQuery(text[1 : len(text)-1])
	}

	if strings.HasPrefix(text, "{") || strings.Contains(text, "\n") || strings.Contains(text, ": ") {
		var m map[string]any
		if err := yaml.Unmarshal([]byte(text), &m); err != nil {
			return nil, fmt.Errorf("yaml.Unmarshal: %w", err)
		}
		return urlutil.ParamsFromMap(m), nil
	}

	return parseQuery(text)
}

func refName(text string) string {
	m, err := refPattern.FindStringMatch(text)
	if err != nil || m == nil {
		return ""
	}
	return m.GroupByNumber(1).String()
}

func (p *Parser) fromValue(ctx context.Context, v any, depth int) (urlutil.Params, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return p.parse(ctx, t, depth+1)
	case map[string]any:
		return urlutil.ParamsFromMap(t), nil
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = val
		}
		return urlutil.ParamsFromMap(m), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// parseQuery keeps the order of the pairs. A key without "=" gets an empty value.
func parseQuery(text string) (urlutil.Params, error) {
	var params urlutil.Params
	for _, pair := range strings.Split(text, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("url.QueryUnescape: %w", err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("url.QueryUnescape: %w", err)
		}
		if key == "" {
			continue
		}
		params = append(params, urlutil.Param{Key: key, Value: &value})
	}
	return params, nil
}
