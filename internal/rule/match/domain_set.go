package match

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/urlutil"
)

const domainSetTimeout = 30 * time.Second

// DomainSet matches hosts against a suffix list loaded from a local file or a
// remote URL. It matches nothing until the list has loaded.
type DomainSet struct {
	source string

	mu      sync.RWMutex
	domains map[string]struct{}
	loaded  chan struct{}
}

func (d *DomainSet) Type() RuleType {
	return RuleTypeDomainSet
}

func (d *DomainSet) Match(req *common.Request) bool {
	host := hostOf(req)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for {
		if _, ok := d.domains[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
}

// Wait blocks until the list has been loaded or ctx is done.
func (d *DomainSet) Wait(ctx context.Context) error {
	select {
	case <-d.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DomainSet) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.domains)
}

func (d *DomainSet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(d.Type())),
		slog.String("source", d.source),
	)
}

func NewDomainSet(rule *config.Rule) *DomainSet {
	d := &DomainSet{
		source: rule.MatchValue,
		loaded: make(chan struct{}),
	}
	go func() {
		defer close(d.loaded)
		ctx, cancel := context.WithTimeout(context.Background(), domainSetTimeout)
		defer cancel()
		if err := d.load(ctx); err != nil {
			slog.Error("failed to load domain set", slog.String("source", d.source), slog.Any("error", err))
			return
		}
		slog.Info("domain set loaded", slog.String("source", d.source), slog.Int("count", d.Len()))
	}()
	return d
}

func (d *DomainSet) load(ctx context.Context) error {
	var (
		data []byte
		err  error
	)
	if urlutil.IsHTTPURL(d.source) {
		data, err = fetch(ctx, d.source)
	} else {
		data, err = os.ReadFile(d.source)
	}
	if err != nil {
		return err
	}
	domains := parseDomainList(data)
	d.mu.Lock()
	d.domains = domains
	d.mu.Unlock()
	return nil
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http.Do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// parseDomainList reads one domain per line, skipping blanks and # comments.
// A leading "." or "+." is accepted and ignored.
func parseDomainList(data []byte) map[string]struct{} {
	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "+")
		line = strings.TrimPrefix(line, ".")
		domains[strings.ToLower(line)] = struct{}{}
	}
	return domains
}
