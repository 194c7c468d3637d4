// Package values resolves named values and parses structured rule values
// into query parameters.
package values

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ruleflow/ruleflow/internal/config"
)

const (
	cacheSize     = 256
	maxValueBytes = 1 << 20
)

var ErrNotFound = errors.New("value not found")

var fileExts = []string{"", ".yaml", ".yml", ".json", ".txt"}

// Store looks values up in the configured values map, then in values-dir,
// and fetches http(s) values remotely. File and remote values are cached.
type Store struct {
	inline map[string]any
	dir    string
	client *http.Client
	cache  *expirable.LRU[string, string]
}

func NewStore(cfg *config.Config) *Store {
	inline := make(map[string]any, len(cfg.Values))
	for k, v := range cfg.Values {
		inline[strings.ToLower(k)] = v
	}
	return &Store{
		inline: inline,
		dir:    cfg.ValuesDir,
		client: &http.Client{Timeout: cfg.PluginTimeout},
		cache:  expirable.NewLRU[string, string](cacheSize, nil, cfg.CacheTTL),
	}
}

// Get returns a named value: a decoded structure for configured values, the
// raw text for files.
func (s *Store) Get(name string) (any, error) {
	name = strings.TrimSpace(name)
	if v, ok := s.inline[strings.ToLower(name)]; ok {
		return v, nil
	}
	if s.dir == "" || name == "" {
		return nil, ErrNotFound
	}
	clean := filepath.Clean("/" + name)
	for _, ext := range fileExts {
		path := filepath.Join(s.dir, clean+ext)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		key := fmt.Sprintf("file:%s:%d", path, info.ModTime().UnixNano())
		if text, ok := s.cache.Get(key); ok {
			return text, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("os.ReadFile: %w", err)
		}
		text := string(data)
		s.cache.Add(key, text)
		return text, nil
	}
	return nil, ErrNotFound
}

// Fetch downloads a remote value.
func (s *Store) Fetch(ctx context.Context, url string) (string, error) {
	key := "url:" + url
	if text, ok := s.cache.Get(key); ok {
		return text, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http.Do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxValueBytes))
	if err != nil {
		return "", fmt.Errorf("io.ReadAll: %w", err)
	}
	text := string(data)
	s.cache.Add(key, text)
	slog.Debug("remote value fetched", slog.String("url", url), slog.Duration("took", time.Since(start)))
	return text, nil
}

func (s *Store) Purge() {
	s.cache.Purge()
}
