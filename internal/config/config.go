package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

const (
	DefaultMaxPayloadSize    = 256 * 1024
	DefaultHeaderRulesHeader = "x-ruleflow-rules"
	DefaultCacheTTL          = 10 * time.Minute
	DefaultPluginTimeout     = 5 * time.Second
)

type Config struct {
	BindAddress string `yaml:"bind-address" json:"bind-address" validate:"required,ip"`
	Port        int    `yaml:"port" json:"port" validate:"required,min=1,max=65535"`
	// SOCKS5Port enables the SOCKS5 front end when non-zero.
	SOCKS5Port      int    `yaml:"socks5-port,omitempty" json:"socks5-port,omitempty" validate:"min=0,max=65535"`
	LogLevel        string `yaml:"log-level" json:"log-level" validate:"oneof=debug info warn error"`
	APIServer       string `yaml:"api-server" json:"api-server" validate:"omitempty,hostname_port"`
	APIServerSecret string `yaml:"api-server-secret" json:"-"`

	MaxPayloadSize    int            `yaml:"max-payload-size" json:"max-payload-size" validate:"min=0"`
	HeaderRulesHeader string         `yaml:"header-rules-header" json:"header-rules-header"`
	RulesDir          string         `yaml:"rules-dir" json:"rules-dir"`
	Values            map[string]any `yaml:"values" json:"values"`
	ValuesDir         string         `yaml:"values-dir" json:"values-dir"`
	CacheTTL          time.Duration  `yaml:"cache-ttl" json:"cache-ttl"`
	PluginTimeout     time.Duration  `yaml:"plugin-timeout" json:"plugin-timeout"`

	Rules   []Rule   `yaml:"rules" json:"rules" validate:"dive"`
	Plugins []Plugin `yaml:"plugins" json:"plugins" validate:"dive"`
}

// Rule selects a directive value when its matcher hits.
type Rule struct {
	Type        string `yaml:"type" json:"type" validate:"required,oneof=DOMAIN DOMAIN-SUFFIX DOMAIN-KEYWORD DOMAIN-SET URL-REGEX HEADER-KEYWORD HEADER-REGEX METHOD BODY-KEYWORD BODY-REGEX IP-CIDR SRC-IP DEST-PORT FINAL"`
	MatchHeader string `yaml:"match-header,omitempty" json:"match-header,omitempty" validate:"required_if=Type HEADER-KEYWORD,required_if=Type HEADER-REGEX"`
	MatchValue  string `yaml:"match-value,omitempty" json:"match-value,omitempty" validate:"required_unless=Type FINAL"`
	Directive   string `yaml:"directive" json:"directive" validate:"required"`
	Value       string `yaml:"value" json:"value"`
}

// Plugin describes one external plugin process.
type Plugin struct {
	Name     string     `yaml:"name" json:"name" validate:"required"`
	Address  string     `yaml:"address" json:"address" validate:"omitempty"`
	RulesURL string     `yaml:"rules-url,omitempty" json:"rules-url,omitempty" validate:"omitempty,url"`
	Rules    []Rule     `yaml:"rules,omitempty" json:"rules,omitempty" validate:"dive"`
	Pipe     PipeConfig `yaml:"pipe,omitempty" json:"pipe,omitempty"`
}

// PipeConfig holds the ports a plugin listens on for each body stream.
type PipeConfig struct {
	ReqRead  int `yaml:"req-read,omitempty" json:"req-read,omitempty" validate:"min=0,max=65535"`
	ReqWrite int `yaml:"req-write,omitempty" json:"req-write,omitempty" validate:"min=0,max=65535"`
	ResRead  int `yaml:"res-read,omitempty" json:"res-read,omitempty" validate:"min=0,max=65535"`
	ResWrite int `yaml:"res-write,omitempty" json:"res-write,omitempty" validate:"min=0,max=65535"`
}

func (p PipeConfig) Empty() bool {
	return p.ReqRead == 0 && p.ReqWrite == 0 && p.ResRead == 0 && p.ResWrite == 0
}

// SetDefaults registers the defaults on v. cmd/root.go and the tests share it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("bind-address", "127.0.0.1")
	v.SetDefault("port", 8899)
	v.SetDefault("log-level", "info")
	v.SetDefault("max-payload-size", DefaultMaxPayloadSize)
	v.SetDefault("header-rules-header", DefaultHeaderRulesHeader)
	v.SetDefault("cache-ttl", DefaultCacheTTL)
	v.SetDefault("plugin-timeout", DefaultPluginTimeout)
}

// BuildConfigFromViper decodes the global viper state into a validated Config.
func BuildConfigFromViper() (*Config, error) {
	return BuildConfig(viper.GetViper())
}

func BuildConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("viper.Unmarshal: %w", err)
	}
	if path := v.ConfigFileUsed(); path != "" {
		if err := cfg.loadFileValues(path); err != nil {
			return nil, err
		}
	}

	cfg.normalize()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.checkPlugins(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFileValues re-reads the values section of the config file. viper drops
// null leaves, and a null is how a value removes a query parameter.
func (c *Config) loadFileValues(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("os.ReadFile: %w", err)
	}
	var file struct {
		Values map[string]any `yaml:"values"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("yaml.Unmarshal %s: %w", path, err)
	}
	if len(file.Values) == 0 {
		return nil
	}
	if c.Values == nil {
		c.Values = make(map[string]any, len(file.Values))
	}
	for k, val := range file.Values {
		delete(c.Values, strings.ToLower(k))
		c.Values[k] = val
	}
	return nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.HeaderRulesHeader = strings.ToLower(strings.TrimSpace(c.HeaderRulesHeader))
	if c.HeaderRulesHeader == "" {
		c.HeaderRulesHeader = DefaultHeaderRulesHeader
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.PluginTimeout <= 0 {
		c.PluginTimeout = DefaultPluginTimeout
	}
	NormalizeRules(c.Rules)
	for i := range c.Plugins {
		c.Plugins[i].Name = strings.TrimSpace(c.Plugins[i].Name)
		NormalizeRules(c.Plugins[i].Rules)
	}
}

// NormalizeRules upper-cases rule types and trims directive names in place.
func NormalizeRules(rules []Rule) {
	for i := range rules {
		rules[i].Type = strings.ToUpper(strings.TrimSpace(rules[i].Type))
		rules[i].Directive = strings.TrimSpace(rules[i].Directive)
	}
}

func (c *Config) checkPlugins() error {
	seen := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		if seen[p.Name] {
			return fmt.Errorf("validate config: duplicate plugin %q", p.Name)
		}
		seen[p.Name] = true
		if !p.Pipe.Empty() && p.Address == "" {
			return fmt.Errorf("validate config: plugin %q has pipe ports but no address", p.Name)
		}
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

func (c *Config) SOCKS5ListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.SOCKS5Port))
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("Log Level", c.LogLevel),
		slog.String("Listen Address", c.ListenAddr()),
		slog.Int("SOCKS5 Port", c.SOCKS5Port),
		slog.String("API Server", c.APIServer),
		slog.Int("Max Payload Size", c.MaxPayloadSize),
		slog.String("Rules Dir", c.RulesDir),
		slog.Int("Rules", len(c.Rules)),
		slog.Int("Plugins", len(c.Plugins)),
	)
}
