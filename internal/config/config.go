package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/iTrooz/urlcache/internal/cache"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Admin   AdminConfig   `koanf:"admin" yaml:"admin"`
	Cache   CacheConfig   `koanf:"cache" yaml:"cache"`
	Rules   RulesConfig   `koanf:"rules" yaml:"rules"`
	Log     LogConfig     `koanf:"log" yaml:"log"`
	Tracing TracingConfig `koanf:"tracing" yaml:"tracing"`
}

// ServerConfig contains proxy listener configuration
type ServerConfig struct {
	Port  int         `koanf:"port" yaml:"port"`
	HTTPS HTTPSConfig `koanf:"https" yaml:"https"`
}

// HTTPSConfig controls TLS interception
type HTTPSConfig struct {
	Enabled    bool   `koanf:"enabled" yaml:"enabled"`
	CACertFile string `koanf:"ca_cert_file" yaml:"ca_cert_file"`
	CAKeyFile  string `koanf:"ca_key_file" yaml:"ca_key_file"`
	// TransparentAddr, when set, accepts raw TLS connections routed by SNI.
	TransparentAddr string `koanf:"transparent_addr" yaml:"transparent_addr"`
}

// AdminConfig contains the maintenance API listener. An empty address disables it.
type AdminConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// CacheConfig contains cache-related configuration
type CacheConfig struct {
	TTL                 string `koanf:"ttl" yaml:"ttl"`
	Folder              string `koanf:"folder" yaml:"folder"`
	MaxSize             string `koanf:"max_size" yaml:"max_size"`
	MemorySize          string `koanf:"memory_size" yaml:"memory_size"`
	Eviction            string `koanf:"eviction" yaml:"eviction"`
	TrimInterval        string `koanf:"trim_interval" yaml:"trim_interval"`
	MaxAge              string `koanf:"max_age" yaml:"max_age"`
	TrimBatchSize       int    `koanf:"trim_batch_size" yaml:"trim_batch_size"`
	AccessFlushInterval string `koanf:"access_flush_interval" yaml:"access_flush_interval"`
	RespectHeaders      bool   `koanf:"respect_headers" yaml:"respect_headers"`
}

// RulesConfig contains caching rules configuration
type RulesConfig struct {
	Mode  string      `koanf:"mode" yaml:"mode"` // "whitelist" or "blacklist"
	Rules []CacheRule `koanf:"rules" yaml:"rules"`
}

// CacheRule defines a caching rule
type CacheRule struct {
	BaseURI     string   `koanf:"base_uri" yaml:"base_uri"`
	Methods     []string `koanf:"methods" yaml:"methods"`
	StatusCodes []string `koanf:"status_codes" yaml:"status_codes,omitempty"`
}

// LogConfig controls logrus output
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // "text" or "json"
}

// TracingConfig controls OpenTelemetry export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint   string  `koanf:"endpoint" yaml:"endpoint"`
	SampleRate float64 `koanf:"sample_rate" yaml:"sample_rate"`
}

// Default returns the configuration used for keys a file leaves unset.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Cache: CacheConfig{
			TTL:                 "1h",
			Folder:              "./cache",
			MaxSize:             "1GB",
			MemorySize:          "32MB",
			Eviction:            string(cache.EvictionLRU),
			TrimInterval:        "5m",
			MaxAge:              "0s",
			TrimBatchSize:       64,
			AccessFlushInterval: "1s",
		},
		Rules: RulesConfig{Mode: "blacklist"},
		Log:   LogConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{
			SampleRate: 1.0,
		},
	}
}

// Load loads configuration from a YAML file on top of Default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	return &config, nil
}

// GetCacheTTL parses and returns the cache TTL duration
func (c *Config) GetCacheTTL() (time.Duration, error) {
	return time.ParseDuration(c.Cache.TTL)
}

// GetTrimInterval returns how often the janitor runs.
func (c *Config) GetTrimInterval() (time.Duration, error) {
	return time.ParseDuration(c.Cache.TrimInterval)
}

// GetMaxAge returns the age past which entries are trimmed; zero disables it.
func (c *Config) GetMaxAge() (time.Duration, error) {
	return parseOptionalDuration(c.Cache.MaxAge)
}

// GetAccessFlushInterval returns how often read times are persisted.
func (c *Config) GetAccessFlushInterval() (time.Duration, error) {
	return parseOptionalDuration(c.Cache.AccessFlushInterval)
}

// GetMaxSize returns the byte budget of the cache; zero means unbounded.
func (c *Config) GetMaxSize() (int64, error) {
	n, err := parseSize(c.Cache.MaxSize)
	return int64(n), err
}

// GetMemorySize returns the byte budget of the in-memory layer; zero disables it.
func (c *Config) GetMemorySize() (uint64, error) {
	return parseSize(c.Cache.MemorySize)
}

// CacheOptions builds the store options described by the configuration.
func (c *Config) CacheOptions() (cache.Options, error) {
	eviction, err := cache.ParseEvictionPolicy(c.Cache.Eviction)
	if err != nil {
		return cache.Options{}, err
	}
	memory, err := c.GetMemorySize()
	if err != nil {
		return cache.Options{}, fmt.Errorf("invalid cache memory size: %w", err)
	}
	flush, err := c.GetAccessFlushInterval()
	if err != nil {
		return cache.Options{}, fmt.Errorf("invalid access flush interval: %w", err)
	}
	return cache.Options{
		Eviction:            eviction,
		MemoryBytes:         memory,
		TrimBatchSize:       c.Cache.TrimBatchSize,
		AccessFlushInterval: flush,
	}, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Cache.TTL == "" {
		return fmt.Errorf("cache TTL is required")
	}

	if _, err := c.GetCacheTTL(); err != nil {
		return fmt.Errorf("invalid cache TTL format: %w", err)
	}

	if c.Cache.Folder == "" {
		return fmt.Errorf("cache folder is required")
	}

	if _, err := c.GetMaxSize(); err != nil {
		return fmt.Errorf("invalid cache max size: %w", err)
	}

	if _, err := c.CacheOptions(); err != nil {
		return err
	}

	if c.Cache.TrimInterval != "" {
		if d, err := c.GetTrimInterval(); err != nil || d <= 0 {
			return fmt.Errorf("invalid trim interval: %q", c.Cache.TrimInterval)
		}
	}

	if _, err := c.GetMaxAge(); err != nil {
		return fmt.Errorf("invalid cache max age: %w", err)
	}

	if c.Rules.Mode != "whitelist" && c.Rules.Mode != "blacklist" {
		return fmt.Errorf("rules mode must be 'whitelist' or 'blacklist', got: %s", c.Rules.Mode)
	}

	for i, rule := range c.Rules.Rules {
		for _, pattern := range rule.StatusCodes {
			if !validStatusPattern(pattern) {
				return fmt.Errorf("rule %d: invalid status code pattern %q", i, pattern)
			}
		}
	}

	if c.Server.HTTPS.Enabled && (c.Server.HTTPS.CACertFile == "") != (c.Server.HTTPS.CAKeyFile == "") {
		return fmt.Errorf("https: ca_cert_file and ca_key_file must be set together")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be within [0, 1], got: %v", c.Tracing.SampleRate)
	}

	return nil
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	return yamlv3.Marshal(c)
}

// MatchesStatusCode reports whether code matches pattern: an exact code ("200")
// or a class with x wildcards ("4xx", "30x").
func MatchesStatusCode(code int, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	s := strconv.Itoa(code)
	if len(pattern) != len(s) {
		return false
	}
	for i := range pattern {
		if pattern[i] != 'x' && pattern[i] != s[i] {
			return false
		}
	}
	return true
}

func validStatusPattern(pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if len(pattern) != 3 || pattern[0] < '1' || pattern[0] > '5' {
		return false
	}
	for i := 1; i < 3; i++ {
		if pattern[i] != 'x' && (pattern[i] < '0' || pattern[i] > '9') {
			return false
		}
	}
	return true
}

func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	return humanize.ParseBytes(s)
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
