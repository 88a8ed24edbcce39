// Package config loads osmadiff settings from defaults, an optional YAML
// file and command line flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NERVsystems/osmadiff/pkg/cache"
	"github.com/NERVsystems/osmadiff/pkg/core"
	"github.com/NERVsystems/osmadiff/pkg/osm"
	"github.com/NERVsystems/osmadiff/pkg/tracing"
)

// APIConfig configures the workspace API client.
type APIConfig struct {
	URL               string            `yaml:"url"`
	Token             string            `yaml:"token"`
	UserAgent         string            `yaml:"user_agent"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Burst             int               `yaml:"burst"`
	VersionCacheSize  int               `yaml:"version_cache_size"`
	Retry             core.RetryOptions `yaml:"retry"`
}

// CacheConfig configures the durable change and diff caches.
type CacheConfig struct {
	Dir           string        `yaml:"dir"`
	InMemory      bool          `yaml:"in_memory"`
	SyncWrites    bool          `yaml:"sync_writes"`
	ChangeTTL     time.Duration `yaml:"change_ttl"`
	DiffTTL       time.Duration `yaml:"diff_ttl"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	PruneJitter   time.Duration `yaml:"prune_jitter"`
}

// DiffConfig bounds the concurrency of bulk fetches and builds.
type DiffConfig struct {
	FetchConcurrency int `yaml:"fetch_concurrency"`
	BuildConcurrency int `yaml:"build_concurrency"`
}

// MonitoringConfig configures the Prometheus and health endpoints.
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the complete service configuration.
type Config struct {
	Debug      bool             `yaml:"debug"`
	API        APIConfig        `yaml:"api"`
	Cache      CacheConfig      `yaml:"cache"`
	Diff       DiffConfig       `yaml:"diff"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Tracing    tracing.Config   `yaml:"tracing"`
}

// Default returns the built-in configuration.
func Default() *Config {
	client := osm.DefaultClientOptions()

	cacheDir := ".osmadiff-cache"
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = dir + string(os.PathSeparator) + "osmadiff"
	}

	return &Config{
		API: APIConfig{
			URL:               client.BaseURL,
			UserAgent:         client.UserAgent,
			RequestsPerSecond: client.RequestsPerSecond,
			Burst:             client.Burst,
			VersionCacheSize:  client.VersionCacheSize,
			Retry:             client.Retry,
		},
		Cache: CacheConfig{
			Dir:           cacheDir,
			ChangeTTL:     7 * 24 * time.Hour,
			DiffTTL:       30 * 24 * time.Hour,
			PruneInterval: time.Hour,
			PruneJitter:   5 * time.Minute,
		},
		Diff: DiffConfig{
			FetchConcurrency: 8,
			BuildConcurrency: 16,
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// LoadFile overlays the YAML document at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// RegisterFlags binds c's settings to fs. Flag defaults are the current
// values of c, so flags only override what the user passes explicitly.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")

	fs.StringVar(&c.API.URL, "api-url", c.API.URL, "Base URL of the OSM API 0.6 workspace server")
	fs.StringVar(&c.API.Token, "api-token", c.API.Token, "Bearer token for the workspace server")
	fs.StringVar(&c.API.UserAgent, "user-agent", c.API.UserAgent, "User-Agent string for API requests")
	fs.Float64Var(&c.API.RequestsPerSecond, "api-rps", c.API.RequestsPerSecond, "API rate limit in requests per second (0 disables)")
	fs.IntVar(&c.API.Burst, "api-burst", c.API.Burst, "API rate limit burst size")
	fs.IntVar(&c.API.VersionCacheSize, "version-cache-size", c.API.VersionCacheSize, "Number of historical element versions kept in memory")
	fs.IntVar(&c.API.Retry.MaxAttempts, "api-retries", c.API.Retry.MaxAttempts, "Maximum attempts per API request")

	fs.StringVar(&c.Cache.Dir, "cache-dir", c.Cache.Dir, "Directory of the durable cache")
	fs.BoolVar(&c.Cache.InMemory, "cache-in-memory", c.Cache.InMemory, "Keep the cache in memory only")
	fs.DurationVar(&c.Cache.ChangeTTL, "change-ttl", c.Cache.ChangeTTL, "Time after last access before a cached change bundle is pruned")
	fs.DurationVar(&c.Cache.DiffTTL, "diff-ttl", c.Cache.DiffTTL, "Time after last access before a cached augmented diff is pruned")
	fs.DurationVar(&c.Cache.PruneInterval, "prune-interval", c.Cache.PruneInterval, "Interval between cache prunes (0 prunes once at startup)")
	fs.DurationVar(&c.Cache.PruneJitter, "prune-jitter", c.Cache.PruneJitter, "Maximum random delay added to each prune")

	fs.IntVar(&c.Diff.FetchConcurrency, "fetch-concurrency", c.Diff.FetchConcurrency, "Concurrent change bundle fetches when loading all changesets")
	fs.IntVar(&c.Diff.BuildConcurrency, "build-concurrency", c.Diff.BuildConcurrency, "Concurrent per-action tasks of one diff build (0 is unbounded)")

	fs.BoolVar(&c.Monitoring.Enabled, "enable-monitoring", c.Monitoring.Enabled, "Enable Prometheus metrics and health endpoints")
	fs.StringVar(&c.Monitoring.Addr, "monitoring-addr", c.Monitoring.Addr, "Monitoring server address")

	fs.StringVar(&c.Tracing.Endpoint, "otlp-endpoint", c.Tracing.Endpoint, "OTLP gRPC endpoint for traces (empty disables tracing)")
	fs.Float64Var(&c.Tracing.SampleRatio, "trace-sample-ratio", c.Tracing.SampleRatio, "Fraction of traces to sample")
}

// Validate checks c for settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.API.URL == "" {
		errs = append(errs, errors.New("api url is required"))
	}
	if c.API.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("api requests per second must not be negative"))
	}
	if c.API.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("api retry attempts must be at least 1"))
	}
	if !c.Cache.InMemory && c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache dir is required unless the cache is in memory"))
	}
	if c.Cache.ChangeTTL <= 0 || c.Cache.DiffTTL <= 0 {
		errs = append(errs, errors.New("cache ttls must be positive"))
	}
	if c.Cache.PruneInterval < 0 || c.Cache.PruneJitter < 0 {
		errs = append(errs, errors.New("prune interval and jitter must not be negative"))
	}
	if c.Diff.FetchConcurrency < 1 {
		errs = append(errs, errors.New("fetch concurrency must be at least 1"))
	}
	return errors.Join(errs...)
}

// ClientOptions converts the API settings into osm client options.
func (c *Config) ClientOptions() osm.ClientOptions {
	opts := osm.DefaultClientOptions()
	opts.BaseURL = c.API.URL
	opts.Token = c.API.Token
	opts.UserAgent = c.API.UserAgent
	opts.RequestsPerSecond = c.API.RequestsPerSecond
	opts.Burst = c.API.Burst
	opts.VersionCacheSize = c.API.VersionCacheSize
	opts.Retry = c.API.Retry
	return opts
}

// CacheBackend converts the cache settings into a Badger configuration.
func (c *Config) CacheBackend() cache.Config {
	if c.Cache.InMemory {
		return cache.InMemoryConfig()
	}
	cfg := cache.DefaultConfig(c.Cache.Dir)
	cfg.SyncWrites = c.Cache.SyncWrites
	return cfg
}

// Load builds the configuration for a command. fs may already carry the
// command's own flags; the config file named by -config is applied before
// the remaining flags are parsed.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Default()

	path := configPath(args)
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.RegisterFlags(fs)
	fs.String("config", path, "YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// configPath finds the value of -config in args without parsing the rest.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if value, ok := strings.CutPrefix(name, "config="); ok {
			return value
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
