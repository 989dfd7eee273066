package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// envPrefix prefixes every environment override.
const envPrefix = "ENRICHWATCH_"

// Config holds application configuration.
type Config struct {
	APIBaseURL        string        `toml:"api_base_url"`
	APIToken          string        `toml:"api_token"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	RequestBurst      int           `toml:"request_burst"`

	Storage     string `toml:"storage"`
	DBPath      string `toml:"db_path"`
	RedisAddr   string `toml:"redis_addr"`
	RedisDB     int    `toml:"redis_db"`
	RedisPrefix string `toml:"redis_prefix"`

	RetryInterval       time.Duration `toml:"retry_interval"`
	FailedPageSize      int           `toml:"failed_page_size"`
	JobPollInterval     time.Duration `toml:"job_poll_interval"`
	ListPollInterval    time.Duration `toml:"list_poll_interval"`
	ThroughputPerMinute float64       `toml:"throughput_per_minute"`
	WatchJobs           []string      `toml:"watch_jobs"`
	MaxWatchedJobs      int           `toml:"max_watched_jobs"`
	NotFoundLimit       int           `toml:"not_found_limit"`

	ListenAddr    string `toml:"listen_addr"`
	ControlSecret string `toml:"control_secret"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	Tracing   bool   `toml:"tracing"`

	Hooks []HookConfig `toml:"hooks"`
}

// HookConfig describes a command run when a watched job finishes.
// Hooks are only configurable from the TOML file.
type HookConfig struct {
	Name string `toml:"name"`
	// Status is a regular expression matched against the job status.
	Status  string        `toml:"status"`
	Command string        `toml:"command"`
	Args    []string      `toml:"args"`
	Dir     string        `toml:"dir"`
	Timeout time.Duration `toml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RequestTimeout:    15 * time.Second,
		RequestsPerSecond: 5,
		RequestBurst:      5,
		Storage:           StorageSQLite,
		DBPath:            DefaultDBPath(),
		RedisAddr:         "localhost:6379",
		RedisPrefix:       "enrichwatch:",
		RetryInterval:     2 * time.Minute,
		FailedPageSize:    50,
		JobPollInterval:   3 * time.Second,
		ListPollInterval:  30 * time.Second,
		MaxWatchedJobs:    100,
		NotFoundLimit:     5,
		ListenAddr:        ":8080",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "enrichwatch", "state.db")
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "enrichwatch", "config.toml")
}

// Load builds Config from defaults, the TOML file, environment and args,
// each layer overriding the previous one. Positional args are job ids to watch.
func Load(args []string) (*Config, error) {
	cfg := Default()

	// First pass only locates the config file.
	scan := *cfg
	fs, configPath := newFlagSet(&scan)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path, explicit := *configPath, *configPath != ""
	if !explicit {
		if env := os.Getenv(envPrefix + "CONFIG"); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultConfigPath()
		}
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	fs, _ = newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.WatchJobs = append(cfg.WatchJobs, fs.Args()...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("enrichwatch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "Config file path (default "+DefaultConfigPath()+")")
	fs.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "Enrichment API base URL")
	fs.StringVar(&cfg.APIToken, "token", cfg.APIToken, "Enrichment API bearer token")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "API request timeout")
	fs.Float64Var(&cfg.RequestsPerSecond, "rps", cfg.RequestsPerSecond, "API requests per second, 0 for unlimited")
	fs.IntVar(&cfg.RequestBurst, "burst", cfg.RequestBurst, "API request burst")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "State backend: sqlite, redis or memory")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "Redis key prefix")
	fs.DurationVar(&cfg.RetryInterval, "retry-interval", cfg.RetryInterval, "Auto-retry interval")
	fs.IntVar(&cfg.FailedPageSize, "page-size", cfg.FailedPageSize, "Failed items fetched per snapshot")
	fs.DurationVar(&cfg.JobPollInterval, "job-poll-interval", cfg.JobPollInterval, "Job status poll interval")
	fs.DurationVar(&cfg.ListPollInterval, "list-poll-interval", cfg.ListPollInterval, "Job list poll interval")
	fs.Float64Var(&cfg.ThroughputPerMinute, "throughput", cfg.ThroughputPerMinute, "Items per minute used for the ETA estimate")
	fs.IntVar(&cfg.MaxWatchedJobs, "max-watched", cfg.MaxWatchedJobs, "Maximum number of jobs watched at once")
	fs.IntVar(&cfg.NotFoundLimit, "not-found-limit", cfg.NotFoundLimit, "Consecutive not-found fetches before a job poller gives up")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Status server listen address")
	fs.StringVar(&cfg.ControlSecret, "secret", cfg.ControlSecret, "Shared secret for control requests")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.BoolVar(&cfg.Tracing, "tracing", cfg.Tracing, "Enable tracing")
	return fs, configPath
}

func (c *Config) loadFile(path string, required bool) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	strs := map[string]*string{
		"API_BASE_URL":   &c.APIBaseURL,
		"API_TOKEN":      &c.APIToken,
		"STORAGE":        &c.Storage,
		"DB":             &c.DBPath,
		"REDIS_ADDR":     &c.RedisAddr,
		"REDIS_PREFIX":   &c.RedisPrefix,
		"LISTEN_ADDR":    &c.ListenAddr,
		"CONTROL_SECRET": &c.ControlSecret,
		"LOG_LEVEL":      &c.LogLevel,
		"LOG_FORMAT":     &c.LogFormat,
	}
	for name, dst := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REQUEST_BURST":    &c.RequestBurst,
		"REDIS_DB":         &c.RedisDB,
		"FAILED_PAGE_SIZE": &c.FailedPageSize,
		"MAX_WATCHED_JOBS": &c.MaxWatchedJobs,
		"NOT_FOUND_LIMIT":  &c.NotFoundLimit,
	}
	for name, dst := range ints {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}

	floats := map[string]*float64{
		"REQUESTS_PER_SECOND":   &c.RequestsPerSecond,
		"THROUGHPUT_PER_MINUTE": &c.ThroughputPerMinute,
	}
	for name, dst := range floats {
		if v := os.Getenv(envPrefix + name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = f
		}
	}

	durations := map[string]*time.Duration{
		"REQUEST_TIMEOUT":    &c.RequestTimeout,
		"RETRY_INTERVAL":     &c.RetryInterval,
		"JOB_POLL_INTERVAL":  &c.JobPollInterval,
		"LIST_POLL_INTERVAL": &c.ListPollInterval,
	}
	for name, dst := range durations {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv(envPrefix + "TRACING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTRACING: %w", envPrefix, err)
		}
		c.Tracing = b
	}
	if v := os.Getenv(envPrefix + "WATCH_JOBS"); v != "" {
		c.WatchJobs = strings.Split(v, ",")
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api base url is required (-api or %sAPI_BASE_URL)", envPrefix)
	}
	switch c.Storage {
	case StorageSQLite, StorageRedis, StorageMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	if c.RetryInterval <= 0 || c.JobPollInterval <= 0 || c.ListPollInterval <= 0 {
		return fmt.Errorf("poll and retry intervals must be positive")
	}
	if c.FailedPageSize <= 0 {
		return fmt.Errorf("failed page size must be positive")
	}
	if c.MaxWatchedJobs <= 0 || c.NotFoundLimit <= 0 {
		return fmt.Errorf("watched job limit and not-found limit must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	for i, h := range c.Hooks {
		if h.Name == "" || h.Command == "" {
			return fmt.Errorf("hook %d: name and command are required", i)
		}
	}
	return nil
}
