package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for Hydra.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    toml:"server"`
	Ollama    OllamaConfig    `mapstructure:"ollama"    toml:"ollama"`
	Cache     CacheConfig     `mapstructure:"cache"     toml:"cache"`
	Queue     QueueConfig     `mapstructure:"queue"     toml:"queue"`
	Speculate SpeculateConfig `mapstructure:"speculate" toml:"speculate"`
	Correct   CorrectConfig   `mapstructure:"correct"   toml:"correct"`
	Tracing   TracingConfig   `mapstructure:"tracing"   toml:"tracing"`
}

// ServerConfig holds the core server settings.
type ServerConfig struct {
	HTTPPort     int    `mapstructure:"http_port"     toml:"http_port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	StdioRPC     bool   `mapstructure:"stdio_rpc"     toml:"stdio_rpc"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"` // seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`  // seconds
}

// OllamaConfig describes the local Ollama backend.
type OllamaConfig struct {
	Host            string  `mapstructure:"host"               toml:"host"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms" toml:"request_timeout_ms"`
	HealthTimeoutMs int     `mapstructure:"health_timeout_ms"  toml:"health_timeout_ms"`
	Temperature     float64 `mapstructure:"temperature"        toml:"temperature"`
	MaxTokens       int     `mapstructure:"max_tokens"         toml:"max_tokens"`
	DefaultModel    string  `mapstructure:"default_model"      toml:"default_model"`
}

// RequestTimeout returns the per-call backend timeout as a duration.
func (o OllamaConfig) RequestTimeout() time.Duration {
	if o.RequestTimeoutMs <= 0 {
		return time.Duration(DefaultRequestTimeoutMs) * time.Millisecond
	}
	return time.Duration(o.RequestTimeoutMs) * time.Millisecond
}

// HealthTimeout returns the health-check timeout as a duration.
func (o OllamaConfig) HealthTimeout() time.Duration {
	if o.HealthTimeoutMs <= 0 {
		return time.Duration(DefaultHealthTimeoutMs) * time.Millisecond
	}
	return time.Duration(o.HealthTimeoutMs) * time.Millisecond
}

// CacheConfig controls the two-tier response cache.
type CacheConfig struct {
	Enabled           bool   `mapstructure:"enabled"             toml:"enabled"`
	Dir               string `mapstructure:"dir"                 toml:"dir"`
	TTLMs             int64  `mapstructure:"ttl_ms"              toml:"ttl_ms"`
	MaxMemoryEntries  int    `mapstructure:"max_memory_entries"  toml:"max_memory_entries"`
	MaxMemoryMB       int    `mapstructure:"max_memory_mb"       toml:"max_memory_mb"`
	CleanupIntervalMs int64  `mapstructure:"cleanup_interval_ms" toml:"cleanup_interval_ms"`
	PersistToDisk     bool   `mapstructure:"persist_to_disk"     toml:"persist_to_disk"`
	EncryptionKey     string `mapstructure:"encryption_key"      toml:"encryption_key"`
	MinResponseLen    int    `mapstructure:"min_response_len"    toml:"min_response_len"`
	WarmOnStart       bool   `mapstructure:"warm_on_start"       toml:"warm_on_start"`
	WriteDebounceMs   int64  `mapstructure:"write_debounce_ms"   toml:"write_debounce_ms"`
}

// TTL returns the cache entry time-to-live as a duration.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLMs <= 0 {
		return time.Duration(DefaultCacheTTLMs) * time.Millisecond
	}
	return time.Duration(c.TTLMs) * time.Millisecond
}

// CleanupInterval returns the background sweep interval as a duration.
func (c CacheConfig) CleanupInterval() time.Duration {
	if c.CleanupIntervalMs <= 0 {
		return time.Duration(DefaultCacheCleanupMs) * time.Millisecond
	}
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

// WriteDebounce returns the disk write debounce window as a duration.
func (c CacheConfig) WriteDebounce() time.Duration {
	if c.WriteDebounceMs <= 0 {
		return time.Duration(DefaultCacheDebounceMs) * time.Millisecond
	}
	return time.Duration(c.WriteDebounceMs) * time.Millisecond
}

// QueueConfig controls the prompt queue scheduler.
type QueueConfig struct {
	MaxConcurrent  int     `mapstructure:"max_concurrent"  toml:"max_concurrent"`
	MaxRetries     int     `mapstructure:"max_retries"     toml:"max_retries"`
	TimeoutMs      int64   `mapstructure:"timeout_ms"      toml:"timeout_ms"`
	BucketCapacity int     `mapstructure:"bucket_capacity" toml:"bucket_capacity"`
	RefillPerSec   float64 `mapstructure:"refill_per_sec"  toml:"refill_per_sec"`
	BaseDelayMs    int64   `mapstructure:"base_delay_ms"   toml:"base_delay_ms"`
	MaxDelayMs     int64   `mapstructure:"max_delay_ms"    toml:"max_delay_ms"`
	Jitter         float64 `mapstructure:"jitter"          toml:"jitter"`
}

// ItemTimeout returns the default per-attempt timeout as a duration.
func (q QueueConfig) ItemTimeout() time.Duration {
	if q.TimeoutMs <= 0 {
		return time.Duration(DefaultQueueTimeoutMs) * time.Millisecond
	}
	return time.Duration(q.TimeoutMs) * time.Millisecond
}

// SpeculateConfig controls speculative (racing) execution defaults.
type SpeculateConfig struct {
	FastModel     string   `mapstructure:"fast_model"     toml:"fast_model"`
	AccurateModel string   `mapstructure:"accurate_model" toml:"accurate_model"`
	BudgetMs      int64    `mapstructure:"budget_ms"      toml:"budget_ms"`
	DefaultModels []string `mapstructure:"default_models" toml:"default_models"`
}

// Budget returns the race deadline as a duration.
func (s SpeculateConfig) Budget() time.Duration {
	if s.BudgetMs <= 0 {
		return time.Duration(DefaultSpeculateBudgetMs) * time.Millisecond
	}
	return time.Duration(s.BudgetMs) * time.Millisecond
}

// CorrectConfig controls the self-correction loop.
type CorrectConfig struct {
	GeneratorModel string `mapstructure:"generator_model" toml:"generator_model"`
	CriticModel    string `mapstructure:"critic_model"    toml:"critic_model"`
	MaxAttempts    int    `mapstructure:"max_attempts"    toml:"max_attempts"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "hydra"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// Load reads configuration from disk with the following precedence:
//  1. Bare environment variables recognized for compatibility
//     (OLLAMA_HOST, CACHE_DIR, QUEUE_MAX_CONCURRENT, ...)
//  2. HYDRA_-prefixed environment variables (HYDRA_SERVER_HTTP_PORT etc.)
//  3. The file at explicitPath if non-empty
//  4. ~/.hydra/hydra.toml
//  5. ./hydra.toml
//  6. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: HYDRA_SERVER_HTTP_PORT etc.
	v.SetEnvPrefix("HYDRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare (unprefixed) environment variables.
	bindCompatEnv(v)

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".hydra"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("hydra")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Expand ~ in directories.
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.Cache.Dir = expandHome(cfg.Cache.Dir)
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = filepath.Join(cfg.Server.DataDir, "cache")
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// bindCompatEnv binds the bare environment variable names that predate the
// HYDRA_ prefix. Viper gives these precedence over file values.
func bindCompatEnv(v *viper.Viper) {
	pairs := map[string]string{
		"ollama.host":               "OLLAMA_HOST",
		"cache.dir":                 "CACHE_DIR",
		"cache.ttl_ms":              "CACHE_TTL_MS",
		"cache.enabled":             "CACHE_ENABLED",
		"cache.max_memory_entries":  "CACHE_MAX_MEMORY_ENTRIES",
		"cache.max_memory_mb":       "CACHE_MAX_MEMORY_MB",
		"cache.cleanup_interval_ms": "CACHE_CLEANUP_INTERVAL_MS",
		"cache.persist_to_disk":     "CACHE_PERSIST_TO_DISK",
		"cache.encryption_key":      "CACHE_ENCRYPTION_KEY",
		"queue.max_concurrent":      "QUEUE_MAX_CONCURRENT",
		"queue.max_retries":         "QUEUE_MAX_RETRIES",
		"queue.timeout_ms":          "QUEUE_TIMEOUT_MS",
		"server.log_level":          "LOG_LEVEL",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

// InitConfig writes the default configuration file to ~/.hydra/hydra.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".hydra")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to a TOML file.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file and merges it into the current config.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	// Persist to the active config file so changes survive restart.
	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var
// binding works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.http_port", d.Server.HTTPPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.stdio_rpc", d.Server.StdioRPC)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)

	// Ollama
	v.SetDefault("ollama.host", d.Ollama.Host)
	v.SetDefault("ollama.request_timeout_ms", d.Ollama.RequestTimeoutMs)
	v.SetDefault("ollama.health_timeout_ms", d.Ollama.HealthTimeoutMs)
	v.SetDefault("ollama.temperature", d.Ollama.Temperature)
	v.SetDefault("ollama.max_tokens", d.Ollama.MaxTokens)
	v.SetDefault("ollama.default_model", d.Ollama.DefaultModel)

	// Cache
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.ttl_ms", d.Cache.TTLMs)
	v.SetDefault("cache.max_memory_entries", d.Cache.MaxMemoryEntries)
	v.SetDefault("cache.max_memory_mb", d.Cache.MaxMemoryMB)
	v.SetDefault("cache.cleanup_interval_ms", d.Cache.CleanupIntervalMs)
	v.SetDefault("cache.persist_to_disk", d.Cache.PersistToDisk)
	v.SetDefault("cache.encryption_key", d.Cache.EncryptionKey)
	v.SetDefault("cache.min_response_len", d.Cache.MinResponseLen)
	v.SetDefault("cache.warm_on_start", d.Cache.WarmOnStart)
	v.SetDefault("cache.write_debounce_ms", d.Cache.WriteDebounceMs)

	// Queue
	v.SetDefault("queue.max_concurrent", d.Queue.MaxConcurrent)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.timeout_ms", d.Queue.TimeoutMs)
	v.SetDefault("queue.bucket_capacity", d.Queue.BucketCapacity)
	v.SetDefault("queue.refill_per_sec", d.Queue.RefillPerSec)
	v.SetDefault("queue.base_delay_ms", d.Queue.BaseDelayMs)
	v.SetDefault("queue.max_delay_ms", d.Queue.MaxDelayMs)
	v.SetDefault("queue.jitter", d.Queue.Jitter)

	// Speculate
	v.SetDefault("speculate.fast_model", d.Speculate.FastModel)
	v.SetDefault("speculate.accurate_model", d.Speculate.AccurateModel)
	v.SetDefault("speculate.budget_ms", d.Speculate.BudgetMs)
	v.SetDefault("speculate.default_models", d.Speculate.DefaultModels)

	// Correct
	v.SetDefault("correct.generator_model", d.Correct.GeneratorModel)
	v.SetDefault("correct.critic_model", d.Correct.CriticModel)
	v.SetDefault("correct.max_attempts", d.Correct.MaxAttempts)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return homeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
