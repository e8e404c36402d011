package config

// DefaultHTTPPort is the default port for the RPC HTTP server.
const DefaultHTTPPort = 7799

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.hydra"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "hydra.toml"

// DefaultOllamaHost is the default Ollama endpoint.
const DefaultOllamaHost = "http://127.0.0.1:11434"

// DefaultRequestTimeoutMs is the default backend call timeout in milliseconds.
const DefaultRequestTimeoutMs = 60_000

// DefaultHealthTimeoutMs is the default health-check timeout in milliseconds.
const DefaultHealthTimeoutMs = 5_000

// DefaultTemperature is the default sampling temperature.
const DefaultTemperature = 0.3

// DefaultMaxTokens is the default generation token budget.
const DefaultMaxTokens = 2048

// DefaultCacheTTLMs is the default cache entry time-to-live in milliseconds (1 hour).
const DefaultCacheTTLMs = 3_600_000

// DefaultCacheMaxEntries is the default in-memory cache entry bound.
const DefaultCacheMaxEntries = 1000

// DefaultCacheMaxMemoryMB is the default in-memory cache byte budget in MiB.
const DefaultCacheMaxMemoryMB = 100

// DefaultCacheCleanupMs is the default expiry sweep interval in milliseconds (5 min).
const DefaultCacheCleanupMs = 300_000

// DefaultCacheDebounceMs is the default disk write debounce window in milliseconds.
const DefaultCacheDebounceMs = 100

// DefaultMinResponseLen is the minimum response length worth caching.
const DefaultMinResponseLen = 10

// DefaultQueueMaxConcurrent is the default number of concurrent handler slots.
const DefaultQueueMaxConcurrent = 4

// DefaultQueueMaxRetries is the default total attempt budget per item.
const DefaultQueueMaxRetries = 3

// DefaultQueueTimeoutMs is the default per-attempt timeout in milliseconds.
const DefaultQueueTimeoutMs = 60_000

// DefaultBucketCapacity is the default admission token bucket capacity.
const DefaultBucketCapacity = 10

// DefaultRefillPerSec is the default token bucket refill rate.
const DefaultRefillPerSec = 2.0

// DefaultRetryBaseDelayMs is the base delay for exponential backoff in milliseconds.
const DefaultRetryBaseDelayMs = 1000

// DefaultRetryMaxDelayMs is the maximum backoff delay in milliseconds.
const DefaultRetryMaxDelayMs = 30_000

// DefaultRetryJitter is the default +/- jitter fraction applied to backoff delays.
const DefaultRetryJitter = 0.2

// DefaultSpeculateBudgetMs is the default race deadline in milliseconds.
const DefaultSpeculateBudgetMs = 30_000

// DefaultFastModel is the default fast model for speculative execution.
const DefaultFastModel = "llama3.2:1b"

// DefaultAccurateModel is the default accurate model for speculative execution.
const DefaultAccurateModel = "llama3.1:8b"

// DefaultGeneratorModel is the default code generator model.
const DefaultGeneratorModel = "qwen2.5-coder:7b"

// DefaultCriticModel is the default critic model.
const DefaultCriticModel = "llama3.1:8b"

// DefaultCorrectionAttempts is the default self-correction attempt cap.
const DefaultCorrectionAttempts = 3

// ValidLogLevels are the accepted log level names.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error"}

// DefaultConfig returns a Config populated with every default value.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     DefaultHTTPPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			StdioRPC:     false,
			ReadTimeout:  10,
			WriteTimeout: 300,
			IdleTimeout:  120,
		},
		Ollama: OllamaConfig{
			Host:             DefaultOllamaHost,
			RequestTimeoutMs: DefaultRequestTimeoutMs,
			HealthTimeoutMs:  DefaultHealthTimeoutMs,
			Temperature:      DefaultTemperature,
			MaxTokens:        DefaultMaxTokens,
			DefaultModel:     DefaultAccurateModel,
		},
		Cache: CacheConfig{
			Enabled:           true,
			Dir:               "", // derived from data_dir when empty
			TTLMs:             DefaultCacheTTLMs,
			MaxMemoryEntries:  DefaultCacheMaxEntries,
			MaxMemoryMB:       DefaultCacheMaxMemoryMB,
			CleanupIntervalMs: DefaultCacheCleanupMs,
			PersistToDisk:     true,
			MinResponseLen:    DefaultMinResponseLen,
			WarmOnStart:       false,
			WriteDebounceMs:   DefaultCacheDebounceMs,
		},
		Queue: QueueConfig{
			MaxConcurrent:  DefaultQueueMaxConcurrent,
			MaxRetries:     DefaultQueueMaxRetries,
			TimeoutMs:      DefaultQueueTimeoutMs,
			BucketCapacity: DefaultBucketCapacity,
			RefillPerSec:   DefaultRefillPerSec,
			BaseDelayMs:    DefaultRetryBaseDelayMs,
			MaxDelayMs:     DefaultRetryMaxDelayMs,
			Jitter:         DefaultRetryJitter,
		},
		Speculate: SpeculateConfig{
			FastModel:     DefaultFastModel,
			AccurateModel: DefaultAccurateModel,
			BudgetMs:      DefaultSpeculateBudgetMs,
			DefaultModels: []string{DefaultFastModel, DefaultAccurateModel},
		},
		Correct: CorrectConfig{
			GeneratorModel: DefaultGeneratorModel,
			CriticModel:    DefaultCriticModel,
			MaxAttempts:    DefaultCorrectionAttempts,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "hydra",
			SampleRate:  1.0,
		},
	}
}
