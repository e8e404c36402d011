package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.HTTPPort < 1 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.http_port must be between 1 and 65535, got %d", cfg.Server.HTTPPort))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}

	// Ollama validation
	if cfg.Ollama.Host == "" {
		errs = append(errs, "ollama.host must not be empty")
	} else if u, err := url.Parse(cfg.Ollama.Host); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("ollama.host must be a full URL like http://127.0.0.1:11434, got %q", cfg.Ollama.Host))
	}
	if cfg.Ollama.RequestTimeoutMs < 0 {
		errs = append(errs, fmt.Sprintf("ollama.request_timeout_ms must be non-negative, got %d", cfg.Ollama.RequestTimeoutMs))
	}
	if cfg.Ollama.Temperature < 0 || cfg.Ollama.Temperature > 2 {
		errs = append(errs, fmt.Sprintf("ollama.temperature must be between 0 and 2, got %g", cfg.Ollama.Temperature))
	}
	if cfg.Ollama.MaxTokens < 1 {
		errs = append(errs, fmt.Sprintf("ollama.max_tokens must be at least 1, got %d", cfg.Ollama.MaxTokens))
	}

	// Cache validation
	if cfg.Cache.TTLMs < 0 {
		errs = append(errs, fmt.Sprintf("cache.ttl_ms must be non-negative, got %d", cfg.Cache.TTLMs))
	}
	if cfg.Cache.MaxMemoryEntries < 1 {
		errs = append(errs, fmt.Sprintf("cache.max_memory_entries must be at least 1, got %d", cfg.Cache.MaxMemoryEntries))
	}
	if cfg.Cache.MaxMemoryMB < 1 {
		errs = append(errs, fmt.Sprintf("cache.max_memory_mb must be at least 1, got %d", cfg.Cache.MaxMemoryMB))
	}
	if cfg.Cache.CleanupIntervalMs < 0 {
		errs = append(errs, fmt.Sprintf("cache.cleanup_interval_ms must be non-negative, got %d", cfg.Cache.CleanupIntervalMs))
	}
	if cfg.Cache.MinResponseLen < 0 {
		errs = append(errs, fmt.Sprintf("cache.min_response_len must be non-negative, got %d", cfg.Cache.MinResponseLen))
	}
	if cfg.Cache.PersistToDisk && cfg.Cache.Dir == "" && cfg.Server.DataDir == "" {
		errs = append(errs, "cache.dir must be set when persist_to_disk is true and no data_dir is configured")
	}

	// Queue validation
	if cfg.Queue.MaxConcurrent < 1 {
		errs = append(errs, fmt.Sprintf("queue.max_concurrent must be at least 1, got %d", cfg.Queue.MaxConcurrent))
	}
	if cfg.Queue.MaxRetries < 1 {
		errs = append(errs, fmt.Sprintf("queue.max_retries must be at least 1, got %d", cfg.Queue.MaxRetries))
	}
	if cfg.Queue.TimeoutMs < 0 {
		errs = append(errs, fmt.Sprintf("queue.timeout_ms must be non-negative, got %d", cfg.Queue.TimeoutMs))
	}
	if cfg.Queue.BucketCapacity < 1 {
		errs = append(errs, fmt.Sprintf("queue.bucket_capacity must be at least 1, got %d", cfg.Queue.BucketCapacity))
	}
	if cfg.Queue.RefillPerSec <= 0 {
		errs = append(errs, fmt.Sprintf("queue.refill_per_sec must be positive, got %g", cfg.Queue.RefillPerSec))
	}
	if cfg.Queue.BaseDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("queue.base_delay_ms must be non-negative, got %d", cfg.Queue.BaseDelayMs))
	}
	if cfg.Queue.MaxDelayMs < cfg.Queue.BaseDelayMs {
		errs = append(errs, fmt.Sprintf("queue.max_delay_ms must be at least base_delay_ms (%d), got %d", cfg.Queue.BaseDelayMs, cfg.Queue.MaxDelayMs))
	}
	if cfg.Queue.Jitter < 0 || cfg.Queue.Jitter >= 1 {
		errs = append(errs, fmt.Sprintf("queue.jitter must be in [0, 1), got %g", cfg.Queue.Jitter))
	}

	// Speculate validation
	if cfg.Speculate.BudgetMs < 0 {
		errs = append(errs, fmt.Sprintf("speculate.budget_ms must be non-negative, got %d", cfg.Speculate.BudgetMs))
	}
	if len(cfg.Speculate.DefaultModels) == 0 {
		errs = append(errs, "speculate.default_models must list at least one model")
	}

	// Correct validation
	if cfg.Correct.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("correct.max_attempts must be at least 1, got %d", cfg.Correct.MaxAttempts))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
