// Package daemon orchestrates the hydra process: logging, PID handling,
// component wiring, the HTTP and stdio surfaces, and graceful shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hydraproject/hydra/internal/backend"
	"github.com/hydraproject/hydra/internal/cache"
	"github.com/hydraproject/hydra/internal/config"
	"github.com/hydraproject/hydra/internal/dispatch"
	"github.com/hydraproject/hydra/internal/keyref"
	"github.com/hydraproject/hydra/internal/metrics"
	"github.com/hydraproject/hydra/internal/queue"
	"github.com/hydraproject/hydra/internal/rpc"
	"github.com/hydraproject/hydra/internal/server"
	"github.com/hydraproject/hydra/internal/speculate"
	"github.com/hydraproject/hydra/internal/tokenizer"
	"github.com/hydraproject/hydra/internal/tracing"
	"github.com/hydraproject/hydra/internal/version"
)

// Run is the main daemon orchestrator. It initialises all subsystems,
// starts the HTTP server (and the stdio loop when configured), and blocks
// until a shutdown signal is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	writers := []io.Writer{}

	// Always log to file; the stdio surface owns stdout.
	logPath := filepath.Join(dataDir, "hydra.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	if foreground && !cfg.Server.StdioRPC {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		writers = append(writers, consoleWriter)
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "hydra").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("hydra starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("hydra is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	// 3. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 4. Tracing.
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(context.Background(),
			cfg.Tracing.ServiceName, version.Version,
			cfg.Tracing.Exporter, cfg.Tracing.Endpoint,
			cfg.Tracing.SampleRate, cfg.Tracing.Insecure)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialise tracing; continuing without it")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(ctx); err != nil {
					log.Error().Err(err).Msg("tracing shutdown error")
				}
			}()
		}
	}

	// 5. Resolve the cache encryption key and open the cache.
	encryptionKey := ""
	if cfg.Cache.EncryptionKey != "" {
		key, err := keyref.New().Resolve(cfg.Cache.EncryptionKey)
		if err != nil {
			return fmt.Errorf("resolving cache encryption key: %w", err)
		}
		encryptionKey = key
	}

	cacheDir := cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = filepath.Join(dataDir, "cache")
	}
	responseCache, err := cache.New(cache.Config{
		Enabled:         cfg.Cache.Enabled,
		Dir:             expandHome(cacheDir),
		TTL:             cfg.Cache.TTL(),
		MaxEntries:      cfg.Cache.MaxMemoryEntries,
		MaxBytes:        int64(cfg.Cache.MaxMemoryMB) << 20,
		CleanupInterval: cfg.Cache.CleanupInterval(),
		PersistToDisk:   cfg.Cache.PersistToDisk,
		EncryptionKey:   encryptionKey,
		MinResponseLen:  cfg.Cache.MinResponseLen,
		WriteDebounce:   cfg.Cache.WriteDebounce(),
		WarmOnStart:     cfg.Cache.WarmOnStart,
	})
	if err != nil {
		return fmt.Errorf("opening response cache: %w", err)
	}

	// 6. Backend adapter and a startup health probe.
	be := backend.New(cfg.Ollama.Host, cfg.Ollama.HealthTimeout())

	probeCtx, probeCancel := context.WithTimeout(context.Background(), cfg.Ollama.HealthTimeout())
	healthy, models := be.Health(probeCtx)
	probeCancel()
	if healthy {
		log.Info().Int("models", len(models)).Str("host", cfg.Ollama.Host).Msg("ollama reachable")
	} else {
		log.Warn().Str("host", cfg.Ollama.Host).Msg("ollama unreachable at startup; requests will fail until it comes up")
	}

	// 7. Engine components.
	racer := speculate.New(be, speculate.DefaultValidator, backend.Options{
		Temperature: cfg.Ollama.Temperature,
		MaxTokens:   cfg.Ollama.MaxTokens,
		Timeout:     cfg.Ollama.RequestTimeout(),
	}, cfg.Speculate.Budget())

	sched := queue.New(queue.Config{
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		DefaultTimeout: cfg.Queue.ItemTimeout(),
		BucketCapacity: cfg.Queue.BucketCapacity,
		RefillPerSec:   cfg.Queue.RefillPerSec,
		Retry: queue.RetryPolicy{
			MaxRetries: cfg.Queue.MaxRetries,
			BaseDelay:  time.Duration(cfg.Queue.BaseDelayMs) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.Queue.MaxDelayMs) * time.Millisecond,
			Jitter:     cfg.Queue.Jitter,
		},
	})

	collector := metrics.NewCollector()

	dispatcher := dispatch.New(dispatch.Deps{
		Backend:   be,
		Cache:     responseCache,
		Racer:     racer,
		Scheduler: sched,
		Metrics:   collector,
		Tokens:    tokenizer.New(),
	})
	sched.SetHandler(dispatcher.QueueHandler())

	// 8. Start config watcher. Log level and queue pacing apply live.
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}

	if _, statErr := os.Stat(configFile); statErr == nil {
		w, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(old, newCfg *config.Config) {
				log.Info().Msg("configuration reloaded")
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
				if old.Queue.BucketCapacity != newCfg.Queue.BucketCapacity ||
					old.Queue.RefillPerSec != newCfg.Queue.RefillPerSec {
					sched.SetRateLimit(newCfg.Queue.BucketCapacity, newCfg.Queue.RefillPerSec)
				}
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 9. HTTP server.
	httpAddr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	srv := server.New(dispatcher, collector, metrics.Sources{
		QueueStatus: sched.Status,
		CacheStats:  responseCache.Stats,
	}, server.Options{
		Addr:           httpAddr,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    time.Duration(cfg.Server.IdleTimeout) * time.Second,
		TracingEnabled: cfg.Tracing.Enabled,
	})

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", httpAddr).Msg("http server starting")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 10. Optional stdio loop. EOF on stdin counts as a shutdown request.
	stdioDone := make(chan struct{})
	if cfg.Server.StdioRPC && foreground {
		loop := rpc.New(dispatcher, os.Stdin, os.Stdout)
		go func() {
			defer close(stdioDone)
			if err := loop.Run(context.Background()); err != nil {
				log.Error().Err(err).Msg("stdio loop error")
			}
		}()
		log.Info().Msg("stdio rpc loop started")
	}

	log.Info().Int("http_port", cfg.Server.HTTPPort).Msg("hydra is ready")
	if foreground && !cfg.Server.StdioRPC {
		fmt.Printf("\n  Hydra is running!\n")
		fmt.Printf("  RPC:     http://localhost:%d/rpc/{op}\n", cfg.Server.HTTPPort)
		fmt.Printf("  Health:  http://localhost:%d/health\n", cfg.Server.HTTPPort)
		fmt.Printf("  Metrics: http://localhost:%d/metrics\n\n", cfg.Server.HTTPPort)
	}

	// 11. Wait for shutdown signal, stdio EOF, or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-stdioIfEnabled(cfg.Server.StdioRPC && foreground, stdioDone):
		log.Info().Msg("stdin closed; shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	// 12. Graceful shutdown with a 30-second budget.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}
	responseCache.Close()

	log.Info().Msg("hydra stopped")
	return nil
}

// stdioIfEnabled returns the done channel when the stdio loop is active,
// or a channel that never fires so the select ignores the case.
func stdioIfEnabled(enabled bool, done chan struct{}) <-chan struct{} {
	if enabled {
		return done
	}
	return make(chan struct{})
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("hydra does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		// Stale PID file; clean it up.
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("hydra is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to hydra (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints a summary fetched
// from the HTTP status endpoint.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("hydra is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("hydra is running (PID %d)\n", pid)

	healthURL := fmt.Sprintf("http://localhost:%d/health", cfg.Server.HTTPPort)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Println("  (server unreachable)")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var status struct {
		Healthy       bool    `json:"healthy"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Cache         struct {
			Hits          int64   `json:"hits"`
			Misses        int64   `json:"misses"`
			HitRate       float64 `json:"hit_rate"`
			MemoryEntries int     `json:"memory_entries"`
		} `json:"cache"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return nil
	}

	fmt.Printf("\n  Backend healthy: %v\n", status.Healthy)
	fmt.Printf("  Uptime:          %s\n", time.Duration(status.UptimeSeconds*float64(time.Second)).Round(time.Second))
	fmt.Printf("  Cache hit rate:  %.1f%% (%d hits / %d misses)\n",
		status.Cache.HitRate, status.Cache.Hits, status.Cache.Misses)
	fmt.Printf("  Cache entries:   %d\n", status.Cache.MemoryEntries)

	return nil
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
