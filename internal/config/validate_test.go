package config

import (
	"strings"
	"testing"
)

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "http_port") {
		t.Errorf("expected http_port error, got %v", err)
	}
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.LogLevel = "loud"
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Errorf("expected log_level error, got %v", err)
	}
}

func TestValidate_RejectsBadOllamaHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ollama.Host = "not-a-url"
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "ollama.host") {
		t.Errorf("expected ollama.host error, got %v", err)
	}
}

func TestValidate_RejectsBadJitter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Jitter = 1.5
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "jitter") {
		t.Errorf("expected jitter error, got %v", err)
	}
}

func TestValidate_RejectsMaxDelayBelowBase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.BaseDelayMs = 5000
	cfg.Queue.MaxDelayMs = 1000
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "max_delay_ms") {
		t.Errorf("expected max_delay_ms error, got %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = -1
	cfg.Queue.MaxConcurrent = 0
	cfg.Queue.RefillPerSec = 0
	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"http_port", "max_concurrent", "refill_per_sec"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestValidate_TracingExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "tracing.exporter") {
		t.Errorf("expected tracing.exporter error, got %v", err)
	}
}
