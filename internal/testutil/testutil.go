// Package testutil provides shared test helpers: a wire-level fake Ollama
// server and config fixtures.
package testutil

import (
	"testing"

	"github.com/hydraproject/hydra/internal/config"
)

// NewTestConfig returns a minimal valid config for testing.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Cache.Dir = t.TempDir()
	return cfg
}
