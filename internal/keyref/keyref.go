// Package keyref stores and resolves the cache encryption key. The key
// lives in the OS keychain by default, with env and file references for
// headless machines.
package keyref

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "hydra"

// DefaultAccount is the keychain account holding the cache encryption key.
const DefaultAccount = "cache-encryption"

// Store wraps the OS keychain for named secrets.
type Store struct{}

// New creates a Store.
func New() *Store {
	return &Store{}
}

// Set stores a secret under the given account in the OS keychain.
func (s *Store) Set(account, secret string) error {
	return keyring.Set(serviceName, account, secret)
}

// Get retrieves a secret. The keychain is checked first, then the
// HYDRA_KEY_{UPPER(account)} environment variable.
func (s *Store) Get(account string) (string, error) {
	secret, err := keyring.Get(serviceName, account)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := "HYDRA_KEY_" + strings.ToUpper(strings.ReplaceAll(account, "-", "_"))
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("no secret for %q: not in keychain and %s not set", account, envKey)
}

// Delete removes a secret from the OS keychain.
func (s *Store) Delete(account string) error {
	return keyring.Delete(serviceName, account)
}

// Resolve turns a key reference into key material. Supported forms:
//   - "keyring://hydra/<account>" — OS keychain
//   - "env:VARIABLE_NAME"         — environment variable
//   - "file:///path/to/key"       — plain-text file, trimmed
//   - anything else               — treated as literal key material
func (s *Store) Resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "keyring://"):
		path := strings.TrimPrefix(ref, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference %q (expected \"keyring://hydra/<account>\")", ref)
		}
		return s.Get(parts[1])

	case strings.HasPrefix(ref, "env:"):
		envVar := strings.TrimPrefix(ref, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)

	case strings.HasPrefix(ref, "file://"):
		path := strings.TrimPrefix(ref, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", path, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", path)
		}
		return key, nil
	}
	return ref, nil
}
