package cache

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Fingerprint computes the content-addressed key for a (model, prompt)
// pair: a SHA-256 digest rendered as hex. Model IDs are normalized to
// lower case; prompt bytes are hashed verbatim. A NUL separator keeps
// ("ab","c") and ("a","bc") distinct.
func Fingerprint(model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(model)))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return fmt.Sprintf("%x", h.Sum(nil))
}
