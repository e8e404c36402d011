package cache

import "time"

// Source tags reported alongside a response.
const (
	SourceMemory  = "cache/memory"
	SourceDisk    = "cache/disk"
	SourceBackend = "backend"
)

// maxPromptPreview bounds the prompt bytes stored with an entry.
const maxPromptPreview = 100

// Entry is an immutable cached completion. Timestamp is unix milliseconds.
type Entry struct {
	Fingerprint   string `json:"fingerprint"`
	Model         string `json:"model"`
	PromptPreview string `json:"prompt"`
	Response      string `json:"response"`
	Source        string `json:"source"`
	Timestamp     int64  `json:"timestamp"`
}

// newEntry builds an Entry, truncating the prompt preview.
func newEntry(fp, model, prompt, response, source string) *Entry {
	preview := prompt
	if len(preview) > maxPromptPreview {
		preview = preview[:maxPromptPreview]
	}
	return &Entry{
		Fingerprint:   fp,
		Model:         model,
		PromptPreview: preview,
		Response:      response,
		Source:        source,
		Timestamp:     time.Now().UnixMilli(),
	}
}

// Expired reports whether the entry has outlived the given TTL.
func (e *Entry) Expired(ttl time.Duration) bool {
	return time.Now().UnixMilli()-e.Timestamp > ttl.Milliseconds()
}

// size approximates the entry's memory footprint in bytes for the L1 budget.
func (e *Entry) size() int64 {
	return int64(len(e.Fingerprint) + len(e.Model) + len(e.PromptPreview) + len(e.Response) + len(e.Source) + 8)
}
