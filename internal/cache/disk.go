package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// diskTier is the L2 cache: one JSON file per fingerprint under dir.
// Writes are debounced per fingerprint so rapid overwrites collapse into a
// single file write; each write is atomic (temp file + rename).
type diskTier struct {
	dir      string
	debounce time.Duration
	box      *box // nil means plaintext records

	mu      sync.Mutex
	pending map[string]*pendingWrite
	closed  bool

	onWrite func(elapsed time.Duration, err error)
}

type pendingWrite struct {
	entry *Entry
	timer *time.Timer
}

// diskRecord is the plaintext on-disk form. The fingerprint is the filename.
type diskRecord struct {
	Prompt    string `json:"prompt"`
	Response  string `json:"response"`
	Source    string `json:"source"`
	Model     string `json:"model"`
	Timestamp int64  `json:"timestamp"`
}

func newDiskTier(dir string, debounce time.Duration, b *box) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &diskTier{
		dir:      dir,
		debounce: debounce,
		box:      b,
		pending:  make(map[string]*pendingWrite),
	}, nil
}

func (d *diskTier) path(fp string) string {
	return filepath.Join(d.dir, fp+".json")
}

// get loads an entry by fingerprint. A pending (not yet flushed) write is
// returned directly. Corrupt or expired files are removed and reported as
// a miss.
func (d *diskTier) get(fp string, ttl time.Duration) (*Entry, bool) {
	d.mu.Lock()
	if pw, ok := d.pending[fp]; ok {
		e := pw.entry
		d.mu.Unlock()
		if e.Expired(ttl) {
			return nil, false
		}
		return e, true
	}
	d.mu.Unlock()

	raw, err := os.ReadFile(d.path(fp))
	if err != nil {
		return nil, false
	}

	e, err := d.decode(fp, raw)
	if err != nil {
		log.Warn().Str("fingerprint", fp).Err(err).Msg("removing corrupt cache file")
		_ = os.Remove(d.path(fp))
		return nil, false
	}
	if e.Expired(ttl) {
		_ = os.Remove(d.path(fp))
		return nil, false
	}
	return e, true
}

// put schedules a debounced write for the entry. A second put for the same
// fingerprint inside the window replaces the pending record and restarts
// the timer.
func (d *diskTier) put(e *Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if pw, ok := d.pending[e.Fingerprint]; ok {
		pw.entry = e
		pw.timer.Reset(d.debounce)
		return
	}
	pw := &pendingWrite{entry: e}
	pw.timer = time.AfterFunc(d.debounce, func() {
		d.flush(e.Fingerprint)
	})
	d.pending[e.Fingerprint] = pw
}

// flush writes the pending record for a fingerprint, if still pending.
func (d *diskTier) flush(fp string) {
	d.mu.Lock()
	pw, ok := d.pending[fp]
	if ok {
		delete(d.pending, fp)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.write(pw.entry)
}

// flushAll synchronously writes every pending record. Used on shutdown.
func (d *diskTier) flushAll() {
	d.mu.Lock()
	d.closed = true
	pending := make([]*pendingWrite, 0, len(d.pending))
	for _, pw := range d.pending {
		pw.timer.Stop()
		pending = append(pending, pw)
	}
	d.pending = make(map[string]*pendingWrite)
	d.mu.Unlock()

	for _, pw := range pending {
		d.write(pw.entry)
	}
}

// write encodes and atomically persists a single entry.
func (d *diskTier) write(e *Entry) {
	start := time.Now()
	err := d.writeFile(e)
	if d.onWrite != nil {
		d.onWrite(time.Since(start), err)
	}
	if err != nil {
		log.Warn().Str("fingerprint", e.Fingerprint).Err(err).Msg("cache disk write failed")
	}
}

func (d *diskTier) writeFile(e *Entry) error {
	rec := diskRecord{
		Prompt:    e.PromptPreview,
		Response:  e.Response,
		Source:    e.Source,
		Model:     e.Model,
		Timestamp: e.Timestamp,
	}
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling record: %w", err)
	}

	var data []byte
	if d.box != nil {
		enc, err := d.box.seal(plain)
		if err != nil {
			return fmt.Errorf("sealing record: %w", err)
		}
		if data, err = json.Marshal(enc); err != nil {
			return fmt.Errorf("marshalling sealed record: %w", err)
		}
	} else {
		data = plain
	}

	// Atomic write: temp file in the same directory, then rename.
	tmp, err := os.CreateTemp(d.dir, "."+e.Fingerprint+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, d.path(e.Fingerprint)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// decode parses a raw record, decrypting when a key is configured.
func (d *diskTier) decode(fp string, raw []byte) (*Entry, error) {
	// Sniff the encrypted envelope regardless of key configuration so a
	// plaintext cache read with a key present fails loudly, not silently.
	var env struct {
		Encrypted bool `json:"encrypted"`
	}
	_ = json.Unmarshal(raw, &env)

	plain := raw
	if env.Encrypted {
		if d.box == nil {
			return nil, fmt.Errorf("encrypted record but no key configured")
		}
		var enc encryptedRecord
		if err := json.Unmarshal(raw, &enc); err != nil {
			return nil, fmt.Errorf("parsing sealed record: %w", err)
		}
		var err error
		if plain, err = d.box.open(&enc); err != nil {
			return nil, err
		}
	}

	var rec diskRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("parsing record: %w", err)
	}
	if rec.Response == "" {
		return nil, fmt.Errorf("record has empty response")
	}
	return &Entry{
		Fingerprint:   fp,
		Model:         rec.Model,
		PromptPreview: rec.Prompt,
		Response:      rec.Response,
		Source:        rec.Source,
		Timestamp:     rec.Timestamp,
	}, nil
}

// purgeExpired removes files older than the TTL, judged by file mtime.
// The debouncer guarantees mtime tracks the entry's last insertion.
func (d *diskTier) purgeExpired(ttl time.Duration) int {
	return d.removeOlderThan(time.Now().Add(-ttl))
}

// removeOlderThan deletes cache files modified before the cutoff.
func (d *diskTier) removeOlderThan(cutoff time.Time) int {
	files, err := os.ReadDir(d.dir)
	if err != nil {
		log.Warn().Err(err).Msg("cache sweep: reading directory")
		return 0
	}

	var removed int
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(d.dir, f.Name())); err == nil {
				removed++
			}
		}
	}
	return removed
}

// walk loads every readable, decodable entry, calling fn for each.
// Used for advisory warmup at startup.
func (d *diskTier) walk(ttl time.Duration, fn func(*Entry)) {
	files, err := os.ReadDir(d.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		fp := strings.TrimSuffix(name, ".json")
		if e, ok := d.get(fp, ttl); ok {
			fn(e)
		}
	}
}
