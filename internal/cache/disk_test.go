package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestDisk(t *testing.T, key []byte, debounce time.Duration) *diskTier {
	t.Helper()
	var b *box
	if key != nil {
		var err error
		if b, err = newBox(key); err != nil {
			t.Fatalf("newBox: %v", err)
		}
	}
	d, err := newDiskTier(t.TempDir(), debounce, b)
	if err != nil {
		t.Fatalf("newDiskTier: %v", err)
	}
	return d
}

func testEntry(fp, response string) *Entry {
	return &Entry{
		Fingerprint:   fp,
		Model:         "m",
		PromptPreview: "prompt",
		Response:      response,
		Source:        SourceBackend,
		Timestamp:     time.Now().UnixMilli(),
	}
}

func TestDisk_PlaintextRoundTrip(t *testing.T) {
	d := newTestDisk(t, nil, time.Millisecond)

	d.put(testEntry("aaaa", "the stored response"))
	d.flush("aaaa")

	e, ok := d.get("aaaa", time.Hour)
	if !ok {
		t.Fatal("expected hit")
	}
	if e.Response != "the stored response" || e.Model != "m" || e.PromptPreview != "prompt" {
		t.Errorf("round trip mismatch: %+v", e)
	}

	// The file itself is readable plaintext JSON.
	raw, err := os.ReadFile(d.path("aaaa"))
	if err != nil {
		t.Fatal(err)
	}
	var rec diskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("plaintext record should parse: %v", err)
	}
	if rec.Response != "the stored response" {
		t.Errorf("file response = %q", rec.Response)
	}
}

func TestDisk_EncryptedRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	d := newTestDisk(t, key, time.Millisecond)

	d.put(testEntry("bbbb", "secret response text"))
	d.flush("bbbb")

	e, ok := d.get("bbbb", time.Hour)
	if !ok {
		t.Fatal("expected hit")
	}
	if e.Response != "secret response text" {
		t.Errorf("response = %q", e.Response)
	}

	// On disk the payload is an encrypted envelope, not the plaintext.
	raw, err := os.ReadFile(d.path("bbbb"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "secret response text") {
		t.Error("plaintext leaked to disk")
	}
	var env encryptedRecord
	if err := json.Unmarshal(raw, &env); err != nil || !env.Encrypted {
		t.Errorf("expected encrypted envelope, got %s", raw)
	}
	if env.IV == "" || env.Tag == "" || env.Data == "" {
		t.Errorf("envelope missing fields: %+v", env)
	}
}

func TestDisk_WrongKeyFailsClosed(t *testing.T) {
	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	key2[0] = 0xff

	d1 := newTestDisk(t, key1, time.Millisecond)
	d1.put(testEntry("cccc", "protected response"))
	d1.flush("cccc")

	// Reopen the same directory with a different key.
	b2, err := newBox(key2)
	if err != nil {
		t.Fatal(err)
	}
	d2 := &diskTier{dir: d1.dir, debounce: time.Millisecond, box: b2, pending: map[string]*pendingWrite{}}

	if _, ok := d2.get("cccc", time.Hour); ok {
		t.Fatal("decryption with the wrong key must miss, not return data")
	}
	// Fail-closed also removes the unreadable file.
	if _, err := os.Stat(d1.path("cccc")); !os.IsNotExist(err) {
		t.Error("undecryptable file should be removed")
	}
}

func TestDisk_DebounceCollapsesRapidOverwrites(t *testing.T) {
	d := newTestDisk(t, nil, 40*time.Millisecond)

	for i := 0; i < 10; i++ {
		e := testEntry("dddd", "version final")
		d.put(e)
	}
	// Before the window elapses nothing is on disk, but reads see the
	// pending record.
	if _, err := os.Stat(d.path("dddd")); !os.IsNotExist(err) {
		t.Error("write should still be pending")
	}
	if e, ok := d.get("dddd", time.Hour); !ok || e.Response != "version final" {
		t.Error("pending record should be readable")
	}

	time.Sleep(80 * time.Millisecond)
	if _, err := os.Stat(d.path("dddd")); err != nil {
		t.Errorf("debounced write never flushed: %v", err)
	}
}

func TestDisk_FlushAllWritesPending(t *testing.T) {
	d := newTestDisk(t, nil, time.Hour) // never fires on its own

	d.put(testEntry("e1", "first pending"))
	d.put(testEntry("e2", "second pending"))
	d.flushAll()

	for _, fp := range []string{"e1", "e2"} {
		if _, err := os.Stat(d.path(fp)); err != nil {
			t.Errorf("pending %s not flushed: %v", fp, err)
		}
	}

	// After close, further puts are dropped.
	d.put(testEntry("e3", "late"))
	time.Sleep(10 * time.Millisecond)
	if _, err := os.Stat(d.path("e3")); !os.IsNotExist(err) {
		t.Error("puts after flushAll should be ignored")
	}
}

func TestDisk_CorruptFileRemoved(t *testing.T) {
	d := newTestDisk(t, nil, time.Millisecond)

	path := d.path("ffff")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.get("ffff", time.Hour); ok {
		t.Fatal("corrupt file must miss")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt file should be removed")
	}
}

func TestDisk_PurgeExpiredByMtime(t *testing.T) {
	d := newTestDisk(t, nil, time.Millisecond)

	d.put(testEntry("old1", "stale response"))
	d.flush("old1")

	// Age the file.
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(d.path("old1"), past, past); err != nil {
		t.Fatal(err)
	}

	if removed := d.purgeExpired(time.Hour); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(d.path("old1")); !os.IsNotExist(err) {
		t.Error("expired file should be gone")
	}
}

func TestDisk_AtomicWriteLeavesNoTempFiles(t *testing.T) {
	d := newTestDisk(t, nil, time.Millisecond)

	d.put(testEntry("gggg", "some response"))
	d.flush("gggg")

	files, err := os.ReadDir(d.dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if strings.Contains(f.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", f.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(d.dir, "gggg.json")); err != nil {
		t.Errorf("final file missing: %v", err)
	}
}
