package cache

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestParseKey_Hex(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	key, err := ParseKey(hexKey)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
}

func TestParseKey_Base64(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	key, err := ParseKey(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
}

func TestParseKey_Rejects(t *testing.T) {
	for _, bad := range []string{
		"",
		"short",
		base64.StdEncoding.EncodeToString(make([]byte, 16)), // wrong size
		strings.Repeat("zz", 32),                            // not hex, not base64 of 32
	} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) should fail", bad)
		}
	}
}

func TestBox_SealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	b, err := newBox(key)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte(`{"response":"hello world"}`)
	rec, err := b.seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !rec.Encrypted {
		t.Error("record should be marked encrypted")
	}

	got, err := b.open(rec)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestBox_FreshNoncePerSeal(t *testing.T) {
	b, _ := newBox(make([]byte, 32))
	r1, _ := b.seal([]byte("same plaintext"))
	r2, _ := b.seal([]byte("same plaintext"))
	if r1.IV == r2.IV {
		t.Error("nonces must be unique per record")
	}
	if r1.Data == r2.Data {
		t.Error("ciphertexts should differ under distinct nonces")
	}
}

func TestBox_TamperDetected(t *testing.T) {
	b, _ := newBox(make([]byte, 32))
	rec, _ := b.seal([]byte("authentic data"))

	ct, _ := base64.StdEncoding.DecodeString(rec.Data)
	ct[0] ^= 0xff
	rec.Data = base64.StdEncoding.EncodeToString(ct)

	if _, err := b.open(rec); err == nil {
		t.Error("tampered ciphertext must fail to open")
	}
}

func TestBox_WrongKeyFails(t *testing.T) {
	b1, _ := newBox(make([]byte, 32))
	other := make([]byte, 32)
	other[31] = 1
	b2, _ := newBox(other)

	rec, _ := b1.seal([]byte("data"))
	if _, err := b2.open(rec); err == nil {
		t.Error("wrong key must fail closed")
	}
}
