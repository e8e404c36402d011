package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const gcmTagSize = 16

// ParseKey accepts a 32-byte AEAD key encoded as 64 hex characters or as
// standard base64. Any other shape is rejected.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty encryption key")
	}
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	if key, err := base64.StdEncoding.DecodeString(s); err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
		}
		return key, nil
	}
	return nil, fmt.Errorf("encryption key must be 64 hex chars or base64 of 32 bytes")
}

// encryptedRecord is the on-disk form of an AEAD-protected cache entry.
// The GCM tag is stored separately from the ciphertext.
type encryptedRecord struct {
	Encrypted bool   `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	Data      string `json:"data"`
}

// box seals and opens disk records with AES-256-GCM.
type box struct {
	aead cipher.AEAD
}

func newBox(key []byte) (*box, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &box{aead: aead}, nil
}

// seal encrypts plaintext under a fresh 12-byte nonce.
func (b *box) seal(plaintext []byte) (*encryptedRecord, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := b.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	return &encryptedRecord{
		Encrypted: true,
		IV:        base64.StdEncoding.EncodeToString(nonce),
		Tag:       base64.StdEncoding.EncodeToString(tag),
		Data:      base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// open decrypts a record, failing closed on any tampering or key mismatch.
func (b *box) open(rec *encryptedRecord) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(rec.Tag)
	if err != nil {
		return nil, fmt.Errorf("decoding tag: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding data: %w", err)
	}
	plaintext, err := b.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("opening record: %w", err)
	}
	return plaintext, nil
}
