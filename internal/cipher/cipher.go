// Package cipher encrypts sensitive record fields at the storage boundary
// and derives deterministic hashes so encrypted fields stay searchable by
// equality.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/scrypt"
)

// ErrIntegrity means a stored value looked encrypted but failed authentication.
var ErrIntegrity = errors.New("encrypted field failed integrity check")

const (
	kdfSalt     = "smdr-collector"
	kdfN        = 1 << 14
	kdfR        = 8
	kdfP        = 1
	keyLen      = 32
	nonceLen    = 12
	tagLen      = 16
	defaultSalt = "smdr-collector"
)

// FieldCipher is AES-256-GCM keyed from a passphrase with scrypt. A nil
// or keyless FieldCipher passes values through unchanged.
type FieldCipher struct {
	aead     cipher.AEAD
	hashSalt string
}

// New derives the key from passphrase. An empty passphrase disables
// encryption but still provides hashing.
func New(passphrase string) (*FieldCipher, error) {
	return NewWithSalt(passphrase, defaultSalt)
}

func NewWithSalt(passphrase, hashSalt string) (*FieldCipher, error) {
	fc := &FieldCipher{hashSalt: hashSalt}
	if passphrase == "" {
		return fc, nil
	}
	key, err := scrypt.Key([]byte(passphrase), []byte(kdfSalt), kdfN, kdfR, kdfP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	fc.aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return fc, nil
}

func (c *FieldCipher) Enabled() bool {
	return c != nil && c.aead != nil
}

// Encrypt returns base64(nonce):base64(tag):base64(ciphertext). Empty
// values and a disabled cipher return plain unchanged.
func (c *FieldCipher) Encrypt(plain string) (string, error) {
	if plain == "" || !c.Enabled() {
		return plain, nil
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plain), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	enc := base64.StdEncoding
	return enc.EncodeToString(nonce) + ":" + enc.EncodeToString(tag) + ":" + enc.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. Values that are not in the three-part form
// are returned as-is, since rows written before encryption was enabled are
// plaintext. A value in the three-part form that fails authentication
// returns ErrIntegrity and no plaintext.
func (c *FieldCipher) Decrypt(stored string) (string, error) {
	if stored == "" || !c.Enabled() {
		return stored, nil
	}
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return stored, nil
	}
	enc := base64.StdEncoding
	nonce, err1 := enc.DecodeString(parts[0])
	tag, err2 := enc.DecodeString(parts[1])
	ct, err3 := enc.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(nonce) != nonceLen || len(tag) != tagLen {
		return stored, nil
	}
	plain, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plain), nil
}

// HashForIndex is a salted BLAKE3 digest of the trimmed, lower-cased
// value. It is deterministic and one-way. Empty input hashes to "".
func (c *FieldCipher) HashForIndex(value string) string {
	norm := strings.ToLower(strings.TrimSpace(value))
	if norm == "" {
		return ""
	}
	salt := defaultSalt
	if c != nil && c.hashSalt != "" {
		salt = c.hashSalt
	}
	h := blake3.New()
	h.Write([]byte(salt + ":" + norm))
	return hex.EncodeToString(h.Sum(nil))
}
