package fiscal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const gcmTagSize = 16

var (
	// ErrMalformedBlob: the stored blob does not have the iv:tag:ciphertext shape.
	ErrMalformedBlob = errors.New("vault: malformed blob")
	// ErrDecryptFailed: the authentication tag did not verify (tamper or corruption).
	ErrDecryptFailed = errors.New("vault: decryption failed")
)

// Vault encrypts device key material at rest with AES-256-GCM.
//
// Blob format: hex(iv) ":" hex(authTag) ":" hex(ciphertext).
// Plaintext key material must never be logged or persisted; callers hold
// it only for the duration of a single signing or storage operation.
type Vault struct {
	key []byte
}

// NewVault validates the process-wide key. A wrong-size key is a fatal
// configuration error, surfaced before any request is served.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, NewConfigurationError(fmt.Sprintf("vault key must be 32 bytes, got %d", len(key)))
	}
	k := make([]byte, 32)
	copy(k, key)
	return &Vault{key: k}, nil
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the tag to the ciphertext; store them as separate segments.
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

func (v *Vault) Decrypt(blob string) (string, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return "", ErrMalformedBlob
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", ErrMalformedBlob
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedBlob
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedBlob
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return "", ErrMalformedBlob
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
