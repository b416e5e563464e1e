package integrity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// IVSize is the GCM nonce length in bytes (96 bits)
	IVSize = 12
	// TagSize is the GCM authentication tag length in bytes (128 bits)
	TagSize = 16
)

var (
	// ErrInvalidKeyLength is returned when an AES key is not 16 or 32 bytes
	ErrInvalidKeyLength = errors.New("integrity: encryption key must be 16 or 32 bytes")
	// ErrInvalidIV is returned when an IV is not IVSize bytes
	ErrInvalidIV = errors.New("integrity: iv must be 12 bytes")
	// ErrDecryptionFailed is returned when GCM authentication fails, which
	// means the ciphertext, IV or key do not match.
	ErrDecryptionFailed = errors.New("integrity: decryption failed")
)

// Cipher seals sensitive payload bytes with AES-GCM
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCipher validates the key and prepares the AEAD. Key length problems
// surface here, once, rather than on every record.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AES: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// Seal encrypts plaintext under a fresh random IV. The returned ciphertext
// carries the authentication tag as its last TagSize bytes.
func (c *Cipher) Seal(plaintext []byte) (iv, ciphertext []byte, err error) {
	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return iv, c.aead.Seal(nil, iv, plaintext, nil), nil
}

// SealWithIV encrypts plaintext under the caller's IV. Reusing an IV with
// the same key breaks GCM; this exists for deterministic test vectors.
func (c *Cipher) SealWithIV(iv, plaintext []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, ErrInvalidIV
	}
	return c.aead.Seal(nil, iv, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal
func (c *Cipher) Open(iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, ErrInvalidIV
	}
	if len(ciphertext) < TagSize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := c.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// GenerateKey creates a random AES key of size 16 or 32
func GenerateKey(size int) ([]byte, error) {
	if size != 16 && size != 32 {
		return nil, ErrInvalidKeyLength
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
