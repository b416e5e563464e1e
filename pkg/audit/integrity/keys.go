package integrity

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyConfig holds encoded key material. Values are hex unless prefixed with
// "base64:".
type KeyConfig struct {
	SigningKey    string
	EncryptionKey string

	// PlaintextMode must be set explicitly to run without a signing key.
	// Records written in this mode are unsigned and fail verification.
	PlaintextMode bool
}

// Keys is the loaded integrity configuration
type Keys struct {
	Signer    *Signer
	Cipher    *Cipher
	Plaintext bool
}

// LoadKeys decodes and validates key material. All key errors are
// configuration errors and should stop the process.
func LoadKeys(cfg KeyConfig) (*Keys, error) {
	keys := &Keys{}

	if cfg.SigningKey == "" {
		if !cfg.PlaintextMode {
			return nil, fmt.Errorf("%w (set plaintext mode explicitly to run unsigned)", ErrMissingKey)
		}
		keys.Plaintext = true
	} else {
		raw, err := DecodeKey(cfg.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
		signer, err := NewSigner(raw)
		if err != nil {
			return nil, err
		}
		keys.Signer = signer
	}

	if cfg.EncryptionKey != "" {
		raw, err := DecodeKey(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		c, err := NewCipher(raw)
		if err != nil {
			return nil, err
		}
		keys.Cipher = c
	}

	return keys, nil
}

// DecodeKey decodes a hex or "base64:"-prefixed key
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "base64:"); ok {
		return base64.StdEncoding.DecodeString(rest)
	}
	return hex.DecodeString(s)
}
