package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrMissingKey is returned when no signing key is configured
var ErrMissingKey = errors.New("integrity: signing key is required")

// Signer computes chained HMAC-SHA256 signatures. It holds no chain state;
// the caller owns the previous-signature cursor.
type Signer struct {
	key []byte
}

// NewSigner creates a signer. Keys shorter than 16 bytes are rejected.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("integrity: signing key must be at least 16 bytes, got %d", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

// PayloadDigest returns HMAC-SHA256(key, payload)
func (s *Signer) PayloadDigest(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Chain returns HMAC-SHA256(key, previous ++ PayloadDigest(payload)).
// previous is empty for the first record of a chain.
func (s *Signer) Chain(previous, payload []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(previous)
	mac.Write(s.PayloadDigest(payload))
	return mac.Sum(nil)
}

// Sign chains payload onto a hex-encoded previous signature and returns the
// hex-encoded result.
func (s *Signer) Sign(previousHex string, payload []byte) (string, error) {
	prev, err := hex.DecodeString(previousHex)
	if err != nil {
		return "", fmt.Errorf("invalid previous signature: %w", err)
	}
	return hex.EncodeToString(s.Chain(prev, payload)), nil
}

// Equal compares two hex signatures in constant time
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
