// Package reality provisions the x25519 key material used by Reality inbounds.
package reality

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"xray-fleet/internal/domain"
)

// ShortIDBytes is the number of random bytes behind a short id (16 hex characters).
const ShortIDBytes = 8

// Keys is a freshly generated Reality key set. Keys are unpadded URL-safe base64.
type Keys struct {
	PrivateKey string
	PublicKey  string
	ShortID    string
}

// ProvisionKeys generates a new key pair and short id from crypto/rand.
func ProvisionKeys() (Keys, error) {
	return ProvisionKeysFrom(rand.Reader)
}

// ProvisionKeysFrom generates a key set reading entropy from r.
func ProvisionKeysFrom(r io.Reader) (Keys, error) {
	var privateKey [curve25519.ScalarSize]byte
	if _, err := io.ReadFull(r, privateKey[:]); err != nil {
		return Keys{}, fmt.Errorf("failed to read private key entropy: %w", err)
	}
	clamp(&privateKey)

	publicKey, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return Keys{}, fmt.Errorf("failed to derive public key: %w", err)
	}

	shortID := make([]byte, ShortIDBytes)
	if _, err := io.ReadFull(r, shortID); err != nil {
		return Keys{}, fmt.Errorf("failed to read short id entropy: %w", err)
	}

	return Keys{
		PrivateKey: base64.RawURLEncoding.EncodeToString(privateKey[:]),
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicKey),
		ShortID:    hex.EncodeToString(shortID),
	}, nil
}

// PublicKey derives the encoded public key for an encoded private key.
func PublicKey(privateKey string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key encoding: %w", err)
	}
	if len(raw) != curve25519.ScalarSize {
		return "", fmt.Errorf("invalid private key length: %d", len(raw))
	}
	publicKey, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(publicKey), nil
}

// Valid reports whether the stored key set is complete and self-consistent.
func Valid(privateKey, publicKey, shortID string) bool {
	if privateKey == "" || publicKey == "" || shortID == "" {
		return false
	}
	derived, err := PublicKey(privateKey)
	return err == nil && derived == publicKey
}

// NeedsKeys reports whether an inbound runs Reality without a full key set.
func NeedsKeys(in domain.Inbound) bool {
	return in.Security == domain.SecurityReality && !in.HasRealityKeys()
}

// EnsureKeys provisions keys into a Reality inbound that lacks them. Existing
// keys are never replaced. It reports whether new keys were written.
func EnsureKeys(in *domain.Inbound) (bool, error) {
	if !NeedsKeys(*in) {
		return false, nil
	}
	keys, err := ProvisionKeys()
	if err != nil {
		return false, err
	}
	in.RealityPrivateKey = keys.PrivateKey
	in.RealityPublicKey = keys.PublicKey
	in.RealityShortID = keys.ShortID
	return true, nil
}

func clamp(k *[curve25519.ScalarSize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
