// Package crypto provides Ed25519 signing for evidence bundles and
// signature verification for inbound orders, plus the canonical JSON
// encoding that all signing is gated on.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrKeyUnavailable indicates the signing key could not be loaded.
// Fatal to the process (exit code 2): the agent must never produce
// unsigned evidence.
var ErrKeyUnavailable = errors.New("signing key unavailable")

// Signer signs evidence content hashes with an Ed25519 private key.
type Signer struct {
	priv   ed25519.PrivateKey
	pubHex string
}

// LoadSigningKey loads an Ed25519 seed from path. Returns a
// ErrKeyUnavailable-wrapped error when the file is missing or malformed.
func LoadSigningKey(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyUnavailable, path, err)
	}
	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d-byte seed",
			ErrKeyUnavailable, path, len(data), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(data)
	return &Signer{
		priv:   priv,
		pubHex: hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
	}, nil
}

// LoadOrCreateSigningKey loads the key at path, generating and
// persisting a new seed (mode 0600) if the file does not exist.
func LoadOrCreateSigningKey(path string) (*Signer, error) {
	if s, err := LoadSigningKey(path); err == nil {
		return s, nil
	} else if _, statErr := os.Stat(path); statErr == nil {
		// File exists but is unusable — do not overwrite it.
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", ErrKeyUnavailable, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create key dir: %v", ErrKeyUnavailable, err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("%w: write key: %v", ErrKeyUnavailable, err)
	}

	return &Signer{priv: priv, pubHex: hex.EncodeToString(pub)}, nil
}

// Sign returns the base64-friendly hex Ed25519 signature of data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// SignBase64 returns the base64 Ed25519 signature of data. Evidence
// bundles carry their signature in this form on the wire.
func (s *Signer) SignBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, data))
}

// PublicKeyHex returns the hex-encoded public key.
func (s *Signer) PublicKeyHex() string { return s.pubHex }

// VerifyBase64 checks a base64 signature against data under pubHex.
func VerifyBase64(pubHex string, data []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature base64: %w", err)
	}
	return Verify(pubHex, data, hex.EncodeToString(sig))
}

// Verify checks sigHex against data under pubHex.
func Verify(pubHex string, data []byte, sigHex string) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("decode public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: got %d, want %d", len(pub), ed25519.PublicKeySize)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return fmt.Errorf("Ed25519 signature verification failed")
	}
	return nil
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
