// Package keys manages the EC P-256 key pair this gateway publishes at the
// provider's well-known endpoint so the provider can verify signed remote
// telemetry configurations. The well-known endpoint serves a raw
// "PUBLIC KEY" PEM block, not a certificate, so this is a bare key pair
// rather than a self-signed cert.
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "private-key.pem"
	publicKeyFile  = "public-key.pem"
)

// HasKeyPair reports whether both key files already exist under dir.
func HasKeyPair(dir string) bool {
	_, privErr := os.Stat(filepath.Join(dir, privateKeyFile))
	_, pubErr := os.Stat(filepath.Join(dir, publicKeyFile))
	return privErr == nil && pubErr == nil
}

// Generate creates a new EC P-256 key pair and writes it to dir, overwriting
// any existing files. Returns the PEM encoding of the public key.
func Generate(dir string) (publicKeyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate key: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("keys: marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keys: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keys: create key dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("keys: write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("keys: write public key: %w", err)
	}

	return pubPEM, nil
}

// LoadPublicKeyPEM reads the public key PEM from dir.
func LoadPublicKeyPEM(dir string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("keys: read public key: %w", err)
	}
	return b, nil
}

// LoadPrivateKey reads and parses the EC private key from dir, used to sign
// outbound remote telemetry configuration pushes.
func LoadPrivateKey(dir string) (*ecdsa.PrivateKey, error) {
	b, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("keys: read private key: %w", err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("keys: decode private key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	return key, nil
}

// LoadOrGenerate returns the public key PEM for dir, generating a fresh key
// pair on first use.
func LoadOrGenerate(dir string) ([]byte, error) {
	if HasKeyPair(dir) {
		return LoadPublicKeyPEM(dir)
	}
	return Generate(dir)
}

// Fingerprint returns a short hex fingerprint of the public key PEM
// (first eight bytes of its SHA-256 digest), used for `key show` output.
func Fingerprint(publicKeyPEM []byte) string {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return ""
	}
	sum := sha256.Sum256(block.Bytes)
	return fmt.Sprintf("%x", sum[:8])
}
