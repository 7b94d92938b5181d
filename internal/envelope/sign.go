package envelope

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Sign computes the detached ed25519 signature over the canonical
// serialization and stores it on the envelope. Any existing signature is
// replaced.
func Sign(e *Envelope, key ed25519.PrivateKey) {
	e.Signature = nil
	e.Signature = ed25519.Sign(key, Canonical(e))
}

// Verify reports whether the envelope's signature verifies under pub.
func Verify(e *Envelope, pub ed25519.PublicKey) bool {
	if len(e.Signature) != ed25519.SignatureSize || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, Canonical(e), e.Signature)
}

// LoadSigningKey reads an ed25519 private key from a PKCS#8 PEM file.
func LoadSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want ed25519", parsed)
	}
	return key, nil
}

// SaveSigningKey writes an ed25519 private key as PKCS#8 PEM, 0600.
// Used by provisioning tooling and tests.
func SaveSigningKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	return nil
}
