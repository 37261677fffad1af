package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// wrapKeyBits matches the hardware keystore the original host relied
// on; the software fallback keeps the same strength.
const wrapKeyBits = 2048

// SoftwareWrapKey is an RSA-OAEP wrap key persisted as a PEM file.
// On platforms with a hardware keystore the private key should live
// there instead; keeping it on disk weakens the at-rest story to
// filesystem permissions, which is why production builds are expected
// to supply their own WrapKey.
type SoftwareWrapKey struct {
	priv *rsa.PrivateKey
}

// LoadOrCreateWrapKey loads the wrap key PEM from dir, generating and
// persisting a fresh 2048-bit key on first use.
func LoadOrCreateWrapKey(dir string) (*SoftwareWrapKey, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create dir: %w", err)
	}
	path := filepath.Join(dir, "wrap_key.pem")

	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("keystore: wrap key file is not PEM")
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("keystore: parse wrap key: %w", err)
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("keystore: wrap key is not RSA")
		}
		return &SoftwareWrapKey{priv: priv}, nil
	}

	priv, err := rsa.GenerateKey(rand.Reader, wrapKeyBits)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate wrap key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("keystore: marshal wrap key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("keystore: write wrap key: %w", err)
	}
	return &SoftwareWrapKey{priv: priv}, nil
}

func (k *SoftwareWrapKey) Wrap(plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &k.priv.PublicKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: OAEP encrypt: %w", err)
	}
	return ct, nil
}

func (k *SoftwareWrapKey) Unwrap(ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: OAEP decrypt: %w", err)
	}
	return pt, nil
}

var _ WrapKey = (*SoftwareWrapKey)(nil)
