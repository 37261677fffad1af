// Package crypto provides the cryptographic primitives of the dongle
// protocol: ECDH P-256 key exchange with uncompressed public keys,
// HKDF-SHA256 and HMAC-SHA256 key derivation, truncated HMAC tags,
// PBKDF2 password stretching, and the AES-128-CTR stream used for both
// the session envelope and the wrapped APPKEY transfer.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// PublicKeyLen is the size of an uncompressed P-256 point
// (0x04 || x(32) || y(32)), the only form the dongle speaks.
const PublicKeyLen = 65

// TagLen is the length every HMAC tag is truncated to on the wire.
const TagLen = 16

// GenerateKeyPair creates an ephemeral ECDH P-256 key pair for a
// handshake. The public key is returned in its 65-byte uncompressed
// form, ready for the wire.
func GenerateKeyPair() (*ecdh.PrivateKey, []byte, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ble/crypto: generate key: %w", err)
	}
	return priv, priv.PublicKey().Bytes(), nil
}

// ParsePublicKey parses a 65-byte uncompressed P-256 public key.
func ParsePublicKey(data []byte) (*ecdh.PublicKey, error) {
	if len(data) != PublicKeyLen {
		return nil, fmt.Errorf("ble/crypto: public key must be %d bytes, got %d", PublicKeyLen, len(data))
	}
	pub, err := ecdh.P256().NewPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: parse public key: %w", err)
	}
	return pub, nil
}

// SharedSecret performs ECDH and returns the raw x-coordinate secret.
func SharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: ECDH: %w", err)
	}
	return secret, nil
}

// HKDF derives length bytes from ikm with HKDF-SHA256.
func HKDF(salt, ikm, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return out, nil
}

// HMAC computes the full 32-byte HMAC-SHA256 of the concatenated parts.
func HMAC(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// Tag computes an HMAC-SHA256 over the parts truncated to TagLen,
// the form every MAC field on the wire uses.
func Tag(key []byte, parts ...[]byte) []byte {
	return HMAC(key, parts...)[:TagLen]
}

// TagEqual compares a tag in constant time.
func TagEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// PBKDF2Key stretches a password with PBKDF2-HMAC-SHA256.
func PBKDF2Key(password, salt []byte, iters int) []byte {
	return pbkdf2.Key(password, salt, iters, 32, sha256.New)
}

// CTR returns the AES-128-CTR stream for key and a 16-byte iv. Only the
// first 16 bytes of the 32-byte derived key feed AES; the dongle
// firmware runs AES-128 (see DESIGN.md).
func CTR(key, iv []byte) (cipher.Stream, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("ble/crypto: CTR key must be at least 16 bytes, got %d", len(key))
	}
	if len(iv) != 16 {
		return nil, fmt.Errorf("ble/crypto: CTR iv must be 16 bytes, got %d", len(iv))
	}
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}

// CTRApply encrypts or decrypts data in one shot (CTR is symmetric).
func CTRApply(key, iv, data []byte) ([]byte, error) {
	stream, err := CTR(key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// Zero wipes a secret buffer in place. Password and key material goes
// through here on every exit path.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
