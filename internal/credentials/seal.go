package credentials

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// sealPrefix marks a bundle document encrypted with Seal.
const sealPrefix = "aes-gcm:"

// ErrBundleKey is returned when a sealed bundle cannot be opened.
var ErrBundleKey = errors.New("bundle key")

// IsSealed reports whether data carries the sealed-bundle prefix.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte(sealPrefix))
}

// Seal encrypts a bundle document with AES-256-GCM and returns
// "aes-gcm:" + base64(nonce + ciphertext + tag).
func Seal(doc []byte, key string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nonce, nonce, doc, nil)
	return []byte(sealPrefix + base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open reverses Seal. Unsealed input is returned unchanged.
func Open(data []byte, key string) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if key == "" {
		return nil, fmt.Errorf("%w: bundle is sealed but no key is configured", ErrBundleKey)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimPrefix(bytes.TrimSpace(data), []byte(sealPrefix))))
	if err != nil {
		return nil, fmt.Errorf("decode sealed bundle: %w", err)
	}
	n := gcm.NonceSize()
	if len(raw) < n {
		return nil, errors.New("sealed bundle too short")
	}
	doc, err := gcm.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key or corrupted bundle", ErrBundleKey)
	}
	return doc, nil
}

func newGCM(key string) (cipher.AEAD, error) {
	k, err := deriveKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// deriveKey accepts a 32-byte key as 64 hex chars, 44 base64 chars or raw.
func deriveKey(input string) ([]byte, error) {
	if len(input) == 64 {
		if b, err := hex.DecodeString(input); err == nil {
			return b, nil
		}
	}
	if len(input) == 44 {
		if b, err := base64.StdEncoding.DecodeString(input); err == nil && len(b) == 32 {
			return b, nil
		}
	}
	if len(input) == 32 {
		return []byte(input), nil
	}
	return nil, fmt.Errorf("%w: must be 32 bytes (hex 64 chars, base64 44 chars, or raw 32 bytes)", ErrBundleKey)
}
