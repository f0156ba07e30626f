// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crypto provides the field-level encryption used for sensitive
// database columns. Ciphertexts are Fernet tokens (AES-128-CBC + HMAC-SHA256
// under a 256-bit key), stored as opaque byte strings; the database layer has
// no special knowledge of the format.
package crypto

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// DecryptionError indicates that a ciphertext could not be verified and
// decrypted. It is never recoverable by retrying: either the key is wrong or
// the stored bytes were corrupted. Callers must fail loudly and must not fall
// back to treating the raw bytes as plaintext.
type DecryptionError struct {
	Field string
}

func (e *DecryptionError) Error() string {
	if e.Field == "" {
		return "crypto: ciphertext could not be decrypted"
	}
	return fmt.Sprintf("crypto: ciphertext for field %q could not be decrypted", e.Field)
}

// IsDecryptionError reports whether err wraps a DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// Codec encrypts and decrypts sensitive field values with a single Fernet key.
// Key rotation is out of scope; the key list always has length one.
type Codec struct {
	keys []*fernet.Key
}

// NewCodec parses a URL-safe base64 encoded 256-bit Fernet key.
func NewCodec(encodedKey string) (*Codec, error) {
	if encodedKey == "" {
		return nil, errors.New("crypto: encryption key is empty")
	}
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid encryption key: %w", err)
	}
	return &Codec{keys: []*fernet.Key{key}}, nil
}

// GenerateKey returns a fresh encoded Fernet key. Used by tests and by the
// migrate command's --gen-key flag.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key.Encode(), nil
}

// EncryptBytes encrypts an arbitrary byte blob into a Fernet token.
func (c *Codec) EncryptBytes(plaintext []byte) ([]byte, error) {
	token, err := fernet.EncryptAndSign(plaintext, c.keys[0])
	if err != nil {
		return nil, fmt.Errorf("crypto: encryption failed: %w", err)
	}
	return token, nil
}

// DecryptBytes verifies and decrypts a Fernet token. The field name is only
// used to produce a useful error message.
func (c *Codec) DecryptBytes(ciphertext []byte, field string) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	// TTL 0 disables token expiry; retention is enforced by cleanup jobs,
	// not by the encryption layer.
	plaintext := fernet.VerifyAndDecrypt(ciphertext, 0, c.keys)
	if plaintext == nil {
		return nil, &DecryptionError{Field: field}
	}
	return plaintext, nil
}

// EncryptString encrypts a string value.
func (c *Codec) EncryptString(plaintext string) ([]byte, error) {
	return c.EncryptBytes([]byte(plaintext))
}

// DecryptString verifies and decrypts a string value.
func (c *Codec) DecryptString(ciphertext []byte, field string) (string, error) {
	plaintext, err := c.DecryptBytes(ciphertext, field)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
