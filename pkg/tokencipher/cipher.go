// Package tokencipher encrypts stored provider credentials at rest.
package tokencipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "v1::"

// ErrMalformed is returned for ciphertexts that were not produced by Cipher.
var ErrMalformed = errors.New("tokencipher: malformed ciphertext")

// Cipher seals tokens with XChaCha20-Poly1305.
type Cipher struct {
	key []byte
}

// New derives the cipher key from secret.
func New(secret string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("encryption key is required")
	}
	sum := sha256.Sum256([]byte(secret))
	return &Cipher{key: sum[:]}, nil
}

// Encrypt seals plaintext into the versioned text form stored on owner rows.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", goerr.Wrap(err, "failed to init cipher")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", goerr.Wrap(err, "failed to read nonce")
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, prefix)
	if !ok {
		return "", ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", goerr.Wrap(ErrMalformed, "failed to decode ciphertext", goerr.V("cause", err.Error()))
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", goerr.Wrap(err, "failed to init cipher")
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrMalformed
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", goerr.Wrap(ErrMalformed, "failed to open ciphertext")
	}
	return string(plain), nil
}
