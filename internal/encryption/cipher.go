package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"msisdn-gateway/internal/errs"
)

const (
	nonceSize       = 24
	maxSealAttempts = 5
)

var ErrEncryptionFailed = errors.New("encryption failed")

// Cipher protects a phone number at rest under a per-session key.
// Decrypt of an empty ciphertext returns an empty plaintext and no error.
type Cipher interface {
	Encrypt(key, plaintext string) (string, error)
	Decrypt(key, ciphertext string) (string, error)
}

// NewCipher returns the secretbox cipher, or the pass-through one when fake
// is set (development only).
func NewCipher(fake bool) Cipher {
	if fake {
		return FakeCipher{}
	}
	return NewSecretBoxCipher()
}

type sealed struct {
	CipherText string `json:"cipherText"`
	Nonce      string `json:"nonce"`
}

type sealFunc func(out, message []byte, nonce *[nonceSize]byte, key *[32]byte) []byte

// SecretBoxCipher uses NaCl secretbox (XSalsa20-Poly1305) with a random nonce
// per call. Every ciphertext is opened once before it is returned.
type SecretBoxCipher struct {
	random io.Reader
	seal   sealFunc
}

func NewSecretBoxCipher() *SecretBoxCipher {
	return &SecretBoxCipher{random: rand.Reader, seal: secretbox.Seal}
}

func (c *SecretBoxCipher) Encrypt(key, plaintext string) (string, error) {
	k := deriveKey(key)

	for attempt := 0; attempt < maxSealAttempts; attempt++ {
		var nonce [nonceSize]byte
		if _, err := io.ReadFull(c.random, nonce[:]); err != nil {
			return "", fmt.Errorf("%w: read nonce: %v", ErrEncryptionFailed, err)
		}

		box := c.seal(nil, []byte(plaintext), &nonce, &k)
		encoded, err := json.Marshal(sealed{
			CipherText: base64.StdEncoding.EncodeToString(box),
			Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		})
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}

		check, err := c.Decrypt(key, string(encoded))
		if err == nil && subtle.ConstantTimeCompare([]byte(check), []byte(plaintext)) == 1 {
			return string(encoded), nil
		}
	}

	return "", fmt.Errorf("%w: self-check failed after %d attempts", ErrEncryptionFailed, maxSealAttempts)
}

func (c *SecretBoxCipher) Decrypt(key, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	var s sealed
	if err := json.Unmarshal([]byte(ciphertext), &s); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	box, err := base64.StdEncoding.DecodeString(s.CipherText)
	if err != nil {
		return "", fmt.Errorf("%w: cipher text: %v", errs.ErrDecode, err)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil || len(rawNonce) != nonceSize {
		return "", fmt.Errorf("%w: invalid nonce", errs.ErrDecode)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], rawNonce)
	k := deriveKey(key)

	plain, ok := secretbox.Open(nil, box, &nonce, &k)
	if !ok {
		return "", fmt.Errorf("%w: authentication failed", errs.ErrDecode)
	}
	return string(plain), nil
}

// FakeCipher stores plaintext unchanged.
type FakeCipher struct{}

func (FakeCipher) Encrypt(_, plaintext string) (string, error) { return plaintext, nil }

func (FakeCipher) Decrypt(_, ciphertext string) (string, error) { return ciphertext, nil }

func deriveKey(key string) [32]byte {
	return sha256.Sum256([]byte(key))
}
