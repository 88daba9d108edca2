// Package identity derives per-session credentials from a client-held seed.
//
// A seed is expanded with HKDF-SHA256 under two fixed labels into a token id
// and an auth key. The token id is what a client presents (as the Hawk id);
// only HmacID(tokenID, secret) is ever used as a storage key.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	SeedSize = 32
	keySize  = 32

	namespace = "msisdn-gateway/identity/v1/"
)

var (
	labelTokenID = []byte(namespace + "tokenId")
	labelAuthKey = []byte(namespace + "authKey")
)

// Credentials are hex encoded. SessionToken is the seed itself and is the
// only value handed back to the client at registration.
type Credentials struct {
	TokenID      string
	AuthKey      string
	SessionToken string
}

// Deriver produces credentials. The zero value reads entropy from crypto/rand.
type Deriver struct {
	random io.Reader
}

func NewDeriver() *Deriver {
	return &Deriver{random: rand.Reader}
}

// New draws a fresh seed and derives credentials from it.
func (d *Deriver) New() (Credentials, error) {
	r := d.random
	if r == nil {
		r = rand.Reader
	}
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return Credentials{}, fmt.Errorf("failed to read session seed: %w", err)
	}
	return Derive(seed)
}

// Derive is deterministic: the same seed always yields the same credentials.
func Derive(seed []byte) (Credentials, error) {
	if len(seed) < SeedSize {
		return Credentials{}, fmt.Errorf("session seed must be at least %d bytes, got %d", SeedSize, len(seed))
	}

	tokenID, err := expand(seed, labelTokenID)
	if err != nil {
		return Credentials{}, err
	}
	authKey, err := expand(seed, labelAuthKey)
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{
		TokenID:      hex.EncodeToString(tokenID),
		AuthKey:      hex.EncodeToString(authKey),
		SessionToken: hex.EncodeToString(seed),
	}, nil
}

// FromSessionToken re-derives credentials from the hex token a client holds.
func FromSessionToken(token string) (Credentials, error) {
	seed, err := hex.DecodeString(token)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to decode session token: %w", err)
	}
	return Derive(seed)
}

// HmacID is the storage key for a token id.
func HmacID(tokenID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tokenID))
	return hex.EncodeToString(mac.Sum(nil))
}

func expand(seed, label []byte) ([]byte, error) {
	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, label), out); err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", label, err)
	}
	return out, nil
}
