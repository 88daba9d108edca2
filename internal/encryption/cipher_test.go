package encryption

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/secretbox"

	"msisdn-gateway/internal/errs"
)

var _ Cipher = (*SecretBoxCipher)(nil)
var _ Cipher = FakeCipher{}

func TestSecretBox_RoundTrip(t *testing.T) {
	t.Parallel()

	c := NewSecretBoxCipher()
	for _, msisdn := range []string{"+15551234567", "", "+33 6 12 34 56 78"} {
		sealed, err := c.Encrypt("token-id", msisdn)
		require.NoError(t, err)

		plain, err := c.Decrypt("token-id", sealed)
		require.NoError(t, err)
		assert.Equal(t, msisdn, plain)
	}
}

func TestSecretBox_Probabilistic(t *testing.T) {
	t.Parallel()

	c := NewSecretBoxCipher()
	a, err := c.Encrypt("k", "+15551234567")
	require.NoError(t, err)
	b, err := c.Encrypt("k", "+15551234567")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSecretBox_SelfCheckRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	c := &SecretBoxCipher{
		random: rand.Reader,
		seal: func(out, message []byte, nonce *[nonceSize]byte, key *[32]byte) []byte {
			calls++
			box := secretbox.Seal(out, message, nonce, key)
			if calls == 1 {
				box[0] ^= 0xff
			}
			return box
		},
	}

	sealed, err := c.Encrypt("k", "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	plain, err := c.Decrypt("k", sealed)
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", plain)
}

func TestSecretBox_SelfCheckGivesUp(t *testing.T) {
	t.Parallel()

	c := &SecretBoxCipher{
		random: rand.Reader,
		seal: func(out, message []byte, nonce *[nonceSize]byte, key *[32]byte) []byte {
			return []byte("garbage")
		},
	}

	_, err := c.Encrypt("k", "+15551234567")
	assert.ErrorIs(t, err, ErrEncryptionFailed)
}

func TestSecretBox_DecryptEmpty(t *testing.T) {
	t.Parallel()

	plain, err := NewSecretBoxCipher().Decrypt("k", "")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestSecretBox_DecryptMalformed(t *testing.T) {
	t.Parallel()

	c := NewSecretBoxCipher()
	sealed, err := c.Encrypt("right-key", "+15551234567")
	require.NoError(t, err)

	cases := map[string]string{
		"not json":    "{{{",
		"bad base64":  `{"cipherText":"%%%","nonce":"AAAA"}`,
		"short nonce": `{"cipherText":"AAAA","nonce":"AAAA"}`,
		"wrong key":   sealed,
	}
	for name, input := range cases {
		key := "k"
		if name == "wrong key" {
			key = "wrong-key"
		}
		_, err := c.Decrypt(key, input)
		assert.True(t, errors.Is(err, errs.ErrDecode), "%s: %v", name, err)
	}
}

func TestNewCipher_Fake(t *testing.T) {
	t.Parallel()

	c := NewCipher(true)
	sealed, err := c.Encrypt("k", "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", sealed)

	plain, err := c.Decrypt("k", sealed)
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", plain)
}
