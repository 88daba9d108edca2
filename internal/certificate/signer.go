// Package certificate signs the identity certificates handed to verified
// clients. Certificates are RS256 JWTs binding a client public key to the
// verified number.
package certificate

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/util"
)

// Principal is who a certificate speaks for. Email is the anonymized
// identifier "<hmac of the number>@<issuer>".
type Principal struct {
	Email string `json:"email"`
}

type Claims struct {
	jwt.RegisteredClaims
	Principal      Principal  `json:"principal"`
	PublicKey      *PublicKey `json:"public-key"`
	VerifiedMSISDN string     `json:"verifiedMSISDN"`
	LastAuthAt     int64      `json:"lastAuthAt"`
}

type Signer interface {
	Sign(principal Principal, claims Claims, issuedAt, expiresAt time.Time) (string, error)
	PublicKey() PublicKey
}

type JWTSigner struct {
	key    *rsa.PrivateKey
	issuer string
}

// NewJWTSigner loads the PEM key named in cfg. Outside production an
// ephemeral key is generated when no file is configured.
func NewJWTSigner(cfg config.CertificateConfig, production bool) (*JWTSigner, error) {
	if cfg.PrivateKeyFile == "" {
		if production {
			return nil, fmt.Errorf("certificate.private_key_file is required in production")
		}
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		util.Warn("Using an ephemeral certificate signing key")
		return NewJWTSignerFromKey(key, cfg.Issuer), nil
	}

	pemBytes, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	util.Info("Certificate signing key loaded", zap.String("file", cfg.PrivateKeyFile), zap.Int("bits", key.N.BitLen()))
	return NewJWTSignerFromKey(key, cfg.Issuer), nil
}

func NewJWTSignerFromKey(key *rsa.PrivateKey, issuer string) *JWTSigner {
	return &JWTSigner{key: key, issuer: issuer}
}

func (s *JWTSigner) Issuer() string { return s.issuer }

// Sign fills the registered claims and signs. An empty claims issuer
// defaults to the signer's.
func (s *JWTSigner) Sign(principal Principal, claims Claims, issuedAt, expiresAt time.Time) (string, error) {
	if !expiresAt.After(issuedAt) {
		return "", fmt.Errorf("certificate must expire after it is issued")
	}
	if claims.Issuer == "" {
		claims.Issuer = s.issuer
	}
	claims.Principal = principal
	claims.Subject = principal.Email
	claims.IssuedAt = jwt.NewNumericDate(issuedAt)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign certificate: %w", err)
	}
	return token, nil
}

// PublicKey is the signing key in the same serialized form clients submit.
func (s *JWTSigner) PublicKey() PublicKey {
	return PublicKey{
		Algorithm: "RS",
		N:         s.key.N.String(),
		E:         big.NewInt(int64(s.key.E)).String(),
	}
}
