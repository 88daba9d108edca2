package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/util"
)

const kmsPrefix = "kms:"

var ErrSecretUnavailable = errors.New("secret unavailable")

// KMSAPI is the slice of the KMS client used to unwrap secrets.
type KMSAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SecretResolver turns configured secret values into usable ones. Values
// prefixed with "kms:" are base64 ciphertext blobs unwrapped through KMS;
// anything else is used verbatim.
type SecretResolver struct {
	kmsClient KMSAPI
	cfg       config.KMSConfig
	cache     sync.Map
}

func NewSecretResolver(cfg config.KMSConfig, kmsClient KMSAPI) *SecretResolver {
	return &SecretResolver{kmsClient: kmsClient, cfg: cfg}
}

func (r *SecretResolver) Resolve(ctx context.Context, name, value string) (string, error) {
	if !strings.HasPrefix(value, kmsPrefix) {
		return value, nil
	}
	if !r.cfg.Enabled || r.kmsClient == nil {
		return "", fmt.Errorf("%w: %s is KMS wrapped but KMS is disabled", ErrSecretUnavailable, name)
	}

	if cached, ok := r.cache.Load(value); ok {
		return cached.(string), nil
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, kmsPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %s is not valid base64: %v", ErrSecretUnavailable, name, err)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if r.cfg.KeyID != "" {
		input.KeyId = aws.String(r.cfg.KeyID)
	}

	out, err := r.kmsClient.Decrypt(ctx, input)
	if err != nil {
		util.Error("Failed to unwrap secret with KMS", zap.String("secret", name), zap.Error(err))
		return "", fmt.Errorf("%w: failed to decrypt %s: %v", ErrSecretUnavailable, name, err)
	}

	plain := string(out.Plaintext)
	r.cache.Store(value, plain)
	util.Info("Secret unwrapped with KMS", zap.String("secret", name))
	return plain, nil
}

// ClearCache drops every unwrapped secret held in memory.
func (r *SecretResolver) ClearCache() {
	r.cache.Range(func(key, _ any) bool {
		r.cache.Delete(key)
		return true
	})
}
