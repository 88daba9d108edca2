package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"msisdn-gateway/internal/client"
	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/util"
)

const certificatePrefix = "msisdn_certificate_"

// Store is the Redis storage engine. It can serve the volatile tier, the
// persistent tier, or both.
type Store struct {
	client *client.RedisClient
}

func NewStore(c *client.RedisClient) *Store {
	return &Store{client: c}
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl); err != nil {
		util.Error("Failed to set key in Redis", zap.String("key_prefix", prefix(key)), zap.Error(err))
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", err
		}
		util.Error("Failed to get key from Redis", zap.String("key_prefix", prefix(key)), zap.Error(err))
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return val, nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.IncrWithExpire(ctx, key, ttl)
	if err != nil {
		util.Error("Failed to increment counter in Redis", zap.String("key_prefix", prefix(key)), zap.Error(err))
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return n, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := s.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to delete keys from Redis", zap.Int("count", len(keys)), zap.Error(err))
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

func (s *Store) PutCertificate(ctx context.Context, hmacID string, rec *model.CertificateRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode certificate record: %w", err)
	}
	return s.Set(ctx, certificatePrefix+hmacID, string(raw), 0)
}

func (s *Store) GetCertificate(ctx context.Context, hmacID string) (*model.CertificateRecord, error) {
	raw, err := s.Get(ctx, certificatePrefix+hmacID)
	if err != nil {
		return nil, err
	}
	var rec model.CertificateRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		util.Warn("Discarding undecodable certificate record", util.HmacID(hmacID), zap.Error(err))
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) DeleteCertificate(ctx context.Context, hmacID string) error {
	return s.Del(ctx, certificatePrefix+hmacID)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func (s *Store) Drop(ctx context.Context) error {
	if err := s.client.FlushDB(ctx); err != nil {
		return fmt.Errorf("failed to flush Redis database: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func prefix(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '_' {
			return key[:i+1]
		}
	}
	return key
}
