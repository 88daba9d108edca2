package storage

import (
	"context"
	"time"

	"msisdn-gateway/internal/model"
)

// VolatileBackend holds short-lived verification state. Single-key
// operations must be atomic; Get and Incr report absent keys as
// errs.ErrNotFound / a fresh counter respectively.
type VolatileBackend interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Drop(ctx context.Context) error
	Close() error
}

// PersistentBackend holds certificate records. A read issued after a
// successful write for the same id must observe that write.
type PersistentBackend interface {
	PutCertificate(ctx context.Context, hmacID string, rec *model.CertificateRecord) error
	GetCertificate(ctx context.Context, hmacID string) (*model.CertificateRecord, error)
	DeleteCertificate(ctx context.Context, hmacID string) error
	Ping(ctx context.Context) error
	Drop(ctx context.Context) error
	Close() error
}
