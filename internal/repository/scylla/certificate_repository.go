package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"msisdn-gateway/internal/bucketing"
	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/util"
)

const writeRetries = 2

// CertificateRepository stores certificate records in a table partitioned
// by (bucket, hmac_id).
type CertificateRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewCertificateRepository(client *ScyllaClient, buckets *bucketing.Manager) *CertificateRepository {
	return &CertificateRepository{client: client, buckets: buckets}
}

func (r *CertificateRepository) PutCertificate(ctx context.Context, hmacID string, rec *model.CertificateRecord) error {
	q := r.client.Session.Query(r.client.Statements.InsertCertificate,
		r.buckets.Bucket(hmacID), hmacID, rec.CipherMsisdn, rec.SessionKey,
		rec.CreatedAt.UTC(), rec.LastUpdatedAt.UTC())

	if err := r.client.ExecuteWithRetry(ctx, q, writeRetries); err != nil {
		util.Error("Failed to store certificate record", util.HmacID(hmacID), zap.Error(err))
		return fmt.Errorf("failed to store certificate record: %w", err)
	}
	return nil
}

func (r *CertificateRepository) GetCertificate(ctx context.Context, hmacID string) (*model.CertificateRecord, error) {
	var (
		rec                   model.CertificateRecord
		createdAt, lastUpdate time.Time
	)
	err := r.client.Session.Query(r.client.Statements.SelectCertificate, r.buckets.Bucket(hmacID), hmacID).
		WithContext(ctx).
		Scan(&rec.CipherMsisdn, &rec.SessionKey, &createdAt, &lastUpdate)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		util.Error("Failed to read certificate record", util.HmacID(hmacID), zap.Error(err))
		return nil, fmt.Errorf("failed to read certificate record: %w", err)
	}

	rec.CreatedAt = createdAt.UTC()
	rec.LastUpdatedAt = lastUpdate.UTC()
	return &rec, nil
}

func (r *CertificateRepository) DeleteCertificate(ctx context.Context, hmacID string) error {
	q := r.client.Session.Query(r.client.Statements.DeleteCertificate, r.buckets.Bucket(hmacID), hmacID)
	if err := r.client.ExecuteWithRetry(ctx, q, writeRetries); err != nil {
		util.Error("Failed to delete certificate record", util.HmacID(hmacID), zap.Error(err))
		return fmt.Errorf("failed to delete certificate record: %w", err)
	}
	return nil
}

func (r *CertificateRepository) Ping(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *CertificateRepository) Drop(ctx context.Context) error {
	if err := r.client.Session.Query(r.client.Statements.Truncate).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to truncate certificates: %w", err)
	}
	return nil
}

func (r *CertificateRepository) Close() error {
	r.client.Close()
	return nil
}
