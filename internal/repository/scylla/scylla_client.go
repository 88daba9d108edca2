package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/util"
)

// Statements used by the certificate repository. gocql prepares and caches
// them on first use.
type Statements struct {
	CreateTable       string
	InsertCertificate string
	SelectCertificate string
	DeleteCertificate string
	Truncate          string
}

func certificateStatements() Statements {
	return Statements{
		CreateTable: `
        CREATE TABLE IF NOT EXISTS certificates (
            bucket int,
            hmac_id text,
            cipher_msisdn text,
            session_key text,
            created_at timestamp,
            last_updated_at timestamp,
            PRIMARY KEY ((bucket, hmac_id))
        )`,
		InsertCertificate: `
        INSERT INTO certificates (bucket, hmac_id, cipher_msisdn, session_key, created_at, last_updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		SelectCertificate: `
        SELECT cipher_msisdn, session_key, created_at, last_updated_at
        FROM certificates WHERE bucket = ? AND hmac_id = ?`,
		DeleteCertificate: `DELETE FROM certificates WHERE bucket = ? AND hmac_id = ?`,
		Truncate:          `TRUNCATE certificates`,
	}
}

type ScyllaClient struct {
	Session    *gocql.Session
	Statements Statements
	keyspace   string
}

// NewScyllaClient connects at LOCAL_QUORUM, which gives read-after-write on
// the same datacenter, and makes sure the certificates table exists.
func NewScyllaClient(cfg config.ScyllaConfig) (*ScyllaClient, error) {
	cluster := gocql.NewCluster(cfg.Nodes...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 100
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.TLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 cfg.CAPath,
			EnableHostVerification: true,
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		Statements: certificateStatements(),
		keyspace:   cfg.Keyspace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := session.Query(client.Statements.CreateTable).WithContext(ctx).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create certificates table: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", cfg.Nodes),
		zap.String("keyspace", cfg.Keyspace))

	return client, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	if err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries a write with a linear backoff on top of the
// driver's own retry policy.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.WithContext(ctx).Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
				}
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
