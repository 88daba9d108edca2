// Package memory is a single-process storage engine for development and
// tests. Both tiers live in ttlcache instances and vanish on restart.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/model"
)

type Store struct {
	values *ttlcache.Cache[string, string]
	certs  *ttlcache.Cache[string, model.CertificateRecord]

	// incrMu serialises read-modify-write on counters.
	incrMu sync.Mutex
	once   sync.Once
}

func NewStore() *Store {
	s := &Store{
		values: ttlcache.New[string, string](
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		certs: ttlcache.New[string, model.CertificateRecord](
			ttlcache.WithDisableTouchOnHit[string, model.CertificateRecord](),
		),
	}
	go s.values.Start()
	go s.certs.Start()
	return s
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.values.Set(key, value, ttlOrForever(ttl))
	return nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	item := s.values.Get(key)
	if item == nil || item.IsExpired() {
		return "", errs.ErrNotFound
	}
	return item.Value(), nil
}

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.incrMu.Lock()
	defer s.incrMu.Unlock()

	var n int64
	if item := s.values.Get(key); item != nil && !item.IsExpired() {
		n, _ = strconv.ParseInt(item.Value(), 10, 64)
	}
	n++
	s.values.Set(key, strconv.FormatInt(n, 10), ttlOrForever(ttl))
	return n, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.values.Delete(k)
	}
	return nil
}

func (s *Store) PutCertificate(_ context.Context, hmacID string, rec *model.CertificateRecord) error {
	s.certs.Set(hmacID, *rec, ttlcache.NoTTL)
	return nil
}

func (s *Store) GetCertificate(_ context.Context, hmacID string) (*model.CertificateRecord, error) {
	item := s.certs.Get(hmacID)
	if item == nil {
		return nil, errs.ErrNotFound
	}
	rec := item.Value()
	return &rec, nil
}

func (s *Store) DeleteCertificate(_ context.Context, hmacID string) error {
	s.certs.Delete(hmacID)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Drop(context.Context) error {
	s.values.DeleteAll()
	s.certs.DeleteAll()
	return nil
}

func (s *Store) Close() error {
	s.once.Do(func() {
		s.values.Stop()
		s.certs.Stop()
	})
	return nil
}

func ttlOrForever(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.NoTTL
	}
	return ttl
}
