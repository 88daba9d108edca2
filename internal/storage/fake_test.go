package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/model"
)

// fakeBackend serves both tiers from maps. failOn makes the named operation
// return an error.
type fakeBackend struct {
	mu      sync.Mutex
	values  map[string]string
	certs   map[string]model.CertificateRecord
	failOn  map[string]error
	closed  int
	deleted []string
}

var (
	_ VolatileBackend   = (*fakeBackend)(nil)
	_ PersistentBackend = (*fakeBackend)(nil)
)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		values: map[string]string{},
		certs:  map[string]model.CertificateRecord{},
		failOn: map[string]error{},
	}
}

func (f *fakeBackend) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failOn[op]
}

func (f *fakeBackend) Set(_ context.Context, key, value string, _ time.Duration) error {
	if err := f.fail("set"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeBackend) Get(_ context.Context, key string) (string, error) {
	if err := f.fail("get"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", errs.ErrNotFound
	}
	return v, nil
}

func (f *fakeBackend) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	if err := f.fail("incr"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(f.values[key], 10, 64)
	n++
	f.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeBackend) Del(_ context.Context, keys ...string) error {
	if err := f.fail("del"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.values, k)
		f.deleted = append(f.deleted, k)
	}
	return nil
}

func (f *fakeBackend) PutCertificate(_ context.Context, id string, rec *model.CertificateRecord) error {
	if err := f.fail("put_certificate"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.certs[id] = *rec
	return nil
}

func (f *fakeBackend) GetCertificate(_ context.Context, id string) (*model.CertificateRecord, error) {
	if err := f.fail("get_certificate"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.certs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

func (f *fakeBackend) DeleteCertificate(_ context.Context, id string) error {
	if err := f.fail("delete_certificate"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.certs, id)
	return nil
}

func (f *fakeBackend) Ping(context.Context) error { return f.fail("ping") }

func (f *fakeBackend) Drop(context.Context) error {
	if err := f.fail("drop"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = map[string]string{}
	f.certs = map[string]model.CertificateRecord{}
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}
