package storage

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/util"
)

const defaultCodeTTL = 24 * time.Hour

type Options struct {
	CodeTTL    time.Duration
	SessionTTL time.Duration
}

// TieredStore is the single storage surface of the service. Codes, pending
// numbers and sessions live in the volatile tier; certificate records live
// in the persistent tier. Both tiers may be served by the same engine.
//
// Every backend failure is returned wrapped in errs.ErrTransientStorage.
// Absent values are reported as zero values with a nil error.
type TieredStore struct {
	volatile   VolatileBackend
	persistent PersistentBackend
	codeTTL    time.Duration
	sessionTTL time.Duration
}

func NewTieredStore(volatile VolatileBackend, persistent PersistentBackend, opts Options) *TieredStore {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = defaultCodeTTL
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = opts.CodeTTL
	}
	return &TieredStore{
		volatile:   volatile,
		persistent: persistent,
		codeTTL:    opts.CodeTTL,
		sessionTTL: opts.SessionTTL,
	}
}

// SetCode stores a fresh code and clears the wrong-try counter, so every
// issued code starts with the full number of attempts.
func (s *TieredStore) SetCode(ctx context.Context, id, code string) error {
	if err := s.volatile.Set(ctx, codeKey(id), code, s.codeTTL); err != nil {
		return transient("set code", err)
	}
	if err := s.volatile.Del(ctx, codeCountKey(id)); err != nil {
		return transient("reset code counter", err)
	}
	return nil
}

// VerifyCode compares code with the stored one without consuming it.
func (s *TieredStore) VerifyCode(ctx context.Context, id, code string) (model.CodeResult, error) {
	stored, err := s.getOptional(ctx, codeKey(id))
	if err != nil {
		return model.CodeNotFound, transient("get code", err)
	}
	if stored == "" {
		return model.CodeNotFound, nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) == 1 {
		return model.CodeMatch, nil
	}
	return model.CodeMismatch, nil
}

// SetCodeWrongTry atomically increments the wrong-try counter and returns
// the new value.
func (s *TieredStore) SetCodeWrongTry(ctx context.Context, id string) (int64, error) {
	n, err := s.volatile.Incr(ctx, codeCountKey(id), s.codeTTL)
	if err != nil {
		return 0, transient("increment code counter", err)
	}
	return n, nil
}

func (s *TieredStore) ExpireCode(ctx context.Context, id string) error {
	if err := s.volatile.Del(ctx, codeKey(id), codeCountKey(id)); err != nil {
		return transient("expire code", err)
	}
	return nil
}

func (s *TieredStore) StorePendingMsisdn(ctx context.Context, id, cipherMsisdn string) error {
	if err := s.volatile.Set(ctx, msisdnKey(id), cipherMsisdn, s.codeTTL); err != nil {
		return transient("store msisdn", err)
	}
	return nil
}

func (s *TieredStore) GetPendingMsisdn(ctx context.Context, id string) (string, error) {
	v, err := s.getOptional(ctx, msisdnKey(id))
	if err != nil {
		return "", transient("get msisdn", err)
	}
	return v, nil
}

// SetMtSender remembers which originating number served this session.
func (s *TieredStore) SetMtSender(ctx context.Context, id, sender string) error {
	if err := s.volatile.Set(ctx, mtSenderKey(id), sender, s.codeTTL); err != nil {
		return transient("store mt sender", err)
	}
	return nil
}

func (s *TieredStore) GetMtSender(ctx context.Context, id string) (string, error) {
	v, err := s.getOptional(ctx, mtSenderKey(id))
	if err != nil {
		return "", transient("get mt sender", err)
	}
	return v, nil
}

func (s *TieredStore) SetSession(ctx context.Context, id, authKey string) error {
	raw, err := json.Marshal(model.Session{Key: authKey, Algorithm: model.SessionAlgorithm})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.volatile.Set(ctx, sessionKey(id), string(raw), s.sessionTTL); err != nil {
		return transient("set session", err)
	}
	return nil
}

// GetSession returns nil when no session is stored. A stored value that
// cannot be decoded is treated as absent.
func (s *TieredStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	raw, err := s.getOptional(ctx, sessionKey(id))
	if err != nil {
		return nil, transient("get session", err)
	}
	if raw == "" {
		return nil, nil
	}

	var session model.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		util.Warn("Discarding undecodable session", util.HmacID(id), zap.Error(err))
		return nil, nil
	}
	return &session, nil
}

func (s *TieredStore) SetCertificateData(ctx context.Context, id string, rec *model.CertificateRecord) error {
	if err := s.persistent.PutCertificate(ctx, id, rec); err != nil {
		return transient("set certificate data", err)
	}
	return nil
}

// GetCertificateData returns nil when no record exists.
func (s *TieredStore) GetCertificateData(ctx context.Context, id string) (*model.CertificateRecord, error) {
	rec, err := s.persistent.GetCertificate(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("get certificate data", err)
	}
	return rec, nil
}

// CleanVolatileData deletes the session, pending number, sender and code
// state of id. The certificate record is kept.
func (s *TieredStore) CleanVolatileData(ctx context.Context, id string) error {
	if err := s.volatile.Del(ctx, volatileKeys(id)...); err != nil {
		return transient("clean volatile data", err)
	}
	return nil
}

// CleanSession deletes every tier for id, volatile first. The first failure
// stops the sequence and is returned.
func (s *TieredStore) CleanSession(ctx context.Context, id string) error {
	if err := s.CleanVolatileData(ctx, id); err != nil {
		return err
	}
	if err := s.persistent.DeleteCertificate(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return transient("delete certificate data", err)
	}
	return nil
}

// Drop empties both tiers. Maintenance and tests only.
func (s *TieredStore) Drop(ctx context.Context) error {
	if err := s.volatile.Drop(ctx); err != nil {
		return transient("drop volatile tier", err)
	}
	if err := s.persistent.Drop(ctx); err != nil {
		return transient("drop persistent tier", err)
	}
	return nil
}

// Ping succeeds only if both tiers answer.
func (s *TieredStore) Ping(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.volatile.Ping(gctx); err != nil {
			return transient("ping volatile tier", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.persistent.Ping(gctx); err != nil {
			return transient("ping persistent tier", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases both backends. When one engine serves both tiers it is
// closed once.
func (s *TieredStore) Close() error {
	err := s.volatile.Close()
	if same, ok := s.persistent.(VolatileBackend); ok && same == s.volatile {
		return err
	}
	return errors.Join(err, s.persistent.Close())
}

func (s *TieredStore) getOptional(ctx context.Context, key string) (string, error) {
	v, err := s.volatile.Get(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return "", nil
	}
	return v, err
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", errs.ErrTransientStorage, op, err)
}
