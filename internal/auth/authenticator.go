// Package auth authenticates Hawk-signed requests against the sessions and
// certificate records held by the store.
package auth

import (
	"context"

	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/identity"
	"msisdn-gateway/internal/model"
)

type SessionStore interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetCertificateData(ctx context.Context, id string) (*model.CertificateRecord, error)
}

// Authenticator resolves the signing key of a token id. It never writes.
type Authenticator struct {
	store  SessionStore
	secret string
}

func NewAuthenticator(store SessionStore, idSecret string) *Authenticator {
	return &Authenticator{store: store, secret: idSecret}
}

// HmacID maps a client token id to its storage key.
func (a *Authenticator) HmacID(tokenID string) string {
	return identity.HmacID(tokenID, a.secret)
}

// Resolve returns the live session of hmacID, falling back to the key kept
// in its certificate record after verification. Storage failures are
// returned as is; unknown ids yield errs.ErrUnknownCredentials.
func (a *Authenticator) Resolve(ctx context.Context, hmacID string) (*model.Session, error) {
	session, err := a.store.GetSession(ctx, hmacID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	rec, err := a.store.GetCertificateData(ctx, hmacID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errs.ErrUnknownCredentials
	}
	return &model.Session{Key: rec.SessionKey, Algorithm: model.SessionAlgorithm}, nil
}

// Lookup adapts Resolve to the Hawk verifier, which only knows token ids.
func (a *Authenticator) Lookup(ctx context.Context, tokenID string) (*model.Principal, error) {
	hmacID := a.HmacID(tokenID)
	session, err := a.Resolve(ctx, hmacID)
	if err != nil {
		return nil, err
	}
	return &model.Principal{TokenID: tokenID, HmacID: hmacID, Key: session.Key}, nil
}
