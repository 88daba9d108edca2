// Package errs holds the sentinel errors shared by the verification flow.
// Callers compare with errors.Is; wrapping keeps the underlying cause.
package errs

import "errors"

var (
	// ErrTransientStorage marks a storage I/O failure. It is safe to retry
	// and must never be read as a verification outcome.
	ErrTransientStorage = errors.New("storage temporarily unavailable")
	// ErrNotFound is returned by storage engines for absent keys.
	ErrNotFound = errors.New("not found")

	ErrUnauthorized       = errors.New("invalid request signature")
	ErrUnknownCredentials = errors.New("unknown credentials")

	ErrCodeExpired        = errors.New("code has expired")
	ErrCodeInvalid        = errors.New("code error")
	ErrCodeInvalidExpired = errors.New("code error, code has expired")

	ErrDecode            = errors.New("unable to decode stored value")
	ErrSessionConflict   = errors.New("only one msisdn can be validated per session")
	ErrValidationExpired = errors.New("validation has expired")
	ErrInvalidParameters = errors.New("invalid parameters")

	ErrAllProvidersFailed = errors.New("all sms providers failed")
	ErrNoProviders        = errors.New("no sms provider configured")
	ErrUnknownEngine      = errors.New("unknown storage engine")
)
