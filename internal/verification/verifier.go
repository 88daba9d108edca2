// Package verification issues and checks the codes a caller must echo back
// to prove control of a phone number.
package verification

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"go.uber.org/zap"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/util"
)

// Kind selects the code format.
type Kind int

const (
	// Short codes are typed in by a human.
	Short Kind = iota
	// Long codes are hex strings carried by the MO/MT round trip.
	Long
)

func (k Kind) String() string {
	if k == Long {
		return "long"
	}
	return "short"
}

type Store interface {
	SetCode(ctx context.Context, id, code string) error
	VerifyCode(ctx context.Context, id, code string) (model.CodeResult, error)
	SetCodeWrongTry(ctx context.Context, id string) (int64, error)
	ExpireCode(ctx context.Context, id string) error
}

type Verifier struct {
	store       Store
	shortLength int
	longBytes   int
	maxTries    int64
	random      io.Reader
}

func NewVerifier(store Store, cfg config.CodesConfig) *Verifier {
	v := &Verifier{
		store:       store,
		shortLength: cfg.ShortLength,
		longBytes:   cfg.LongBytes,
		maxTries:    int64(cfg.MaxTries),
		random:      rand.Reader,
	}
	if v.shortLength <= 0 {
		v.shortLength = 6
	}
	if v.longBytes <= 0 {
		v.longBytes = 32
	}
	if v.maxTries <= 0 {
		v.maxTries = 3
	}
	return v
}

// Issue generates a code, stores it for id and returns it. Storing a code
// resets the wrong-try counter.
func (v *Verifier) Issue(ctx context.Context, id string, kind Kind) (string, error) {
	var (
		code string
		err  error
	)
	if kind == Long {
		code, err = v.longCode()
	} else {
		code, err = v.shortCode()
	}
	if err != nil {
		return "", err
	}

	if err := v.store.SetCode(ctx, id, code); err != nil {
		return "", err
	}
	util.Debug("Verification code issued", util.HmacID(id), zap.Stringer("kind", kind))
	return code, nil
}

// Verify checks code against the stored one. A mismatch counts as a wrong
// try; reaching the limit expires the code.
func (v *Verifier) Verify(ctx context.Context, id, code string) (model.CodeResult, error) {
	res, err := v.store.VerifyCode(ctx, id, code)
	if err != nil {
		return model.CodeNotFound, err
	}
	if res != model.CodeMismatch {
		return res, nil
	}

	tries, err := v.store.SetCodeWrongTry(ctx, id)
	if err != nil {
		return model.CodeNotFound, err
	}
	if tries < v.maxTries {
		return model.CodeMismatch, nil
	}

	if err := v.store.ExpireCode(ctx, id); err != nil {
		return model.CodeNotFound, err
	}
	util.Warn("Verification code locked after too many tries", util.HmacID(id), zap.Int64("tries", tries))
	return model.CodeMismatchExpired, nil
}

// ValidFormat reports whether code has the length of a short or long code.
func (v *Verifier) ValidFormat(code string) bool {
	return len(code) == v.shortLength || len(code) == v.longBytes*2
}

func (v *Verifier) shortCode() (string, error) {
	digits := make([]byte, v.shortLength)
	ten := big.NewInt(10)
	for i := range digits {
		n, err := rand.Int(v.random, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate short code: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

func (v *Verifier) longCode() (string, error) {
	buf := make([]byte, v.longBytes)
	if _, err := io.ReadFull(v.random, buf); err != nil {
		return "", fmt.Errorf("failed to generate long code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
