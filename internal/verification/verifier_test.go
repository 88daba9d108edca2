package verification

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/model"
)

type memStore struct {
	codes  map[string]string
	counts map[string]int64
	err    error
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{codes: map[string]string{}, counts: map[string]int64{}}
}

func (m *memStore) SetCode(_ context.Context, id, code string) error {
	if m.err != nil {
		return m.err
	}
	m.codes[id] = code
	delete(m.counts, id)
	return nil
}

func (m *memStore) VerifyCode(_ context.Context, id, code string) (model.CodeResult, error) {
	if m.err != nil {
		return model.CodeNotFound, m.err
	}
	stored, ok := m.codes[id]
	switch {
	case !ok:
		return model.CodeNotFound, nil
	case stored == code:
		return model.CodeMatch, nil
	default:
		return model.CodeMismatch, nil
	}
}

func (m *memStore) SetCodeWrongTry(_ context.Context, id string) (int64, error) {
	m.counts[id]++
	return m.counts[id], nil
}

func (m *memStore) ExpireCode(_ context.Context, id string) error {
	delete(m.codes, id)
	delete(m.counts, id)
	return nil
}

func newTestVerifier(store Store) *Verifier {
	return NewVerifier(store, config.CodesConfig{ShortLength: 6, LongBytes: 32, MaxTries: 3})
}

func TestIssue_Formats(t *testing.T) {
	v := newTestVerifier(newMemStore())
	ctx := context.Background()

	short, err := v.Issue(ctx, "id", Short)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9]{6}$`), short)
	assert.True(t, v.ValidFormat(short))

	long, err := v.Issue(ctx, "id", Long)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), long)
	assert.True(t, v.ValidFormat(long))

	assert.False(t, v.ValidFormat("12345"))
	assert.False(t, v.ValidFormat(strings.Repeat("a", 63)))
}

func TestVerify_LocksAfterMaxTries(t *testing.T) {
	store := newMemStore()
	v := newTestVerifier(store)
	ctx := context.Background()

	code, err := v.Issue(ctx, "id", Short)
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	res, err := v.Verify(ctx, "id", wrong)
	require.NoError(t, err)
	assert.Equal(t, model.CodeMismatch, res)

	res, err = v.Verify(ctx, "id", wrong)
	require.NoError(t, err)
	assert.Equal(t, model.CodeMismatch, res)

	res, err = v.Verify(ctx, "id", wrong)
	require.NoError(t, err)
	assert.Equal(t, model.CodeMismatchExpired, res)

	// The correct code is gone once locked.
	res, err = v.Verify(ctx, "id", code)
	require.NoError(t, err)
	assert.Equal(t, model.CodeNotFound, res)
}

func TestVerify_ReissueResetsCounter(t *testing.T) {
	store := newMemStore()
	v := newTestVerifier(store)
	ctx := context.Background()

	_, err := v.Issue(ctx, "id", Short)
	require.NoError(t, err)
	store.codes["id"] = "123456"

	for i := 0; i < 2; i++ {
		res, err := v.Verify(ctx, "id", "654321")
		require.NoError(t, err)
		assert.Equal(t, model.CodeMismatch, res)
	}

	code, err := v.Issue(ctx, "id", Short)
	require.NoError(t, err)
	wrong := "654321"
	if code == wrong {
		wrong = "123456"
	}
	res, err := v.Verify(ctx, "id", wrong)
	require.NoError(t, err)
	assert.Equal(t, model.CodeMismatch, res)
}

func TestVerify_Match(t *testing.T) {
	v := newTestVerifier(newMemStore())
	ctx := context.Background()

	code, err := v.Issue(ctx, "id", Long)
	require.NoError(t, err)

	res, err := v.Verify(ctx, "id", code)
	require.NoError(t, err)
	assert.Equal(t, model.CodeMatch, res)
}

func TestVerify_StorageFailure(t *testing.T) {
	store := newMemStore()
	store.err = errs.ErrTransientStorage
	v := newTestVerifier(store)

	_, err := v.Verify(context.Background(), "id", "123456")
	assert.ErrorIs(t, err, errs.ErrTransientStorage)

	_, err = v.Issue(context.Background(), "id", Short)
	assert.True(t, errors.Is(err, errs.ErrTransientStorage))
}

func TestIssue_EntropyFailure(t *testing.T) {
	v := newTestVerifier(newMemStore())
	v.random = strings.NewReader("")

	_, err := v.Issue(context.Background(), "id", Long)
	assert.Error(t, err)
}
