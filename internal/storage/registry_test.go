package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msisdn-gateway/internal/errs"
)

func TestRegistry_SharedEngineOpenedOnce(t *testing.T) {
	t.Parallel()

	shared := newFakeBackend()
	opens := 0

	r := NewRegistry()
	r.RegisterVolatile(EngineMemory, func(context.Context) (VolatileBackend, error) {
		opens++
		return shared, nil
	})
	r.RegisterPersistent(EngineMemory, func(context.Context) (PersistentBackend, error) {
		opens++
		return shared, nil
	})

	s, err := r.Open(context.Background(), "memory", "MEMORY", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, opens)
	assert.Same(t, shared, s.volatile)
	assert.Same(t, shared, s.persistent)
}

func TestRegistry_MixedEngines(t *testing.T) {
	t.Parallel()

	v, p := newFakeBackend(), newFakeBackend()
	r := NewRegistry()
	r.RegisterVolatile(EngineRedis, func(context.Context) (VolatileBackend, error) { return v, nil })
	r.RegisterPersistent(EngineDynamoDB, func(context.Context) (PersistentBackend, error) { return p, nil })

	s, err := r.Open(context.Background(), "redis", "dynamodb", Options{})
	require.NoError(t, err)
	assert.Same(t, v, s.volatile)
	assert.Same(t, p, s.persistent)

	vols, pers := r.Engines()
	assert.Equal(t, []string{"redis"}, vols)
	assert.Equal(t, []string{"dynamodb"}, pers)
}

func TestRegistry_UnknownEngine(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RegisterPersistent(EngineScylla, func(context.Context) (PersistentBackend, error) { return newFakeBackend(), nil })

	_, err := r.Open(context.Background(), "scylla", "scylla", Options{})
	assert.ErrorIs(t, err, errs.ErrUnknownEngine)
}

func TestRegistry_ConstructorError(t *testing.T) {
	t.Parallel()

	boom := errors.New("no route to host")
	r := NewRegistry()
	r.RegisterVolatile(EngineRedis, func(context.Context) (VolatileBackend, error) { return nil, boom })

	_, err := r.Open(context.Background(), "redis", "redis", Options{})
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_PersistentFailureClosesVolatile(t *testing.T) {
	t.Parallel()

	v := newFakeBackend()
	opens := 0
	boom := errors.New("table not active")

	r := NewRegistry()
	r.RegisterVolatile(EngineRedis, func(context.Context) (VolatileBackend, error) {
		opens++
		return v, nil
	})
	r.RegisterPersistent(EngineDynamoDB, func(context.Context) (PersistentBackend, error) { return nil, boom })

	_, err := r.Open(context.Background(), "redis", "dynamodb", Options{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, v.closed)

	// The closed backend is not handed out again.
	_, err = r.Open(context.Background(), "redis", "dynamodb", Options{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, opens)
}
