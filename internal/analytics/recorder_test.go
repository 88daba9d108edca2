package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/model"
)

type fakeDB struct {
	mu      sync.Mutex
	execs   []string
	batches [][][]any
	query   string
}

func (f *fakeDB) Exec(_ context.Context, query string, _ ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeDB) BatchInsert(_ context.Context, query string, rows [][]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.query = query
	f.batches = append(f.batches, rows)
	return nil
}

func (f *fakeDB) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestRecorder_FlushesFullBatch(t *testing.T) {
	db := &fakeDB{}
	r := NewClickHouseRecorder(db, config.ClickhouseConfig{Table: "attempts", BatchSize: 2, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	r.Record(ctx, model.DeliveryAttempt{ID: "1", Provider: "nexmo", Attempt: 1, Duration: 120 * time.Millisecond})
	r.Record(ctx, model.DeliveryAttempt{ID: "2", Provider: "nexmo", Attempt: 2, Success: true})

	assert.Eventually(t, func() bool { return db.rows() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	r.Wait()

	assert.Equal(t, "INSERT INTO attempts", db.query)
	assert.Equal(t, uint32(120), db.batches[0][0][8])
}

func TestRecorder_DrainsOnShutdown(t *testing.T) {
	db := &fakeDB{}
	r := NewClickHouseRecorder(db, config.ClickhouseConfig{Table: "attempts", BatchSize: 50, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	r.Record(ctx, model.DeliveryAttempt{ID: "1"})
	r.Record(ctx, model.DeliveryAttempt{ID: "2"})
	r.Record(ctx, model.DeliveryAttempt{ID: "3"})

	cancel()
	r.Run(ctx)

	require.Equal(t, 3, db.rows())
}

func TestEnsureTable(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, EnsureTable(context.Background(), db, "sms_delivery_attempts"))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS sms_delivery_attempts")
}
