// Package analytics records every SMS provider call to ClickHouse in
// batches.
package analytics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/util"
)

// BatchInserter is satisfied by *client.ClickHouseClient.
type BatchInserter interface {
	Exec(ctx context.Context, query string, args ...any) error
	BatchInsert(ctx context.Context, query string, rows [][]any) error
}

const createTable = `
CREATE TABLE IF NOT EXISTS %s (
    id String,
    provider LowCardinality(String),
    sender String,
    mcc LowCardinality(String),
    mnc LowCardinality(String),
    attempt UInt8,
    success Bool,
    error String,
    duration_ms UInt32,
    timestamp DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (provider, timestamp)`

// ClickHouseRecorder buffers attempts and flushes them when the batch is
// full or the flush interval elapses. When the buffer is full new attempts
// are dropped so the send path never blocks.
type ClickHouseRecorder struct {
	db        BatchInserter
	insert    string
	batchSize int
	interval  time.Duration
	queue     chan model.DeliveryAttempt

	done chan struct{}
}

func NewClickHouseRecorder(db BatchInserter, cfg config.ClickhouseConfig) *ClickHouseRecorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &ClickHouseRecorder{
		db:        db,
		insert:    "INSERT INTO " + cfg.Table,
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		queue:     make(chan model.DeliveryAttempt, cfg.BatchSize*10),
		done:      make(chan struct{}),
	}
}

// EnsureTable creates the attempts table if needed.
func EnsureTable(ctx context.Context, db BatchInserter, table string) error {
	if err := db.Exec(ctx, fmt.Sprintf(createTable, table)); err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}
	return nil
}

func (r *ClickHouseRecorder) Record(_ context.Context, a model.DeliveryAttempt) {
	select {
	case r.queue <- a:
	default:
		util.Warn("Delivery analytics queue full, dropping attempt", zap.String("provider", a.Provider))
	}
}

// Run flushes until ctx is done, then drains what is left.
func (r *ClickHouseRecorder) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	batch := make([]model.DeliveryAttempt, 0, r.batchSize)
	for {
		select {
		case a := <-r.queue:
			batch = append(batch, a)
			if len(batch) >= r.batchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case <-ctx.Done():
			for {
				select {
				case a := <-r.queue:
					batch = append(batch, a)
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (r *ClickHouseRecorder) Wait() {
	<-r.done
}

func (r *ClickHouseRecorder) flush(batch []model.DeliveryAttempt) []model.DeliveryAttempt {
	if len(batch) == 0 {
		return batch
	}
	rows := make([][]any, len(batch))
	for i, a := range batch {
		rows[i] = []any{a.ID, a.Provider, a.Sender, a.MCC, a.MNC, uint8(a.Attempt), a.Success, a.Error, uint32(a.Duration.Milliseconds()), a.Timestamp}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.db.BatchInsert(ctx, r.insert, rows); err != nil {
		util.Error("Failed to flush delivery attempts", zap.Int("rows", len(rows)), zap.Error(err))
	} else {
		util.Debug("Flushed delivery attempts", zap.Int("rows", len(rows)))
	}
	return batch[:0]
}
