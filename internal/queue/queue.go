// Package queue implements the durable FIFO buffer for cross-node sync
// operations. Rows live in the sync_queue table; the monotonically
// increasing seq column defines the authoritative dispatch order and
// survives process restarts. Delivery is at-least-once: a row is either
// deleted (delivered) or resurfaces as pending on the next start.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/roboedge-io/roboedge/internal/db"
	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/metrics"
)

// Defaults for the queue knobs, overridable via Options.
const (
	DefaultMaxSize   = 500
	DefaultMaxRetry  = 3
	DefaultBatchSize = 20
)

var (
	// ErrQueueFull is returned by Enqueue when the pending row count is at
	// or above the configured maximum. Only pending rows count toward
	// capacity — failed rows are parked and do not block new work.
	ErrQueueFull = errors.New("queue: capacity exceeded")

	// ErrNotSerializable is returned by Enqueue when the payload cannot be
	// encoded as JSON. Nothing is written in that case.
	ErrNotSerializable = errors.New("queue: payload is not JSON-serializable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")
)

// SendHandler delivers one queued operation. A nil return deletes the row;
// any error (or panic, which is recovered and treated the same) counts as
// a failed attempt against the row's retry budget.
type SendHandler func(ctx context.Context, opType string, payload json.RawMessage, traceID string) error

// FlushResult summarizes one Flush call. Failed counts failed delivery
// attempts during this flush; an item that failed but stays pending is
// also included in Remaining.
type FlushResult struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Stats is a point-in-time view of queue state plus process-lifetime
// throughput counters.
type Stats struct {
	Pending       int64  `json:"pending"`
	Sending       int64  `json:"sending"`
	Failed        int64  `json:"failed"`
	TotalEnqueued uint64 `json:"total_enqueued"`
	TotalSent     uint64 `json:"total_sent"`
	TotalFailed   uint64 `json:"total_failed"`
	MaxSize       int    `json:"max_size"`
	Online        bool   `json:"online"`
}

// Options configures a Queue. Zero values select the defaults.
type Options struct {
	MaxSize   int
	MaxRetry  int
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = DefaultMaxRetry
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Queue is the durable FIFO sync queue. Concurrent Enqueue calls are safe;
// Flush is serialized internally so at most one flush runs at a time.
// The *gorm.DB handle is owned by the caller and is not closed by Close.
type Queue struct {
	database *gorm.DB
	opts     Options
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	flushMu sync.Mutex
	closed  atomic.Bool

	// online is an advisory flag for external consumers; the queue itself
	// does not act on it.
	online atomic.Bool

	totalEnqueued atomic.Uint64
	totalSent     atomic.Uint64
	totalFailed   atomic.Uint64
}

// New creates a Queue on the given database. Any rows left in "sending"
// by a crashed flush are reset to pending so they resurface in order.
// metrics may be nil.
func New(database *gorm.DB, opts Options, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) (*Queue, error) {
	q := &Queue{
		database: database,
		opts:     opts.withDefaults(),
		bus:      bus,
		metrics:  m,
		logger:   logger.Named("queue"),
	}

	// Crash recovery: a row is either deleted (delivered) or comes back as
	// pending. Residual "sending" rows mean the process died mid-batch.
	res := database.Model(&db.SyncItem{}).
		Where("status = ?", db.SyncStatusSending).
		Update("status", db.SyncStatusPending)
	if res.Error != nil {
		return nil, fmt.Errorf("queue: resetting sending rows: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.logger.Warn("reset interrupted sync items to pending",
			zap.Int64("count", res.RowsAffected),
		)
	}

	q.updatePendingGauge(context.Background())
	return q, nil
}

// Enqueue appends one operation to the queue and returns its op ID.
// Fails with ErrNotSerializable if payload cannot be JSON-encoded, and
// with ErrQueueFull when the pending count is at capacity; in both cases
// nothing is written.
func (q *Queue) Enqueue(ctx context.Context, opType string, payload any, traceID string) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}

	item := db.SyncItem{
		OpType:  opType,
		Payload: string(encoded),
		TraceID: traceID,
		Status:  db.SyncStatusPending,
	}

	err = q.database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending int64
		if err := tx.Model(&db.SyncItem{}).Where("status = ?", db.SyncStatusPending).Count(&pending).Error; err != nil {
			return fmt.Errorf("queue: counting pending: %w", err)
		}
		if pending >= int64(q.opts.MaxSize) {
			return ErrQueueFull
		}

		// seq allocation and insert happen in the same transaction; the
		// unique index on seq backstops any race the transaction misses.
		var next int64
		if err := tx.Model(&db.SyncItem{}).
			Select("COALESCE(MAX(seq), -1) + 1").Scan(&next).Error; err != nil {
			return fmt.Errorf("queue: allocating seq: %w", err)
		}
		item.Seq = next

		if err := tx.Create(&item).Error; err != nil {
			return fmt.Errorf("queue: inserting item: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			q.logger.Warn("sync queue full, rejecting enqueue",
				zap.String("op_type", opType),
				zap.Int("max_size", q.opts.MaxSize),
			)
			q.bus.Publish("queue.capacity_exceeded", events.New(traceID, events.SeverityWarn, events.CategoryQueue,
				"sync queue capacity exceeded", map[string]any{
					"op_type":  opType,
					"max_size": q.opts.MaxSize,
				}))
		}
		return "", err
	}

	q.totalEnqueued.Add(1)
	if q.metrics != nil {
		q.metrics.QueueEnqueued.Inc()
	}
	q.updatePendingGauge(ctx)

	q.logger.Debug("sync item enqueued",
		zap.String("op_id", item.ID.String()),
		zap.Int64("seq", item.Seq),
		zap.String("op_type", opType),
	)
	return item.ID.String(), nil
}

// Flush drains pending rows in ascending seq order, batch by batch,
// invoking send for each. Delivered rows are deleted; failed rows get
// their retry count incremented and are parked as failed once it reaches
// the retry bound. If every item in a batch fails the flush stops — the
// transport is presumed down, and stopping preserves the original order
// for the next flush.
func (q *Queue) Flush(ctx context.Context, send SendHandler) (FlushResult, error) {
	if q.closed.Load() {
		return FlushResult{}, ErrClosed
	}

	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var result FlushResult

	for {
		if err := ctx.Err(); err != nil {
			break
		}

		var batch []db.SyncItem
		if err := q.database.WithContext(ctx).
			Where("status = ?", db.SyncStatusPending).
			Order("seq ASC").
			Limit(q.opts.BatchSize).
			Find(&batch).Error; err != nil {
			return result, fmt.Errorf("queue: loading batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		ids := make([]string, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID.String()
		}
		if err := q.database.WithContext(ctx).Model(&db.SyncItem{}).
			Where("id IN ?", ids).
			Update("status", db.SyncStatusSending).Error; err != nil {
			return result, fmt.Errorf("queue: marking batch sending: %w", err)
		}

		allFailed := true
		for i := range batch {
			item := &batch[i]
			err := invoke(ctx, send, item)
			if err == nil {
				if delErr := q.database.WithContext(ctx).Delete(&db.SyncItem{}, "id = ?", item.ID.String()).Error; delErr != nil {
					return result, fmt.Errorf("queue: deleting delivered item: %w", delErr)
				}
				result.Sent++
				allFailed = false
				q.totalSent.Add(1)
				if q.metrics != nil {
					q.metrics.QueueSent.Inc()
				}
				continue
			}

			result.Failed++
			item.RetryCount++
			status := db.SyncStatusPending
			if item.RetryCount >= q.opts.MaxRetry {
				status = db.SyncStatusFailed
				q.totalFailed.Add(1)
				if q.metrics != nil {
					q.metrics.QueueFailed.Inc()
				}
				q.logger.Error("sync item exhausted retries",
					zap.String("op_id", item.ID.String()),
					zap.String("op_type", item.OpType),
					zap.Int("retry_count", item.RetryCount),
					zap.Error(err),
				)
				q.bus.Publish("queue.item_failed", events.New(item.TraceID, events.SeverityError, events.CategoryQueue,
					"sync item exhausted retries", map[string]any{
						"op_id":   item.ID.String(),
						"op_type": item.OpType,
						"error":   err.Error(),
					}))
			} else {
				q.logger.Warn("sync item delivery failed, will retry",
					zap.String("op_id", item.ID.String()),
					zap.String("op_type", item.OpType),
					zap.Int("retry_count", item.RetryCount),
					zap.Error(err),
				)
			}

			if upErr := q.database.WithContext(ctx).Model(&db.SyncItem{}).
				Where("id = ?", item.ID.String()).
				Updates(map[string]any{
					"status":      status,
					"retry_count": item.RetryCount,
					"last_error":  err.Error(),
				}).Error; upErr != nil {
				return result, fmt.Errorf("queue: updating failed item: %w", upErr)
			}
		}

		if allFailed {
			// Outage circuit breaker: when the transport is down every item
			// in the batch fails. Stop here instead of grinding through the
			// rest of the queue.
			q.logger.Warn("entire batch failed, stopping flush",
				zap.Int("batch_size", len(batch)),
			)
			break
		}
	}

	remaining, err := q.Size(ctx)
	if err != nil {
		return result, err
	}
	result.Remaining = int(remaining)
	q.updatePendingGauge(ctx)

	q.bus.Publish("queue.flushed", events.New("", events.SeverityInfo, events.CategoryQueue,
		"sync queue flushed", map[string]any{
			"sent":      result.Sent,
			"failed":    result.Failed,
			"remaining": result.Remaining,
		}))
	return result, nil
}

// invoke calls the send handler with panic recovery: a panicking handler
// is indistinguishable from one that returned an error.
func invoke(ctx context.Context, send SendHandler, item *db.SyncItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: send handler panicked: %v", r)
		}
	}()
	return send(ctx, item.OpType, json.RawMessage(item.Payload), item.TraceID)
}

// Size returns the number of pending rows.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	var n int64
	if err := q.database.WithContext(ctx).Model(&db.SyncItem{}).
		Where("status = ?", db.SyncStatusPending).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("queue: counting pending: %w", err)
	}
	return n, nil
}

// Statistics returns the current queue state and lifetime counters.
func (q *Queue) Statistics(ctx context.Context) (Stats, error) {
	stats := Stats{
		TotalEnqueued: q.totalEnqueued.Load(),
		TotalSent:     q.totalSent.Load(),
		TotalFailed:   q.totalFailed.Load(),
		MaxSize:       q.opts.MaxSize,
		Online:        q.online.Load(),
	}

	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := q.database.WithContext(ctx).Model(&db.SyncItem{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return stats, fmt.Errorf("queue: counting by status: %w", err)
	}
	for _, r := range rows {
		switch r.Status {
		case db.SyncStatusPending:
			stats.Pending = r.N
		case db.SyncStatusSending:
			stats.Sending = r.N
		case db.SyncStatusFailed:
			stats.Failed = r.N
		}
	}
	return stats, nil
}

// SetOnline records the advisory transport-availability flag.
func (q *Queue) SetOnline(online bool) { q.online.Store(online) }

// IsOnline reports the advisory transport-availability flag.
func (q *Queue) IsOnline() bool { return q.online.Load() }

// Clear removes every row regardless of status. Maintenance only.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.database.WithContext(ctx).Where("1 = 1").Delete(&db.SyncItem{}).Error; err != nil {
		return fmt.Errorf("queue: clearing: %w", err)
	}
	q.updatePendingGauge(ctx)
	return nil
}

// Close marks the queue closed. Subsequent calls fail with ErrClosed.
// The database handle is owned by the caller and stays open.
func (q *Queue) Close() {
	q.closed.Store(true)
}

func (q *Queue) updatePendingGauge(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if n, err := q.Size(ctx); err == nil {
		q.metrics.QueuePending.Set(float64(n))
	}
}
