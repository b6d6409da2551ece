// Package queue buffers metric observations so pollers touch the cache
// and archive store in batches instead of one write per sample.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/timegraph/timegraph/internal/cache"
	"github.com/timegraph/timegraph/internal/logging"
	"github.com/timegraph/timegraph/internal/metric"
)

// DefaultCapacity is the flush threshold when none is configured.
const DefaultCapacity = 3000

// Queue is a bounded in-memory batch of pending samples for one
// metric. Reaching capacity flushes synchronously through the cache;
// the enqueue that triggered the flush returns only after the batch
// has drained. Samples are never deduplicated and order is preserved.
type Queue struct {
	mu       sync.Mutex
	pending  []cache.Sample
	capacity int

	cache  *cache.Cache
	metric *metric.Metric
	log    *slog.Logger
}

// New creates a queue bound to a (cache, metric) pair. A non-positive
// capacity uses the default.
func New(c *cache.Cache, m *metric.Metric, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		pending:  make([]cache.Sample, 0, capacity),
		capacity: capacity,
		cache:    c,
		metric:   m,
		log:      logging.Component("queue"),
	}
}

// Enqueue appends one observation and flushes once the pending batch
// reaches capacity, so the batch that goes out holds exactly capacity
// samples.
func (q *Queue) Enqueue(ctx context.Context, e metric.Entity, v metric.Value) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, cache.Sample{Entity: e, Value: v})
	if len(q.pending) >= q.capacity {
		return q.flushLocked(ctx)
	}
	return nil
}

// Flush drains the queue immediately.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushLocked(ctx)
}

// Len returns the number of pending samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) flushLocked(ctx context.Context) error {
	if len(q.pending) == 0 {
		return nil
	}
	batch := q.pending
	q.pending = make([]cache.Sample, 0, q.capacity)

	if err := q.cache.SetLatestMany(ctx, q.metric, batch); err != nil {
		q.log.Error("batch flush failed", "metric", q.metric.Parameter,
			"samples", len(batch), "error", err)
		return err
	}
	q.log.Debug("batch flushed", "metric", q.metric.Parameter, "samples", len(batch))
	return nil
}
