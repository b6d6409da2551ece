package queue

import (
	"context"
	"testing"

	"github.com/timegraph/timegraph/internal/cache"
	"github.com/timegraph/timegraph/internal/metric"
)

func newTestQueue(capacity int) (*Queue, cache.Transport, *cache.Cache, *metric.Metric) {
	mt := cache.NewMapTransport()
	c := cache.New(mt, nil, "timegraph")
	m := &metric.Metric{Parameter: "load", Kind: metric.KindFloat}
	return New(c, m, capacity), mt, c, m
}

func TestQueue_FlushAtCapacity(t *testing.T) {
	ctx := context.Background()
	q, mt, c, m := newTestQueue(3)

	entities := []metric.Entity{
		{Type: "dev", Key: "a"},
		{Type: "dev", Key: "b"},
		{Type: "dev", Key: "c"},
		{Type: "dev", Key: "d"},
	}

	// Capacity+1 enqueues: one flush of exactly capacity samples, one
	// sample left pending.
	for i, e := range entities {
		if err := q.Enqueue(ctx, e, metric.FloatValue(float64(i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("pending=%d, want 1", got)
	}

	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = c.Key(m, e)
	}
	shared, err := mt.GetMany(ctx, keys)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, ok := shared[keys[i]]; !ok {
			t.Errorf("flushed sample %q missing from shared tier", entities[i].Key)
		}
	}
	if _, ok := shared[keys[3]]; ok {
		t.Error("pending sample leaked to the shared tier")
	}
}

func TestQueue_ExplicitFlushDrains(t *testing.T) {
	ctx := context.Background()
	q, mt, c, m := newTestQueue(100)
	e := metric.Entity{Type: "dev", Key: "a"}

	if err := q.Enqueue(ctx, e, metric.FloatValue(5)); err != nil {
		t.Fatal(err)
	}
	if err := q.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("pending=%d after flush, want 0", got)
	}

	shared, err := mt.GetMany(ctx, []string{c.Key(m, e)})
	if err != nil {
		t.Fatal(err)
	}
	if got := shared[c.Key(m, e)]; got != "5" {
		t.Errorf("shared value=%q, want %q", got, "5")
	}
}

func TestQueue_FlushEmptyIsNoop(t *testing.T) {
	q, _, _, _ := newTestQueue(10)
	if err := q.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestQueue_NoDeduplication(t *testing.T) {
	ctx := context.Background()
	q, mt, c, m := newTestQueue(2)
	e := metric.Entity{Type: "dev", Key: "a"}

	// Two samples for the same entity both flush; the later value wins
	// in the shared tier.
	if err := q.Enqueue(ctx, e, metric.FloatValue(1)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, e, metric.FloatValue(2)); err != nil {
		t.Fatal(err)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("pending=%d, want 0", got)
	}

	shared, err := mt.GetMany(ctx, []string{c.Key(m, e)})
	if err != nil {
		t.Fatal(err)
	}
	if got := shared[c.Key(m, e)]; got != "2" {
		t.Errorf("shared value=%q, want the later sample %q", got, "2")
	}
}
