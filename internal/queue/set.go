package queue

import (
	"context"
	"sync"

	"github.com/timegraph/timegraph/internal/cache"
	"github.com/timegraph/timegraph/internal/metric"
)

// Set manages one queue per metric, created lazily on first use. All
// queues share the same cache and capacity.
type Set struct {
	mu     sync.Mutex
	queues map[string]*Queue

	cache    *cache.Cache
	capacity int
}

// NewSet creates an empty queue set.
func NewSet(c *cache.Cache, capacity int) *Set {
	return &Set{
		queues:   make(map[string]*Queue),
		cache:    c,
		capacity: capacity,
	}
}

// For returns the metric's queue, creating it on first use.
func (s *Set) For(m *metric.Metric) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[m.Parameter]
	if !ok {
		q = New(s.cache, m, s.capacity)
		s.queues[m.Parameter] = q
	}
	return q
}

// FlushAll drains every queue, continuing past failures and returning
// the first error encountered.
func (s *Set) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	var first error
	for _, q := range queues {
		if err := q.Flush(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
