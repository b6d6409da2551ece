// Package cache implements the two-level metric value cache: a
// process-local map in front of a shared keyed store, with write-through
// to the archive store for archived metrics.
package cache

import (
	"context"
	"sync"
	"time"
)

// Transport is the shared cache backend. Values travel as raw strings
// in the metric wire form (see metric.Value.Encode). Both operations
// are batch-shaped so one logical lookup costs one round trip.
type Transport interface {
	// GetMany returns the present subset of keys. Absent keys are
	// simply omitted from the result, not an error.
	GetMany(ctx context.Context, keys []string) (map[string]string, error)

	// SetMany stores all values with the given TTL.
	SetMany(ctx context.Context, values map[string]string, ttl time.Duration) error
}

// mapTransport is an in-memory Transport for tests and single-process
// deployments. TTLs are accepted but not enforced.
type mapTransport struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMapTransport returns a Transport backed by a plain map.
func NewMapTransport() Transport {
	return &mapTransport{values: make(map[string]string)}
}

func (t *mapTransport) GetMany(_ context.Context, keys []string) (map[string]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := t.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (t *mapTransport) SetMany(_ context.Context, values map[string]string, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range values {
		t.values[k] = v
	}
	return nil
}
