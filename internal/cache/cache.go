package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/timegraph/timegraph/internal/errors"
	"github.com/timegraph/timegraph/internal/logging"
	"github.com/timegraph/timegraph/internal/metric"
)

// ArchiveStore is the slice of the archive store the cache writes
// through to.
type ArchiveStore interface {
	Create(m *metric.Metric, e metric.Entity) error
	Append(m *metric.Metric, e metric.Entity, v float64) error
}

// Sample is one pending (entity, value) observation for a metric.
// Batches are ordered slices, never deduplicated: the same entity may
// legitimately appear more than once.
type Sample struct {
	Entity metric.Entity
	Value  metric.Value
}

// Cache is the two-level metric value cache. Reads hit the local tier
// first and fall back to the shared transport in a single batch round
// trip; misses are cached as nulls so repeated lookups of absent values
// stay local. Writes go through to the archive store for archived
// metrics, then to the shared tier.
type Cache struct {
	mu    sync.Mutex
	local map[string]metric.Value

	transport Transport
	archives  ArchiveStore
	prefix    string
	log       *slog.Logger
}

// New creates a cache. archives may be nil when no series store is
// attached (cache-only deployments); write-through is then skipped.
func New(transport Transport, archives ArchiveStore, prefix string) *Cache {
	if prefix == "" {
		prefix = "timegraph"
	}
	return &Cache{
		local:     make(map[string]metric.Value),
		transport: transport,
		archives:  archives,
		prefix:    prefix,
		log:       logging.Component("cache"),
	}
}

// Key returns the shared cache key for a (metric, entity) pair:
// prefix/entityType/entityKey/parameter, with reserved separators
// stripped from the entity key.
func (c *Cache) Key(m *metric.Metric, e metric.Entity) string {
	var b strings.Builder
	b.Grow(len(c.prefix) + len(e.Type) + len(e.Key) + len(m.Parameter) + 3)
	b.WriteString(c.prefix)
	b.WriteByte('/')
	b.WriteString(e.Type)
	b.WriteByte('/')
	b.WriteString(e.CleanKey())
	b.WriteByte('/')
	b.WriteString(m.Parameter)
	return b.String()
}

// GetLatest returns the freshest value for one pair. The local entry is
// invalidated first, so the caller always observes the shared tier.
func (c *Cache) GetLatest(ctx context.Context, m *metric.Metric, e metric.Entity, strict bool) (metric.Value, error) {
	key := c.Key(m, e)

	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()

	values, err := c.getMany(ctx, m, []string{key}, strict)
	if err != nil {
		return metric.Null(m.Kind), err
	}
	return values[key], nil
}

// GetLatestMany returns the latest values for a batch of entities,
// index-aligned with the input. Local hits are served directly; all
// misses share one transport round trip, and absent values are cached
// locally as nulls.
func (c *Cache) GetLatestMany(ctx context.Context, m *metric.Metric, entities []metric.Entity, strict bool) ([]metric.Value, error) {
	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = c.Key(m, e)
	}

	out := make([]metric.Value, len(entities))
	var misses []string

	c.mu.Lock()
	for i, key := range keys {
		if v, ok := c.local[key]; ok {
			out[i] = v
		} else {
			misses = append(misses, key)
		}
	}
	c.mu.Unlock()

	if len(misses) > 0 {
		fetched, err := c.getMany(ctx, m, misses, strict)
		if err != nil {
			return nil, err
		}
		for i, key := range keys {
			if v, ok := fetched[key]; ok {
				out[i] = v
			}
		}
	}

	return out, nil
}

// getMany performs the shared round trip for a set of keys, decodes
// per the metric kind, and caches every result locally, misses
// included. Callers hold no lock.
func (c *Cache) getMany(ctx context.Context, m *metric.Metric, keys []string, strict bool) (map[string]metric.Value, error) {
	raw, err := c.transport.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make(map[string]metric.Value, len(keys))
	c.mu.Lock()
	for _, key := range keys {
		v := metric.Null(m.Kind)
		if s, ok := raw[key]; ok {
			v = metric.Decode(s, m.Kind, strict)
		}
		c.local[key] = v
		out[key] = v
	}
	c.mu.Unlock()
	return out, nil
}

// Sum returns the sum of the non-null latest values across entities.
// An all-null or empty batch sums to zero.
func (c *Cache) Sum(ctx context.Context, m *metric.Metric, entities []metric.Entity) (float64, error) {
	values, err := c.GetLatestMany(ctx, m, entities, false)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, v := range values {
		if f, ok := v.Float64(); ok {
			total += f
		}
	}
	return total, nil
}

// SetLatest records one observation.
func (c *Cache) SetLatest(ctx context.Context, m *metric.Metric, e metric.Entity, v metric.Value) error {
	return c.SetLatestMany(ctx, m, []Sample{{Entity: e, Value: v}})
}

// SetLatestMany records a batch of observations: write-through to the
// archive store for archived non-empty values, then one shared round
// trip for the cache tier. A missing archive is created and the append
// retried once; any other archive failure is logged and only skips the
// archive side, the cache tiers always take the value. Repeated
// entities collapse to the last write in the cache tiers.
func (c *Cache) SetLatestMany(ctx context.Context, m *metric.Metric, samples []Sample) error {
	shared := make(map[string]string, len(samples))

	for _, s := range samples {
		if err := c.writeThrough(m, s.Entity, s.Value); err != nil {
			c.log.Warn("archive write failed",
				"metric", m.Parameter, "entity_type", s.Entity.Type,
				"entity", s.Entity.CleanKey(), "error", err)
		}
		shared[c.Key(m, s.Entity)] = s.Value.Encode()
	}

	if len(shared) == 0 {
		return nil
	}

	c.mu.Lock()
	for key, raw := range shared {
		c.local[key] = metric.Decode(raw, m.Kind, false)
	}
	c.mu.Unlock()

	return c.transport.SetMany(ctx, shared, m.TTL())
}

// writeThrough appends one sample to the pair's archive, provisioning
// the archive on first use. Non-archived metrics and empty values pass
// straight through.
func (c *Cache) writeThrough(m *metric.Metric, e metric.Entity, v metric.Value) error {
	if c.archives == nil || !m.Archived || v.Encode() == "" {
		return nil
	}
	f, ok := v.Float64()
	if !ok {
		return nil
	}

	err := c.archives.Append(m, e, f)
	if errors.Is(err, errors.ErrArchiveMissing) {
		if err = c.archives.Create(m, e); err != nil {
			return err
		}
		err = c.archives.Append(m, e, f)
	}
	return err
}

// Invalidate drops the whole local tier. The shared tier is untouched.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.local = make(map[string]metric.Value)
	c.mu.Unlock()
}
