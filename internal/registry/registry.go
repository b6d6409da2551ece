// Package registry persists metric and graph definitions in SQLite and
// serves metric lookups through a TTL cache, since every poll and every
// export resolves metrics by parameter.
package registry

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"github.com/timegraph/timegraph/internal/errors"
	"github.com/timegraph/timegraph/internal/logging"
	"github.com/timegraph/timegraph/internal/metric"
)

// DefaultLookupTTL is how long a resolved metric definition is served
// from memory before SQLite is consulted again.
const DefaultLookupTTL = time.Minute

const schema = `
CREATE TABLE IF NOT EXISTS metrics (
	parameter   TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	unit        TEXT NOT NULL DEFAULT '',
	archived    INTEGER NOT NULL DEFAULT 0,
	heartbeat   INTEGER NOT NULL DEFAULT 0,
	cache_ttl   INTEGER NOT NULL DEFAULT 0,
	graph_color TEXT NOT NULL DEFAULT '',
	graph_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS graphs (
	slug        TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	lower_limit REAL,
	upper_limit REAL,
	kind        TEXT NOT NULL DEFAULT 'line',
	stacked     INTEGER NOT NULL DEFAULT 0,
	visible     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS graph_metrics (
	graph_slug TEXT NOT NULL REFERENCES graphs(slug),
	parameter  TEXT NOT NULL REFERENCES metrics(parameter),
	PRIMARY KEY (graph_slug, parameter)
);
`

// Graph is a named arrangement of metrics for rendering.
type Graph struct {
	Slug       string
	Title      string
	LowerLimit *float64
	UpperLimit *float64
	Kind       string // "line" or "area"
	Stacked    bool
	Visible    bool
}

type cacheEntry struct {
	metric    *metric.Metric
	createdAt time.Time
}

// Registry is the metric/graph definition store. Safe for concurrent
// use: the SQLite handle serializes writes and lookups go through a
// singleflight-guarded TTL cache.
type Registry struct {
	db *sql.DB

	cache sync.Map // parameter → *cacheEntry
	group singleflight.Group
	ttl   time.Duration
	log   *slog.Logger
}

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "open registry: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(errors.ErrUnavailable, "apply registry schema: %v", err)
	}
	return &Registry{
		db:  db,
		ttl: DefaultLookupTTL,
		log: logging.Component("registry"),
	}, nil
}

// Close releases the database handle.
func (r *Registry) Close() error { return r.db.Close() }

// Get resolves one metric definition by parameter. Results are cached
// for the lookup TTL; concurrent misses for the same parameter share
// one query.
func (r *Registry) Get(ctx context.Context, parameter string) (*metric.Metric, error) {
	if entry, ok := r.cache.Load(parameter); ok {
		cached := entry.(*cacheEntry)
		if time.Since(cached.createdAt) < r.ttl {
			return cached.metric, nil
		}
	}

	result, err, _ := r.group.Do(parameter, func() (interface{}, error) {
		return r.queryMetric(ctx, parameter)
	})
	if err != nil {
		return nil, err
	}
	return result.(*metric.Metric), nil
}

func (r *Registry) queryMetric(ctx context.Context, parameter string) (*metric.Metric, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT parameter, name, kind, unit, archived, heartbeat,
		       cache_ttl, graph_color, graph_order
		FROM metrics WHERE parameter = ?`, parameter)

	m, err := scanMetric(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrMetricNotFound, "%s", parameter)
	}
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "query metric %s: %v", parameter, err)
	}

	r.cache.Store(parameter, &cacheEntry{metric: m, createdAt: time.Now()})
	return m, nil
}

// Put inserts or replaces a metric definition and drops its cache
// entry.
func (r *Registry) Put(ctx context.Context, m *metric.Metric) error {
	if m.Parameter == "" {
		return errors.NewInvalidInput("parameter", "empty")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metrics (parameter, name, kind, unit, archived,
		                     heartbeat, cache_ttl, graph_color, graph_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(parameter) DO UPDATE SET
			name = excluded.name, kind = excluded.kind,
			unit = excluded.unit, archived = excluded.archived,
			heartbeat = excluded.heartbeat, cache_ttl = excluded.cache_ttl,
			graph_color = excluded.graph_color, graph_order = excluded.graph_order`,
		m.Parameter, m.Name, m.Kind.String(), m.Unit, boolInt(m.Archived),
		m.Heartbeat, m.CacheTTL, m.GraphColor, m.GraphOrder)
	if err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "store metric %s: %v", m.Parameter, err)
	}
	r.cache.Delete(m.Parameter)
	return nil
}

// List returns all metric definitions ordered by parameter.
func (r *Registry) List(ctx context.Context) ([]*metric.Metric, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT parameter, name, kind, unit, archived, heartbeat,
		       cache_ttl, graph_color, graph_order
		FROM metrics ORDER BY parameter`)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "list metrics: %v", err)
	}
	defer rows.Close()

	var out []*metric.Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrUnavailable, "scan metric: %v", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutGraph inserts or replaces a graph definition and its metric list.
func (r *Registry) PutGraph(ctx context.Context, g *Graph, parameters []string) error {
	if g.Slug == "" {
		return errors.NewInvalidInput("slug", "empty")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "store graph %s: %v", g.Slug, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO graphs (slug, title, lower_limit, upper_limit, kind, stacked, visible)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			title = excluded.title, lower_limit = excluded.lower_limit,
			upper_limit = excluded.upper_limit, kind = excluded.kind,
			stacked = excluded.stacked, visible = excluded.visible`,
		g.Slug, g.Title, g.LowerLimit, g.UpperLimit, g.Kind,
		boolInt(g.Stacked), boolInt(g.Visible))
	if err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "store graph %s: %v", g.Slug, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_metrics WHERE graph_slug = ?`, g.Slug); err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "store graph %s: %v", g.Slug, err)
	}
	for _, p := range parameters {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO graph_metrics (graph_slug, parameter) VALUES (?, ?)`, g.Slug, p); err != nil {
			return errors.Wrapf(errors.ErrUnavailable, "store graph %s: %v", g.Slug, err)
		}
	}
	return tx.Commit()
}

// GetGraph resolves one graph definition by slug.
func (r *Registry) GetGraph(ctx context.Context, slug string) (*Graph, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT slug, title, lower_limit, upper_limit, kind, stacked, visible
		FROM graphs WHERE slug = ?`, slug)

	g := &Graph{}
	var stacked, visible int
	err := row.Scan(&g.Slug, &g.Title, &g.LowerLimit, &g.UpperLimit,
		&g.Kind, &stacked, &visible)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrGraphNotFound, "%s", slug)
	}
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "query graph %s: %v", slug, err)
	}
	g.Stacked = stacked != 0
	g.Visible = visible != 0
	return g, nil
}

// GraphMetrics returns the graph's metrics in graph order.
func (r *Registry) GraphMetrics(ctx context.Context, slug string) ([]*metric.Metric, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.parameter, m.name, m.kind, m.unit, m.archived, m.heartbeat,
		       m.cache_ttl, m.graph_color, m.graph_order
		FROM metrics m
		JOIN graph_metrics gm ON gm.parameter = m.parameter
		WHERE gm.graph_slug = ?
		ORDER BY m.graph_order, m.parameter`, slug)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "graph metrics %s: %v", slug, err)
	}
	defer rows.Close()

	var out []*metric.Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrUnavailable, "scan metric: %v", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InvalidateLookups drops the whole lookup cache.
func (r *Registry) InvalidateLookups() {
	r.cache.Range(func(key, _ interface{}) bool {
		r.cache.Delete(key)
		return true
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMetric(row rowScanner) (*metric.Metric, error) {
	m := &metric.Metric{}
	var kind string
	var archived int
	if err := row.Scan(&m.Parameter, &m.Name, &kind, &m.Unit, &archived,
		&m.Heartbeat, &m.CacheTTL, &m.GraphColor, &m.GraphOrder); err != nil {
		return nil, err
	}
	k, err := metric.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	m.Kind = k
	m.Archived = archived != 0
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
