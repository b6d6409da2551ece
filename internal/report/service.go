package report

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/timegraph/timegraph/internal/errors"
	"github.com/timegraph/timegraph/internal/logging"
)

// LabelStat aggregates one label across all snapshots.
type LabelStat struct {
	Label string  `json:"label"`
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Service answers analytical queries over the snapshot directory with
// an in-memory DuckDB instance reading the parquet files in place.
type Service struct {
	mu sync.RWMutex

	db  *sql.DB
	dir string
	log *slog.Logger
}

// NewService opens the query engine over a snapshot directory. The
// memory limit is passed to DuckDB verbatim (e.g. "512MB"); empty
// means no limit.
func NewService(dir, memoryLimit string) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "open duckdb: %v", err)
	}
	if memoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", memoryLimit)); err != nil {
			db.Close()
			return nil, errors.Wrapf(errors.ErrUnavailable, "set memory limit: %v", err)
		}
	}
	return &Service{
		db:  db,
		dir: dir,
		log: logging.Component("report"),
	}, nil
}

// Close releases the query engine.
func (s *Service) Close() error {
	return s.db.Close()
}

// pattern is the read_parquet glob covering every snapshot.
func (s *Service) pattern() string {
	return filepath.Join(s.dir, "*.parquet")
}

// LabelStats aggregates min/max/avg per label over all snapshots. A
// directory without snapshots yields an empty result.
func (s *Service) LabelStats(ctx context.Context) ([]LabelStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(s.pattern())
	if err != nil || len(matches) == 0 {
		// No snapshot files yet.
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT label, count(*), min(value), max(value), avg(value)
		FROM read_parquet($1)
		GROUP BY label
		ORDER BY label`, s.pattern())
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "label stats: %v", err)
	}
	defer rows.Close()

	var out []LabelStat
	for rows.Next() {
		var st LabelStat
		if err := rows.Scan(&st.Label, &st.Count, &st.Min, &st.Max, &st.Avg); err != nil {
			return nil, errors.Wrapf(errors.ErrUnavailable, "scan label stats: %v", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// QuerySQL runs one read-only query over the snapshots. The "snapshots"
// placeholder table name is rewritten to the parquet glob. Returns
// column names and row values suitable for JSON rendering.
func (s *Service) QuerySQL(ctx context.Context, query string) ([]string, [][]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, rewriteSnapshots(query, s.pattern()))
	if err != nil {
		return nil, nil, errors.Wrapf(errors.ErrInvalidInput, "query: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, errors.Wrapf(errors.ErrUnavailable, "columns: %v", err)
	}

	var out [][]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, errors.Wrapf(errors.ErrUnavailable, "scan: %v", err)
		}
		out = append(out, values)
	}
	return cols, out, rows.Err()
}

// snapshotsToken matches "snapshots" as a standalone word, so names
// like snapshots_archive or 'snapshots_a' literals stay untouched.
var snapshotsToken = regexp.MustCompile(`\bsnapshots\b`)

// rewriteSnapshots substitutes the "snapshots" pseudo-table with the
// parquet glob so queries never name filesystem paths directly.
func rewriteSnapshots(query, pattern string) string {
	escaped := strings.ReplaceAll(pattern, "'", "''")
	return snapshotsToken.ReplaceAllString(query, "read_parquet('"+escaped+"')")
}
