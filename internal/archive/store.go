package archive

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/timegraph/timegraph/internal/errors"
	"github.com/timegraph/timegraph/internal/logging"
	"github.com/timegraph/timegraph/internal/metric"
)

// Store manages the archive files under a root directory, one file per
// (metric, entity) pair. Appends are serialized per process; archives
// are assumed single-writer-at-a-time across processes.
type Store struct {
	mu sync.Mutex

	root      string
	baseStep  int64
	heartbeat int64 // default when a metric declares none

	// now is the sample clock; samples are always stamped at write time.
	now func() time.Time

	log *slog.Logger
}

// NewStore creates a store rooted at the given directory.
func NewStore(root string, baseStep, heartbeat int) *Store {
	return &Store{
		root:      root,
		baseStep:  int64(baseStep),
		heartbeat: int64(heartbeat),
		now:       time.Now,
		log:       logging.Component("archive"),
	}
}

// PathFor returns the archive file location for a (metric, entity)
// pair. It is a pure function of entity type, cleaned entity key, and
// metric parameter.
func (s *Store) PathFor(m *metric.Metric, e metric.Entity) string {
	return filepath.Join(s.root, e.Type, e.CleanKey(), m.Parameter+".rra")
}

// Exists reports whether the archive for the pair has been provisioned.
func (s *Store) Exists(m *metric.Metric, e metric.Entity) bool {
	_, err := os.Stat(s.PathFor(m, e))
	return err == nil
}

// Create provisions a new empty archive for the pair. Behavior on an
// already existing archive is undefined; callers must check Exists
// first.
func (s *Store) Create(m *metric.Metric, e metric.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.PathFor(m, e)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(errors.ErrArchiveWrite, "create archive dir: %v", err)
	}

	hb := s.heartbeat
	if m.Heartbeat > 0 {
		hb = int64(m.Heartbeat)
	}
	a := New(s.baseStep, hb)

	if err := s.writeFile(path, a); err != nil {
		return err
	}
	s.log.Info("archive created", "metric", m.Parameter, "entity_type", e.Type, "entity", e.CleanKey())
	return nil
}

// Append appends one sample, stamped "now", to the pair's archive.
// Returns ErrArchiveMissing when the archive has not been provisioned.
func (s *Store) Append(m *metric.Metric, e metric.Entity, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.PathFor(m, e)
	a, err := s.readFile(path)
	if err != nil {
		return err
	}

	if err := a.Append(s.now().Unix(), v); err != nil {
		return err
	}
	return s.writeFile(path, a)
}

// Fetch evaluates the pair's archive over [start, end] at the requested
// resolution. Returns ErrArchiveMissing when no archive exists.
func (s *Store) Fetch(m *metric.Metric, e metric.Entity, start, end, step int64) ([]int64, []float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.readFile(s.PathFor(m, e))
	if err != nil {
		return nil, nil, err
	}
	return a.Fetch(start, end, step)
}

// BaseStep returns the store's base ring resolution in seconds.
func (s *Store) BaseStep() int64 { return s.baseStep }

func (s *Store) readFile(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrArchiveMissing, "%s", path)
		}
		return nil, errors.Wrapf(errors.ErrArchiveWrite, "read %s: %v", path, err)
	}
	a, err := decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return a, nil
}

// writeFile persists the archive atomically via a rename, so readers
// never observe a torn file.
func (s *Store) writeFile(path string, a *Archive) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encode(a), 0o644); err != nil {
		return errors.Wrapf(errors.ErrArchiveWrite, "write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(errors.ErrArchiveWrite, "rename %s: %v", path, err)
	}
	return nil
}
