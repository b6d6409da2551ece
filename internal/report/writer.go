// Package report persists export frames as parquet snapshots and
// serves ad-hoc SQL over the snapshot directory through DuckDB.
package report

import (
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/timegraph/timegraph/internal/errors"
	"github.com/timegraph/timegraph/internal/export"
)

// Row is one known sample of a snapshot in parquet form. Unknown
// elements of a frame are not written.
type Row struct {
	Label     string  `parquet:"label,zstd"`
	Timestamp int64   `parquet:"timestamp"`
	Value     float64 `parquet:"value"`
}

// WriteSnapshot writes the frame to a parquet file, one row per known
// (label, timestamp) element, and returns the row count.
func WriteSnapshot(path string, f *export.Frame) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, errors.Wrapf(errors.ErrUnavailable, "create snapshot dir: %v", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrUnavailable, "create snapshot: %v", err)
	}

	w := parquet.NewGenericWriter[Row](file, parquet.Compression(&parquet.Zstd))

	labels := make([]string, 0, len(f.Series))
	for label := range f.Series {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var count int64
	rows := make([]Row, 0, len(f.Timestamps))
	for _, label := range labels {
		rows = rows[:0]
		for i, v := range f.Series[label] {
			if math.IsNaN(v) {
				continue
			}
			rows = append(rows, Row{Label: label, Timestamp: f.Timestamps[i], Value: v})
		}
		if len(rows) == 0 {
			continue
		}
		if _, err := w.Write(rows); err != nil {
			file.Close()
			return 0, errors.Wrapf(errors.ErrUnavailable, "write snapshot: %v", err)
		}
		count += int64(len(rows))
	}

	if err := w.Close(); err != nil {
		file.Close()
		return 0, errors.Wrapf(errors.ErrUnavailable, "close snapshot: %v", err)
	}
	return count, file.Close()
}
