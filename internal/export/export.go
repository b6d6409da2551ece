// Package export evaluates archived series over an aligned time grid:
// per-entity fetch, gap substitution, combination into one series per
// metric, and edge smoothing for presentation.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"

	"github.com/timegraph/timegraph/internal/errors"
	"github.com/timegraph/timegraph/internal/logging"
	"github.com/timegraph/timegraph/internal/metric"
)

// CombineOp folds the per-entity series of a metric into one.
type CombineOp int

const (
	OpSum CombineOp = iota
	OpMax
	OpMin
)

func (op CombineOp) String() string {
	switch op {
	case OpMax:
		return "max"
	case OpMin:
		return "min"
	default:
		return "sum"
	}
}

// ParseOp maps the wire form of a combination operator.
func ParseOp(s string) (CombineOp, error) {
	switch s {
	case "", "sum":
		return OpSum, nil
	case "max":
		return OpMax, nil
	case "min":
		return OpMin, nil
	}
	return OpSum, errors.NewInvalidInput("op", s)
}

// Options select the export window and combination behavior.
type Options struct {
	Start int64 // unix seconds, inclusive
	End   int64 // unix seconds
	Step  int64 // requested resolution in seconds, 0 = base step
	Op    CombineOp

	// Unknown is the substitution for gaps and zero readings, in text
	// form. Empty means "0".
	Unknown string
}

func (o Options) validate() (float64, error) {
	if o.End <= o.Start {
		return 0, errors.NewInvalidInput("time range",
			fmt.Sprintf("start %d >= end %d", o.Start, o.End))
	}
	if o.Step < 0 {
		return 0, errors.NewInvalidInput("step", strconv.FormatInt(o.Step, 10))
	}
	raw := o.Unknown
	if raw == "" {
		raw = "0"
	}
	un, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.NewInvalidInput("unknown", o.Unknown)
	}
	return un, nil
}

// Store is the slice of the archive store the engine reads from.
type Store interface {
	Exists(m *metric.Metric, e metric.Entity) bool
	Fetch(m *metric.Metric, e metric.Entity, start, end, step int64) ([]int64, []float64, error)
	BaseStep() int64
}

// Labeled names one metric inside a multi-metric export.
type Labeled struct {
	Label  string
	Metric *metric.Metric
}

// Frame is an evaluated export: one shared timestamp grid plus one
// value series per label, all of equal length. NaN values marshal as
// JSON nulls.
type Frame struct {
	Timestamps []int64
	Series     map[string][]float64
}

// MarshalJSON renders the frame with NaN as null.
func (f *Frame) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"timestamps":`)
	ts, err := json.Marshal(f.Timestamps)
	if err != nil {
		return nil, err
	}
	buf.Write(ts)
	buf.WriteString(`,"series":{`)

	first := true
	for _, name := range sortedKeys(f.Series) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		nameJSON, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(nameJSON)
		buf.WriteString(":[")
		for i, v := range f.Series[name] {
			if i > 0 {
				buf.WriteByte(',')
			}
			if math.IsNaN(v) {
				buf.WriteString("null")
			} else {
				buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			}
		}
		buf.WriteByte(']')
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

func sortedKeys(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Engine evaluates exports against an archive store.
type Engine struct {
	store Store
	log   *slog.Logger
}

// NewEngine creates an export engine.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, log: logging.Component("export")}
}

// Export evaluates one metric across entities: entities without an
// archive are skipped, and when none remain the result is ErrNoData.
// The combined series is labeled with the metric parameter.
func (g *Engine) Export(ctx context.Context, m *metric.Metric, entities []metric.Entity, opts Options) (*Frame, error) {
	un, err := opts.validate()
	if err != nil {
		return nil, err
	}

	grid := g.gridFor(opts)
	series, err := g.combined(ctx, m, entities, grid, opts.Op, un)
	if err != nil {
		return nil, err
	}
	if series == nil {
		return nil, errors.Wrapf(errors.ErrNoData, "metric %s", m.Parameter)
	}

	smoothEdges(series)
	return &Frame{
		Timestamps: grid.timestamps(),
		Series:     map[string][]float64{m.Parameter: series},
	}, nil
}

// ExportSet evaluates several labeled metrics over one shared grid.
// All-or-nothing: any label whose metric has no archives at all fails
// the whole call with ErrNoData.
func (g *Engine) ExportSet(ctx context.Context, labels []Labeled, entities []metric.Entity, opts Options) (*Frame, error) {
	un, err := opts.validate()
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, errors.NewInvalidInput("labels", "empty")
	}

	grid := g.gridFor(opts)
	out := make(map[string][]float64, len(labels))
	for _, l := range labels {
		series, err := g.combined(ctx, l.Metric, entities, grid, opts.Op, un)
		if err != nil {
			return nil, err
		}
		if series == nil {
			return nil, errors.Wrapf(errors.ErrNoData, "label %s (metric %s)", l.Label, l.Metric.Parameter)
		}
		smoothEdges(series)
		out[l.Label] = series
	}
	return &Frame{Timestamps: grid.timestamps(), Series: out}, nil
}

// combined fetches, substitutes, and folds the per-entity series. A nil
// result with nil error means no entity had an archive.
func (g *Engine) combined(ctx context.Context, m *metric.Metric, entities []metric.Entity, grid exportGrid, op CombineOp, un float64) ([]float64, error) {
	var acc []float64
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrUnavailable, err.Error())
		}
		if !g.store.Exists(m, e) {
			continue
		}
		vals, err := g.fetchOnGrid(m, e, grid)
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			// Gaps and zero readings count as the unknown value.
			if math.IsNaN(v) || v == 0.0 {
				vals[i] = un
			}
		}
		if acc == nil {
			acc = vals
			continue
		}
		for i := range acc {
			switch op {
			case OpMax:
				acc[i] = math.Max(acc[i], vals[i])
			case OpMin:
				acc[i] = math.Min(acc[i], vals[i])
			default:
				acc[i] += vals[i]
			}
		}
	}
	return acc, nil
}

// fetchOnGrid reads one archive and resamples it onto the shared grid.
// Archives may resolve the fetch at a coarser ring; ring resolutions
// are integer multiples of each other and bucket ends stay aligned, so
// each grid point maps to the coarser bucket that covers it.
func (g *Engine) fetchOnGrid(m *metric.Metric, e metric.Entity, grid exportGrid) ([]float64, error) {
	ts, vals, err := g.store.Fetch(m, e, grid.start, grid.end, grid.step)
	if err != nil {
		if errors.Is(err, errors.ErrArchiveMissing) {
			out := make([]float64, grid.points())
			for i := range out {
				out[i] = math.NaN()
			}
			return out, nil
		}
		return nil, err
	}

	srcStep := grid.step
	if len(ts) >= 2 {
		srcStep = ts[1] - ts[0]
	}
	byEnd := make(map[int64]float64, len(ts))
	for i, t := range ts {
		byEnd[t] = vals[i]
	}

	out := make([]float64, 0, grid.points())
	for t := grid.start + grid.step; t <= grid.end; t += grid.step {
		// End of the source bucket covering t.
		src := ((t + srcStep - 1) / srcStep) * srcStep
		v, ok := byEnd[src]
		if !ok {
			v = math.NaN()
		}
		out = append(out, v)
	}
	return out, nil
}

// exportGrid is the shared evaluation grid: points are bucket end
// times from start+step to end inclusive.
type exportGrid struct {
	start, end, step int64
}

// maxWindowSlots caps the evaluation grid at the archive ring
// capacity. Points before that window could only read as unknown, so
// an unbounded start (e.g. 0) must not inflate the grid.
const maxWindowSlots = 600

func (g *Engine) gridFor(opts Options) exportGrid {
	step := opts.Step
	if step <= 0 {
		step = g.store.BaseStep()
	}
	// Quantize to an archive ring resolution so grid points land on
	// bucket boundaries.
	step = quantizeStep(step, g.store.BaseStep())

	start := (opts.Start / step) * step
	end := ((opts.End + step - 1) / step) * step
	if end-start > step*maxWindowSlots {
		start = end - step*maxWindowSlots
	}
	return exportGrid{start: start, end: end, step: step}
}

// ringSteps mirrors the archive ring layout.
var ringFactors = []int64{1, 6, 24, 288}

func quantizeStep(step, baseStep int64) int64 {
	for _, f := range ringFactors {
		if baseStep*f >= step {
			return baseStep * f
		}
	}
	return baseStep * ringFactors[len(ringFactors)-1]
}

func (g exportGrid) points() int {
	return int((g.end - g.start) / g.step)
}

func (g exportGrid) timestamps() []int64 {
	out := make([]int64, 0, g.points())
	for t := g.start + g.step; t <= g.end; t += g.step {
		out = append(out, t)
	}
	return out
}

// smoothEdges replaces a zero first or last element with its neighbor.
// Boundary buckets are routinely half-filled and would otherwise drag
// graph edges to the floor.
func smoothEdges(s []float64) {
	if len(s) < 2 {
		return
	}
	if s[0] == 0.0 {
		s[0] = s[1]
	}
	if s[len(s)-1] == 0.0 {
		s[len(s)-1] = s[len(s)-2]
	}
}
