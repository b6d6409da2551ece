// Package render builds typed draw directives for graph images. The
// actual rasterizer sits behind the Renderer interface; this package
// only decides what to draw.
package render

import (
	"context"
	"fmt"
	"strconv"

	"github.com/timegraph/timegraph/internal/errors"
	"github.com/timegraph/timegraph/internal/metric"
	"github.com/timegraph/timegraph/internal/registry"
)

// palette is the munin color rotation used when a metric does not
// declare its own graph color.
var palette = []string{
	"#00CC00", "#0066B3", "#FF8000", "#FFCC00", "#330099", "#990099", "#CCFF00", "#FF0000", "#808080",
	"#008F00", "#00487D", "#B35A00", "#B38F00", "#6B006B", "#8FB300", "#B30000", "#BEBEBE",
	"#80FF80", "#80C9FF", "#FFC080", "#FFE680", "#AA80FF", "#EE00CC", "#FF8080",
	"#666600", "#FFBFFF", "#00FFCC", "#CC6699", "#999900",
}

// totalColor is the fill for single-metric total graphs without a
// configured color.
const totalColor = "#990033"

// Directive is one typed draw instruction.
type Directive interface {
	isDirective()
}

// DefDirective binds a variable to one archived series.
type DefDirective struct {
	Var    string
	Path   string // archive file
	Source string // metric parameter inside the archive
}

// PlotDirective draws a defined variable.
type PlotDirective struct {
	Kind   string // "area" or "line"
	Var    string
	Color  string
	Legend string
	Stack  bool
}

// OptionDirective sets a graph-wide option.
type OptionDirective struct {
	Name  string
	Value string
}

func (DefDirective) isDirective()    {}
func (PlotDirective) isDirective()   {}
func (OptionDirective) isDirective() {}

// Renderer turns directives into an image. Implementations are opaque;
// failures surface to callers as ErrRendererFailed.
type Renderer interface {
	Render(ctx context.Context, directives []Directive) ([]byte, error)
}

// ArchiveSource locates archived series for directives.
type ArchiveSource interface {
	Exists(m *metric.Metric, e metric.Entity) bool
	PathFor(m *metric.Metric, e metric.Entity) string
}

// ValueSource provides current values for plot legends.
type ValueSource interface {
	GetLatest(ctx context.Context, m *metric.Metric, e metric.Entity, strict bool) (metric.Value, error)
}

// Builder assembles directive lists for the two graph shapes.
type Builder struct {
	archives ArchiveSource
	values   ValueSource
}

// NewBuilder creates a builder. values may be nil; legends then omit
// current readings.
func NewBuilder(archives ArchiveSource, values ValueSource) *Builder {
	return &Builder{archives: archives, values: values}
}

// BuildGraph assembles the directives for one graph of an entity.
// Metrics without an archive are skipped; when none remain the result
// is ErrNoData, never an empty image.
func (b *Builder) BuildGraph(ctx context.Context, g *registry.Graph, metrics []*metric.Metric, e metric.Entity) ([]Directive, error) {
	var out []Directive
	count := 0
	isMemory := false

	for _, m := range metrics {
		if !b.archives.Exists(m, e) {
			continue
		}
		if m.Unit == "b" || m.Unit == "B" {
			isMemory = true
		}

		color := m.GraphColor
		if color == "" {
			color = palette[count%len(palette)]
		}

		legend := m.Name
		if b.values != nil {
			if v, err := b.values.GetLatest(ctx, m, e, false); err == nil {
				if s := metric.FormatValue(v, m.Unit); s != "" {
					legend += " | " + s
				}
			}
		}

		v := fmt.Sprintf("v%d", count)
		out = append(out,
			DefDirective{Var: v, Path: b.archives.PathFor(m, e), Source: m.Parameter},
			PlotDirective{Kind: g.Kind, Var: v, Color: color, Legend: legend, Stack: g.Stacked})
		count++
	}

	if count == 0 {
		return nil, errors.Wrapf(errors.ErrNoData, "graph %s for %s/%s", g.Slug, e.Type, e.CleanKey())
	}

	if isMemory {
		out = append(out, OptionDirective{Name: "base", Value: "1024"})
	}
	if g.LowerLimit != nil {
		out = append(out,
			OptionDirective{Name: "lower-limit", Value: strconv.FormatFloat(*g.LowerLimit, 'g', -1, 64)},
			OptionDirective{Name: "rigid"})
	}
	if g.UpperLimit != nil {
		out = append(out, OptionDirective{Name: "upper-limit", Value: strconv.FormatFloat(*g.UpperLimit, 'g', -1, 64)})
	}
	return out, nil
}

// BuildMetricTotal assembles the directives for one metric stacked
// across entities: the first series is an area, the rest stack on top.
func (b *Builder) BuildMetricTotal(ctx context.Context, m *metric.Metric, entities []metric.Entity) ([]Directive, error) {
	color := m.GraphColor
	if color == "" {
		color = totalColor
	}

	var out []Directive
	count := 0
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrUnavailable, err.Error())
		}
		if !b.archives.Exists(m, e) {
			continue
		}
		v := fmt.Sprintf("v%d", count)
		out = append(out,
			DefDirective{Var: v, Path: b.archives.PathFor(m, e), Source: m.Parameter},
			PlotDirective{Kind: "area", Var: v, Color: color, Stack: count > 0})
		count++
	}

	if count == 0 {
		return nil, errors.Wrapf(errors.ErrNoData, "metric %s total", m.Parameter)
	}
	return out, nil
}
