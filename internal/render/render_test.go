package render

import (
	"context"
	"testing"

	"github.com/timegraph/timegraph/internal/errors"
	"github.com/timegraph/timegraph/internal/metric"
	"github.com/timegraph/timegraph/internal/registry"
)

type fakeArchives struct {
	existing map[string]bool
}

func key(m *metric.Metric, e metric.Entity) string {
	return e.Type + "/" + e.CleanKey() + "/" + m.Parameter
}

func (f *fakeArchives) Exists(m *metric.Metric, e metric.Entity) bool {
	return f.existing[key(m, e)]
}

func (f *fakeArchives) PathFor(m *metric.Metric, e metric.Entity) string {
	return "/data/" + key(m, e) + ".rra"
}

type fakeValues struct {
	values map[string]metric.Value
}

func (f *fakeValues) GetLatest(_ context.Context, m *metric.Metric, e metric.Entity, _ bool) (metric.Value, error) {
	if v, ok := f.values[key(m, e)]; ok {
		return v, nil
	}
	return metric.Null(m.Kind), nil
}

func TestBuilder_BuildGraph(t *testing.T) {
	e := metric.Entity{Type: "router", Key: "rt1"}
	rx := &metric.Metric{Parameter: "rx", Name: "Inbound", Kind: metric.KindFloat, Unit: "B"}
	tx := &metric.Metric{Parameter: "tx", Name: "Outbound", Kind: metric.KindFloat, Unit: "B", GraphColor: "#112233"}
	missing := &metric.Metric{Parameter: "gone", Kind: metric.KindFloat}

	arch := &fakeArchives{existing: map[string]bool{
		key(rx, e): true,
		key(tx, e): true,
	}}
	vals := &fakeValues{values: map[string]metric.Value{
		key(rx, e): metric.FloatValue(2048),
	}}

	lower := 0.0
	g := &registry.Graph{Slug: "traffic", Kind: "area", Stacked: true, LowerLimit: &lower}

	directives, err := NewBuilder(arch, vals).BuildGraph(context.Background(), g,
		[]*metric.Metric{rx, missing, tx}, e)
	if err != nil {
		t.Fatal(err)
	}

	var defs []DefDirective
	var plots []PlotDirective
	var opts []OptionDirective
	for _, d := range directives {
		switch d := d.(type) {
		case DefDirective:
			defs = append(defs, d)
		case PlotDirective:
			plots = append(plots, d)
		case OptionDirective:
			opts = append(opts, d)
		}
	}

	if len(defs) != 2 || len(plots) != 2 {
		t.Fatalf("defs=%d plots=%d, want 2 each (missing archive skipped)", len(defs), len(plots))
	}
	if defs[0].Source != "rx" || defs[1].Source != "tx" {
		t.Errorf("def sources: %v", defs)
	}
	if plots[0].Legend != "Inbound | 2.0 kiB" {
		t.Errorf("legend=%q, want current value appended", plots[0].Legend)
	}
	if plots[0].Color != palette[0] {
		t.Errorf("color=%q, want first palette entry", plots[0].Color)
	}
	if plots[1].Color != "#112233" {
		t.Errorf("color=%q, want the metric's own color", plots[1].Color)
	}
	if !plots[0].Stack || plots[0].Kind != "area" {
		t.Errorf("plot=%+v, want stacked area", plots[0])
	}

	// B units force base 1024; the lower limit adds rigid scaling.
	wantOpts := map[string]bool{"base": false, "lower-limit": false, "rigid": false}
	for _, o := range opts {
		if _, ok := wantOpts[o.Name]; ok {
			wantOpts[o.Name] = true
		}
	}
	for name, seen := range wantOpts {
		if !seen {
			t.Errorf("option %q missing (got %v)", name, opts)
		}
	}
}

func TestBuilder_BuildGraphNoArchives(t *testing.T) {
	e := metric.Entity{Type: "router", Key: "rt1"}
	m := &metric.Metric{Parameter: "rx", Kind: metric.KindFloat}
	b := NewBuilder(&fakeArchives{existing: map[string]bool{}}, nil)

	_, err := b.BuildGraph(context.Background(), &registry.Graph{Slug: "traffic", Kind: "line"},
		[]*metric.Metric{m}, e)
	if !errors.Is(err, errors.ErrNoData) {
		t.Fatalf("err=%v, want ErrNoData", err)
	}
}

func TestBuilder_BuildMetricTotal(t *testing.T) {
	m := &metric.Metric{Parameter: "load", Kind: metric.KindFloat}
	a := metric.Entity{Type: "dev", Key: "a"}
	b := metric.Entity{Type: "dev", Key: "b"}
	skipped := metric.Entity{Type: "dev", Key: "c"}

	arch := &fakeArchives{existing: map[string]bool{
		key(m, a): true,
		key(m, b): true,
	}}

	directives, err := NewBuilder(arch, nil).BuildMetricTotal(context.Background(), m,
		[]metric.Entity{a, skipped, b})
	if err != nil {
		t.Fatal(err)
	}

	var plots []PlotDirective
	for _, d := range directives {
		if p, ok := d.(PlotDirective); ok {
			plots = append(plots, p)
		}
	}
	if len(plots) != 2 {
		t.Fatalf("plots=%d, want 2", len(plots))
	}
	if plots[0].Stack || !plots[1].Stack {
		t.Errorf("first plot is the base area, the rest stack: %+v", plots)
	}
	if plots[0].Color != totalColor {
		t.Errorf("color=%q, want default total color", plots[0].Color)
	}

	_, err = NewBuilder(arch, nil).BuildMetricTotal(context.Background(), m,
		[]metric.Entity{skipped})
	if !errors.Is(err, errors.ErrNoData) {
		t.Errorf("err=%v, want ErrNoData", err)
	}
}
