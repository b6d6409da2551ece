package export

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
)

// sketchAccuracy is the DDSketch relative accuracy for percentile
// estimation.
const sketchAccuracy = 0.01

// Summary describes the known values of one exported series.
type Summary struct {
	Label string  `json:"label"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Summarize computes per-series statistics over a frame, ordered by
// label. Unknown elements are excluded; a series with no known values
// yields a zero-count summary.
func Summarize(f *Frame) []Summary {
	out := make([]Summary, 0, len(f.Series))
	for _, label := range sortedKeys(f.Series) {
		out = append(out, summarizeSeries(label, f.Series[label]))
	}
	return out
}

func summarizeSeries(label string, values []float64) Summary {
	s := Summary{Label: label, Min: math.Inf(1), Max: math.Inf(-1)}

	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	var sum float64
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		s.Count++
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
		if err == nil {
			sketch.Add(v)
		}
	}
	if s.Count == 0 {
		return Summary{Label: label}
	}
	s.Avg = sum / float64(s.Count)
	if err == nil {
		s.P50, _ = sketch.GetValueAtQuantile(0.50)
		s.P90, _ = sketch.GetValueAtQuantile(0.90)
		s.P95, _ = sketch.GetValueAtQuantile(0.95)
		s.P99, _ = sketch.GetValueAtQuantile(0.99)
	}
	return s
}
