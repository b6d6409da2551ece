// Package archive implements the round-robin series store: one
// fixed-footprint binary file per (metric, entity) pair, holding a base
// resolution ring plus coarser average-consolidated rollup rings.
package archive

import (
	"fmt"
	"math"

	"github.com/timegraph/timegraph/internal/errors"
)

const (
	// slotCount is the fixed capacity of every ring.
	slotCount = 600
)

// ringFactors are the decimation factors of the rollup rings relative
// to the base step: base, 6x, 24x, 288x (e.g. 5min, 30min, 2h, 1d).
var ringFactors = []int{1, 6, 24, 288}

// Archive is the in-memory form of one (metric, entity) series file.
// Appends are forward-only; the on-disk footprint never grows.
type Archive struct {
	baseStep  int64 // seconds per base bucket
	heartbeat int64 // max seconds between samples before a gap is recorded

	lastUpdate int64 // unix seconds of the most recent sample, 0 if empty

	// Pending base bucket accumulation: samples that landed in the
	// not-yet-completed base bucket.
	pdpSum   float64
	pdpCount int

	rings []*ring
}

// New creates an empty archive with the standard ring layout.
func New(baseStep, heartbeat int64) *Archive {
	if baseStep <= 0 {
		baseStep = 300
	}
	if heartbeat <= 0 {
		heartbeat = baseStep
	}
	rings := make([]*ring, len(ringFactors))
	for i, f := range ringFactors {
		rings[i] = newRing(f, slotCount)
	}
	return &Archive{
		baseStep:  baseStep,
		heartbeat: heartbeat,
		rings:     rings,
	}
}

// BaseStep returns the base ring resolution in seconds.
func (a *Archive) BaseStep() int64 { return a.baseStep }

// Heartbeat returns the gap threshold in seconds.
func (a *Archive) Heartbeat() int64 { return a.heartbeat }

// LastUpdate returns the unix timestamp of the most recent sample, or 0
// for an empty archive.
func (a *Archive) LastUpdate() int64 { return a.lastUpdate }

// Append records one sample at the given unix second. Timestamps must
// move strictly forward.
func (a *Archive) Append(now int64, v float64) error {
	if a.lastUpdate != 0 && now <= a.lastUpdate {
		return errors.Wrapf(errors.ErrArchiveWrite,
			"illegal update at %d, last update %d", now, a.lastUpdate)
	}

	if a.lastUpdate == 0 {
		a.pdpSum = v
		a.pdpCount = 1
		a.lastUpdate = now
		return nil
	}

	curBucket := now / a.baseStep
	lastBucket := a.lastUpdate / a.baseStep

	if curBucket == lastBucket {
		// Still inside the pending bucket: accumulate.
		a.pdpSum += v
		a.pdpCount++
		a.lastUpdate = now
		return nil
	}

	withinHeartbeat := now-a.lastUpdate <= a.heartbeat

	// Finalize the pending bucket with the average of its samples.
	a.feedBase(lastBucket, a.pdpSum/float64(a.pdpCount), true)

	// Buckets skipped between the pending one and the current one hold
	// the new reading when the gap is within the heartbeat, otherwise
	// they are recorded as gaps.
	skipped := curBucket - lastBucket - 1
	maxUseful := int64(slotCount * ringFactors[len(ringFactors)-1])
	if skipped > maxUseful {
		skipped = maxUseful
		lastBucket = curBucket - skipped - 1
	}
	for b := lastBucket + 1; b < curBucket; b++ {
		a.feedBase(b, v, withinHeartbeat)
	}

	a.pdpSum = v
	a.pdpCount = 1
	a.lastUpdate = now
	return nil
}

// feedBase distributes one completed base bucket to every ring.
func (a *Archive) feedBase(bucket int64, v float64, known bool) {
	if !known {
		v = math.NaN()
	}
	bucketEnd := (bucket + 1) * a.baseStep
	for _, r := range a.rings {
		r.addBase(bucketEnd, a.baseStep, v, known)
	}
}

// Fetch evaluates the archive over the grid defined by [start, end] and
// the requested resolution (all unix seconds). It selects the finest
// ring whose resolution is no finer than step and which covers the
// range start, falling back to the coarsest ring. Returned slices are
// index-aligned bucket end times and values; NaN marks unknown samples.
func (a *Archive) Fetch(start, end, step int64) ([]int64, []float64, error) {
	if end <= start {
		return nil, nil, errors.NewInvalidInput("time range", fmt.Sprintf("start %d >= end %d", start, end))
	}
	if step <= 0 {
		step = a.baseStep
	}

	r := a.selectRing(start, step)
	ringStep := a.baseStep * int64(r.factor)

	gridStart := (start / ringStep) * ringStep
	gridEnd := ((end + ringStep - 1) / ringStep) * ringStep

	n := int((gridEnd-gridStart)/ringStep) + 1
	timestamps := make([]int64, 0, n)
	values := make([]float64, 0, n)
	for t := gridStart + ringStep; t <= gridEnd; t += ringStep {
		timestamps = append(timestamps, t)
		values = append(values, r.at(t, a.baseStep))
	}
	return timestamps, values, nil
}

// selectRing picks the ring used to satisfy a fetch.
func (a *Archive) selectRing(start, step int64) *ring {
	// Prefer rings that cover the range start; among those, the finest
	// resolution not finer than the requested step.
	for _, r := range a.rings {
		ringStep := a.baseStep * int64(r.factor)
		if ringStep < step {
			continue
		}
		if oldest := r.oldestEnd(a.baseStep); oldest != 0 && oldest-ringStep <= start {
			return r
		}
	}
	// Nothing covers the start: the coarsest ring sees furthest back.
	return a.rings[len(a.rings)-1]
}
