package archive

import "math"

// A ring is one fixed-capacity, fixed-resolution circular buffer inside
// an archive. A ring with factor f stores one consolidated slot per f
// base buckets, averaged. Slots hold NaN for unknown data.
type ring struct {
	factor int
	slots  []float64
	head   int // next write position
	filled int // number of populated slots, capped at len(slots)

	// lastEnd is the unix-second end boundary of the most recent
	// finalized slot. Zero until the first slot is written.
	lastEnd int64

	// Consolidation window state: running sum and count of known base
	// buckets in the window currently being filled.
	cdpSum   float64
	cdpKnown int
}

// consolidationXFF is the maximum fraction of unknown base buckets a
// window may contain and still produce a known slot.
const consolidationXFF = 0.5

func newRing(factor, slotCount int) *ring {
	slots := make([]float64, slotCount)
	for i := range slots {
		slots[i] = math.NaN()
	}
	return &ring{factor: factor, slots: slots}
}

// addBase feeds one completed base bucket into the consolidation
// window. bucketEnd is the unix-second end boundary of the base bucket.
// Windows are aligned to factor*baseStep boundaries, so the window
// finalizes whenever bucketEnd lands on one.
func (r *ring) addBase(bucketEnd, baseStep int64, v float64, known bool) {
	if known {
		r.cdpSum += v
		r.cdpKnown++
	}

	windowSpan := baseStep * int64(r.factor)
	if bucketEnd%windowSpan != 0 {
		return
	}

	val := math.NaN()
	if float64(r.cdpKnown) >= float64(r.factor)*consolidationXFF {
		val = r.cdpSum / float64(r.cdpKnown)
	}
	r.push(val, bucketEnd)
	r.cdpSum = 0
	r.cdpKnown = 0
}

// push writes one finalized slot, evicting the oldest when full.
func (r *ring) push(v float64, end int64) {
	r.slots[r.head] = v
	r.head = (r.head + 1) % len(r.slots)
	if r.filled < len(r.slots) {
		r.filled++
	}
	r.lastEnd = end
}

// at returns the slot whose bucket ends at the given unix second.
// Returns NaN for times outside the recorded window.
func (r *ring) at(end, baseStep int64) float64 {
	if r.filled == 0 || r.lastEnd == 0 {
		return math.NaN()
	}
	step := baseStep * int64(r.factor)
	diff := r.lastEnd - end
	if diff < 0 || diff%step != 0 {
		return math.NaN()
	}
	offset := int(diff / step)
	if offset >= r.filled {
		return math.NaN()
	}
	idx := r.head - 1 - offset
	if idx < 0 {
		idx += len(r.slots)
	}
	return r.slots[idx]
}

// span returns the period covered by populated slots, in seconds.
func (r *ring) span(baseStep int64) int64 {
	return baseStep * int64(r.factor) * int64(r.filled)
}

// oldestEnd returns the end boundary of the oldest populated slot, or 0
// when the ring is empty.
func (r *ring) oldestEnd(baseStep int64) int64 {
	if r.filled == 0 {
		return 0
	}
	step := baseStep * int64(r.factor)
	return r.lastEnd - step*int64(r.filled-1)
}
