package archive

import (
	"math"
	"reflect"
	"testing"

	"github.com/timegraph/timegraph/internal/errors"
)

func TestArchive_AppendBaseRing(t *testing.T) {
	a := New(10, 100)

	// One sample per base bucket.
	for i, v := range []float64{1, 2, 3, 4} {
		if err := a.Append(int64(5+i*10), v); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Buckets ending at 10, 20, 30 are finalized; the bucket holding
	// the last sample is still pending.
	ts, vals, err := a.Fetch(0, 30, 10)
	if err != nil {
		t.Fatal(err)
	}
	wantTs := []int64{10, 20, 30}
	if !reflect.DeepEqual(ts, wantTs) {
		t.Fatalf("timestamps=%v, want %v", ts, wantTs)
	}
	for i, want := range []float64{1, 2, 3} {
		if vals[i] != want {
			t.Errorf("vals[%d]=%v, want %v", i, vals[i], want)
		}
	}
}

func TestArchive_AppendAveragesWithinBucket(t *testing.T) {
	a := New(10, 100)

	// Two samples in the same base bucket average together.
	mustAppend(t, a, 2, 4.0)
	mustAppend(t, a, 7, 8.0)
	mustAppend(t, a, 12, 1.0) // finalizes the first bucket

	_, vals, err := a.Fetch(0, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := vals[len(vals)-1]; got != 6.0 {
		t.Errorf("bucket value=%v, want 6.0 (average of 4 and 8)", got)
	}
}

func TestArchive_AppendRejectsBackwards(t *testing.T) {
	a := New(10, 100)
	mustAppend(t, a, 100, 1)

	if err := a.Append(100, 2); err == nil {
		t.Error("expected error for same-timestamp update")
	}
	if err := a.Append(90, 2); err == nil {
		t.Error("expected error for backwards update")
	}
}

func TestArchive_HeartbeatGap(t *testing.T) {
	a := New(10, 15)

	mustAppend(t, a, 5, 1.0)
	// 40s gap, well past the 15s heartbeat: skipped buckets are gaps.
	mustAppend(t, a, 45, 2.0)
	mustAppend(t, a, 55, 3.0) // finalizes the bucket holding 2.0

	_, vals, err := a.Fetch(0, 50, 10)
	if err != nil {
		t.Fatal(err)
	}
	// Buckets ending 10,20,30,40,50: 1.0, gap, gap, gap, 2.0
	want := []float64{1.0, math.NaN(), math.NaN(), math.NaN(), 2.0}
	for i := range want {
		if math.IsNaN(want[i]) != math.IsNaN(vals[i]) {
			t.Errorf("vals[%d]=%v, want %v", i, vals[i], want[i])
		} else if !math.IsNaN(want[i]) && vals[i] != want[i] {
			t.Errorf("vals[%d]=%v, want %v", i, vals[i], want[i])
		}
	}
}

func TestArchive_WithinHeartbeatFills(t *testing.T) {
	a := New(10, 100)

	mustAppend(t, a, 5, 1.0)
	// 40s gap but heartbeat is 100: the gauge is assumed to hold, so
	// skipped buckets carry the incoming reading.
	mustAppend(t, a, 45, 2.0)

	_, vals, err := a.Fetch(0, 40, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1.0, 2.0, 2.0, 2.0}
	if !reflect.DeepEqual(vals, want) {
		t.Errorf("vals=%v, want %v", vals, want)
	}
}

func TestArchive_RollupConsolidation(t *testing.T) {
	a := New(10, 100)

	// Fill base buckets 0..5 (ending at 10..60) with 1..6 and one more
	// sample to finalize the window; the x6 ring should consolidate the
	// average.
	for i := 0; i < 7; i++ {
		mustAppend(t, a, int64(5+i*10), float64(i+1))
	}

	// Request exactly the rollup resolution.
	ts, vals, err := a.Fetch(0, 60, 60)
	if err != nil {
		t.Fatal(err)
	}
	if ts[len(ts)-1] != 60 {
		t.Fatalf("last timestamp=%d, want 60", ts[len(ts)-1])
	}
	if got := vals[len(vals)-1]; got != 3.5 {
		t.Errorf("consolidated value=%v, want 3.5 (average of 1..6)", got)
	}
}

func TestArchive_RollupUnknownFraction(t *testing.T) {
	a := New(10, 15)

	// Only buckets 0 and 5 of the first x6 window are known: 4/6
	// unknown exceeds the 0.5 cutoff, so the consolidated slot is a gap.
	mustAppend(t, a, 5, 6.0)
	mustAppend(t, a, 55, 6.0)
	mustAppend(t, a, 65, 1.0)

	_, vals, err := a.Fetch(0, 60, 60)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(vals[len(vals)-1]) {
		t.Errorf("consolidated value=%v, want NaN", vals[len(vals)-1])
	}
}

func TestArchive_RingEviction(t *testing.T) {
	a := New(10, 100)

	// Push more base buckets than the ring holds: the oldest must be
	// evicted and the footprint stay constant.
	for i := 0; i <= slotCount+10; i++ {
		mustAppend(t, a, int64(5+i*10), float64(i))
	}

	if got := a.rings[0].filled; got != slotCount {
		t.Fatalf("filled=%d, want %d", got, slotCount)
	}

	// The oldest surviving slot is bucket 10 (buckets 0..9 evicted).
	oldest := a.rings[0].oldestEnd(10)
	_, vals, err := a.Fetch(oldest-10, oldest, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := vals[len(vals)-1]; got != 10 {
		t.Errorf("oldest slot=%v, want 10", got)
	}
}

func TestArchive_FetchEmptyGrid(t *testing.T) {
	a := New(10, 100)

	ts, vals, err := a.Fetch(0, 50, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != len(vals) || len(ts) == 0 {
		t.Fatalf("grid sizes: ts=%d vals=%d", len(ts), len(vals))
	}
	for i, v := range vals {
		if !math.IsNaN(v) {
			t.Errorf("vals[%d]=%v, want NaN for empty archive", i, v)
		}
	}
}

func TestArchive_FetchInvalidRange(t *testing.T) {
	a := New(10, 100)
	if _, _, err := a.Fetch(100, 100, 10); err == nil {
		t.Error("expected error for empty range")
	}
	if _, _, err := a.Fetch(200, 100, 10); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	a := New(10, 40)
	for i := 0; i < 20; i++ {
		mustAppend(t, a, int64(5+i*10), float64(i)*1.5)
	}

	decoded, err := decode(encode(a))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.baseStep != a.baseStep || decoded.heartbeat != a.heartbeat {
		t.Errorf("header mismatch: %d/%d vs %d/%d",
			decoded.baseStep, decoded.heartbeat, a.baseStep, a.heartbeat)
	}
	if decoded.lastUpdate != a.lastUpdate {
		t.Errorf("lastUpdate=%d, want %d", decoded.lastUpdate, a.lastUpdate)
	}
	if len(decoded.rings) != len(a.rings) {
		t.Fatalf("ring count=%d, want %d", len(decoded.rings), len(a.rings))
	}
	for i := range a.rings {
		want, got := a.rings[i], decoded.rings[i]
		if got.factor != want.factor || got.head != want.head || got.filled != want.filled ||
			got.lastEnd != want.lastEnd || got.cdpKnown != want.cdpKnown {
			t.Errorf("ring %d state mismatch", i)
		}
		for j := range want.slots {
			wv, gv := want.slots[j], got.slots[j]
			if math.IsNaN(wv) != math.IsNaN(gv) || (!math.IsNaN(wv) && wv != gv) {
				t.Errorf("ring %d slot %d: got %v, want %v", i, j, gv, wv)
			}
		}
	}
}

func TestCodec_RejectsCorruption(t *testing.T) {
	a := New(10, 40)
	mustAppend(t, a, 5, 1)
	data := encode(a)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated", func(b []byte) []byte { return b[:10] }},
		{"bad magic", func(b []byte) []byte { b[0] ^= 0xff; return b }},
		{"flipped body byte", func(b []byte) []byte { b[headerSize+3] ^= 0xff; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte(nil), data...))
			if _, err := decode(mutated); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

// A checksum-valid file can still carry out-of-range ring cursors;
// decode must reject them instead of letting a later push index past
// the slot array.
func TestCodec_RejectsOutOfRangeRingCursor(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Archive)
	}{
		{"head past slots", func(a *Archive) { a.rings[0].head = len(a.rings[0].slots) }},
		{"filled past slots", func(a *Archive) { a.rings[0].filled = len(a.rings[0].slots) + 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(10, 40)
			mustAppend(t, a, 5, 1)
			tt.mutate(a)

			if _, err := decode(encode(a)); !errors.Is(err, errors.ErrArchiveCorrupt) {
				t.Errorf("err=%v, want ErrArchiveCorrupt", err)
			}
		})
	}
}

// ConstantFootprint: encoding size must not change as samples accumulate.
func TestCodec_ConstantFootprint(t *testing.T) {
	a := New(10, 100)
	mustAppend(t, a, 5, 1)
	size := len(encode(a))

	for i := 1; i < 700; i++ {
		mustAppend(t, a, int64(5+i*10), float64(i))
	}
	if got := len(encode(a)); got != size {
		t.Errorf("footprint grew from %d to %d bytes", size, got)
	}
}

func mustAppend(t *testing.T, a *Archive, now int64, v float64) {
	t.Helper()
	if err := a.Append(now, v); err != nil {
		t.Fatalf("append(%d, %v): %v", now, v, err)
	}
}
