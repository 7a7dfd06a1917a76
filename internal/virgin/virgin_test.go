package virgin_test

import (
	"testing"

	"github.com/SonicStark/IgorFuzz/internal/bitmap"
	"github.com/SonicStark/IgorFuzz/internal/virgin"
)

func allFF(n int) []byte {
	m := make([]byte, n)
	for i := range m {
		m[i] = 0xFF
	}

	return m
}

func TestHasNewBits_NewTuple(t *testing.T) {
	e := virgin.NewEngine(8)

	trace := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	got := e.HasNewBits(virgin.MapCoverage, trace)
	if got != virgin.ClassNewTuple {
		t.Fatalf("HasNewBits = %d, want ClassNewTuple", got)
	}

	want := []byte{0xFF, 0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if string(e.VirginBits()) != string(want) {
		t.Fatalf("virgin = % x, want % x", e.VirginBits(), want)
	}

	if !e.Dirty() {
		t.Fatal("expected Dirty() after a new tuple")
	}
}

func TestHasNewBits_HitCountChange(t *testing.T) {
	e := virgin.NewEngine(8)

	e.HasNewBits(virgin.MapCoverage, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	e.ClearDirty()

	trace := []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	got := e.HasNewBits(virgin.MapCoverage, trace)
	if got != virgin.ClassHitCount {
		t.Fatalf("HasNewBits = %d, want ClassHitCount", got)
	}

	want := []byte{0xFF, 0xFC, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if string(e.VirginBits()) != string(want) {
		t.Fatalf("virgin = % x, want % x", e.VirginBits(), want)
	}
}

func TestHasNewBits_NoNovelty(t *testing.T) {
	e := virgin.NewEngine(8)

	e.HasNewBits(virgin.MapCoverage, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	e.ClearDirty()

	// Same trace again: every bit has already been cleared from virgin, so
	// masked is always 0.
	got := e.HasNewBits(virgin.MapCoverage, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	if got != virgin.ClassNone {
		t.Fatalf("HasNewBits = %d, want ClassNone", got)
	}

	if e.Dirty() {
		t.Fatal("expected no Dirty() on a repeat observation")
	}
}

func TestHasFewBits_DelegatesWithoutMatrix(t *testing.T) {
	e := virgin.NewEngine(8)

	got := e.HasFewBits(virgin.MapCoverage, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, 1)
	if !got.Delegated {
		t.Fatal("expected Delegated=true with no matrix baseline")
	}

	if got.Class != virgin.ClassNewTuple {
		t.Fatalf("delegated Class = %d, want ClassNewTuple", got.Class)
	}

	if got.Tag() != byte(virgin.ClassNewTuple) {
		t.Fatalf("Tag() = %#x, want %#x", got.Tag(), byte(virgin.ClassNewTuple))
	}
}

// TestHasFewBits_DecreaseSignals reproduces a worked coverage-decrease
// example, with one deliberate correction: see the "Worked-example
// discrepancy" entry in DESIGN.md. The source prose this was drawn from
// asserts hcn=0 (tag 0x16) via a claim that current&virgin is zero
// everywhere; for byte index 2 in this exact input (virgin=0xFC,
// trace=0x04) that AND is 0x04, not zero, so the hit-count-decrease
// condition fires. This test asserts the value the implemented algorithm
// actually computes.
func TestHasFewBits_DecreaseSignals(t *testing.T) {
	e := virgin.NewEngine(8)

	// Drive the virgin map to [FF FC FC FF FF FF FF FF] via two ordinary
	// observations, exactly as a real session would arrive at it.
	e.HasNewBits(virgin.MapCoverage, []byte{0x00, 0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00})
	e.HasNewBits(virgin.MapCoverage, []byte{0x00, 0x02, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00})

	want := []byte{0xFF, 0xFC, 0xFC, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if string(e.VirginBits()) != string(want) {
		t.Fatalf("setup virgin = % x, want % x", e.VirginBits(), want)
	}

	e.SetMatrixBaseline(3, 10)
	e.ClearDirty()

	trace := []byte{0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}

	got := e.HasFewBits(virgin.MapCoverage, trace, 7)

	if got.Delegated {
		t.Fatal("expected non-delegated result once a matrix baseline is set")
	}

	if !got.BitmapSizeDecrease {
		t.Error("expected BitmapSizeDecrease (1 covered byte < min_bitmap_size 3)")
	}

	if !got.CoverageDecrease {
		t.Error("expected CoverageDecrease (byte 1 dropped to zero)")
	}

	if !got.HitCountDecrease {
		t.Error("expected HitCountDecrease (byte 2 still-covered AND actual_counts 7 < min 10)")
	}

	if got.Tag() != 0x17 {
		t.Fatalf("Tag() = %#x, want %#x", got.Tag(), byte(0x17))
	}

	if !got.Interesting() {
		t.Fatal("expected Interesting() to be true")
	}

	if !e.Dirty() {
		t.Fatal("expected Dirty() after a coverage decrease")
	}

	wantVirgin := []byte{0xFF, 0xFF, 0xFC, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if string(e.VirginBits()) != string(wantVirgin) {
		t.Fatalf("virgin after HasFewBits = % x, want % x", e.VirginBits(), wantVirgin)
	}
}

func TestHasFewBits_NotInteresting(t *testing.T) {
	e := virgin.NewEngine(4)
	e.SetMatrixBaseline(4, 100)

	got := e.HasFewBits(virgin.MapCoverage, []byte{1, 1, 1, 1}, 100)
	if got.Interesting() {
		t.Fatal("expected a trace at the minima on every axis, with an all-virgin map, to not be interesting")
	}
}

func TestObserve_MinimaAreMonotone(t *testing.T) {
	e := virgin.NewEngine(16)

	e.Observe(make([]byte, 16), 50)
	if e.MinActualCnts() != 50 {
		t.Fatalf("MinActualCnts = %d, want 50", e.MinActualCnts())
	}

	e.Observe(make([]byte, 16), 80)
	if e.MinActualCnts() != 50 {
		t.Fatalf("MinActualCnts regressed to %d after a larger observation", e.MinActualCnts())
	}

	e.Observe(make([]byte, 16), 10)
	if e.MinActualCnts() != 10 {
		t.Fatalf("MinActualCnts = %d, want 10", e.MinActualCnts())
	}
}

func TestHasNewBits_VirginMapInverseInvariant(t *testing.T) {
	e := virgin.NewEngine(32)

	trace := make([]byte, 32)
	for i := range trace {
		trace[i] = byte(i % 5)
	}

	bitmap.ClassifyCounts(trace)
	e.HasNewBits(virgin.MapCoverage, trace)

	virginMap := e.VirginBits()
	for i, cur := range trace {
		if cur == 0 {
			continue
		}

		if virginMap[i] != 0xFF && virginMap[i]&cur != 0 {
			t.Fatalf("invariant violated at %d: virgin=%#x current=%#x", i, virginMap[i], cur)
		}
	}
}

// FuzzHasFewBits checks that HasFewBits never panics and that Tag() stays
// within the documented 0x10-0x17 range once a matrix baseline is present,
// across arbitrary trace bytes and minima.
func FuzzHasFewBits(f *testing.F) {
	f.Add([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, uint64(7))
	f.Add([]byte{0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}, uint64(0))
	f.Add(allFF(8), uint64(^uint64(0)))
	f.Add(make([]byte, 8), uint64(0))

	f.Fuzz(func(t *testing.T, trace []byte, actualCnts uint64) {
		if len(trace) == 0 || len(trace) > 1<<16 {
			t.Skip()
		}

		e := virgin.NewEngine(len(trace))
		e.SetMatrixBaseline(len(trace), ^uint64(0)/2)

		got := e.HasFewBits(virgin.MapCoverage, trace, actualCnts)

		if got.Delegated {
			t.Fatal("should never delegate once a matrix baseline is set")
		}

		if tag := got.Tag(); tag < 0x10 || tag > 0x17 {
			t.Fatalf("Tag() = %#x out of range", tag)
		}
	})
}

func TestLoadVirginBits_RejectsWrongSize(t *testing.T) {
	e := virgin.NewEngine(8)

	if err := e.LoadVirginBits(make([]byte, 4)); err == nil {
		t.Fatal("expected an error for a mismatched bitmap length")
	}
}

func TestLoadVirginBits_ReplacesCoverageMap(t *testing.T) {
	e := virgin.NewEngine(4)

	loaded := []byte{0xFF, 0xFE, 0x00, 0xFF}
	if err := e.LoadVirginBits(loaded); err != nil {
		t.Fatalf("LoadVirginBits: %v", err)
	}

	if string(e.VirginBits()) != string(loaded) {
		t.Fatalf("VirginBits() = %x, want %x", e.VirginBits(), loaded)
	}

	// A tuple the loaded map already marks covered is no longer novel.
	got := e.HasNewBits(virgin.MapCoverage, []byte{0x00, 0x01, 0x00, 0x00})
	if got != virgin.ClassNone {
		t.Fatalf("HasNewBits = %d, want ClassNone after loading prior coverage", got)
	}
}
