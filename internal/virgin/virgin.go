// Package virgin implements the virgin-map update and interestingness
// classifier: has_new_bits (the conventional AFL-style "anything new"
// check) and has_few_bits (the IgorFuzz coverage-decrease detector), plus
// the running minima the decrease detector measures against.
//
// An Engine owns exactly the state described in the data model: three
// virgin maps (coverage, hang, crash) and the two monotone minima. It is
// not safe for concurrent use — the core runs single-threaded, observing
// one execution's trace at a time after the executor has reaped the child.
package virgin

import (
	"fmt"

	"github.com/SonicStark/IgorFuzz/internal/bitmap"
)

// Class is the return value of HasNewBits: how novel the observed trace was.
type Class uint8

// Class values mirror the original has_new_bits return codes.
const (
	ClassNone     Class = 0 // no novelty
	ClassHitCount Class = 1 // a known tuple's hit count changed
	ClassNewTuple Class = 2 // a previously untouched tuple fired
)

// FewBits packs the has_few_bits decrease signals. Values below 0x10 mean
// "not applicable, treat the embedded Class as the has_new_bits result"
// (used when no testcase matrix is present yet).
type FewBits struct {
	// Delegated is set when no testcase matrix exists yet and the engine
	// fell back to plain has_new_bits semantics; Class carries that result.
	Delegated bool
	Class     Class

	// BitmapSizeDecrease, CoverageDecrease, and HitCountDecrease are the
	// three independent decrease signals (bms, cov, hcn).
	BitmapSizeDecrease bool
	CoverageDecrease   bool
	HitCountDecrease   bool
}

// Interesting reports whether any axis decreased (or, in delegated mode,
// whether has_new_bits found anything).
func (f FewBits) Interesting() bool {
	if f.Delegated {
		return f.Class != ClassNone
	}

	return f.BitmapSizeDecrease || f.CoverageDecrease || f.HitCountDecrease
}

// Tag returns the packed byte the original C code returns from
// has_few_bits: 0x10 | bms<<2 | cov<<1 | hcn when not delegated, or the
// plain Class value (0, 1, or 2) when delegated. describe.Op consumes this
// directly to stay byte-compatible with the documented tag table.
func (f FewBits) Tag() byte {
	if f.Delegated {
		return byte(f.Class)
	}

	tag := byte(0x10)

	if f.BitmapSizeDecrease {
		tag |= 0x04
	}

	if f.CoverageDecrease {
		tag |= 0x02
	}

	if f.HitCountDecrease {
		tag |= 0x01
	}

	return tag
}

// MapSize is the fixed trace bitmap length. Must be a power of two.
type MapSize int

// Engine owns the virgin maps and running minima for one fuzzing session.
type Engine struct {
	mapSize int

	virginBits  []byte
	virginTmout []byte
	virginCrash []byte

	// hasMatrix is true once a testcase matrix baseline has been loaded;
	// until then HasFewBits delegates to HasNewBits.
	hasMatrix bool

	minBitmapSize int
	minActualCnts uint64

	// dirty mirrors afl->bitmap_changed: set whenever virginBits was
	// mutated by a call that found novelty, cleared by the caller after
	// persisting the dump.
	dirty bool
}

// NewEngine creates an Engine for a trace bitmap of the given size. All
// three virgin maps start fully virgin (every byte 0xFF), matching the
// invariant "virgin[i] == 0xFF ∨ (virgin[i] & current[i]) == 0" trivially
// at t=0.
func NewEngine(mapSize int) *Engine {
	e := &Engine{
		mapSize:       mapSize,
		virginBits:    newVirginMap(mapSize),
		virginTmout:   newVirginMap(mapSize),
		virginCrash:   newVirginMap(mapSize),
		minBitmapSize: mapSize + 1,
		minActualCnts: ^uint64(0),
	}

	return e
}

func newVirginMap(size int) []byte {
	m := make([]byte, size)
	for i := range m {
		m[i] = 0xFF
	}

	return m
}

// SetMatrixBaseline marks a testcase matrix baseline as present and seeds
// the running minima from it: the minima must have a starting point before
// HasFewBits can compare against them meaningfully.
func (e *Engine) SetMatrixBaseline(bitmapSize int, actualCnts uint64) {
	e.hasMatrix = true
	e.minBitmapSize = bitmapSize
	e.minActualCnts = actualCnts
}

// HasMatrix reports whether a testcase matrix baseline has been set.
func (e *Engine) HasMatrix() bool { return e.hasMatrix }

// Dirty reports whether virginBits has unpersisted changes.
func (e *Engine) Dirty() bool { return e.dirty }

// ClearDirty resets the dirty flag after the caller has persisted the dump.
func (e *Engine) ClearDirty() { e.dirty = false }

// VirginBits returns the coverage virgin map for dumping to fuzz_bitmap.
// The returned slice is owned by the Engine; callers must not retain it
// past the next mutating call.
func (e *Engine) VirginBits() []byte { return e.virginBits }

// LoadVirginBits replaces the coverage virgin map with a previously
// dumped fuzz_bitmap, so a CLI invocation can resume classification
// against the coverage state an earlier invocation left behind instead of
// starting every byte fully virgin again.
func (e *Engine) LoadVirginBits(data []byte) error {
	if len(data) != e.mapSize {
		return fmt.Errorf("virgin: loaded bitmap is %d bytes, want %d", len(data), e.mapSize)
	}

	copy(e.virginBits, data)

	return nil
}

// MinBitmapSize returns the smallest covered-byte count seen so far.
func (e *Engine) MinBitmapSize() int { return e.minBitmapSize }

// MinActualCnts returns the smallest total hit-count sum seen so far.
func (e *Engine) MinActualCnts() uint64 { return e.minActualCnts }

// Observe updates the running minima from a freshly classified trace,
// independent of queue admission. This implements the decoupled-update
// resolution of the "when do minima update" Open Question: every
// execution, not only ones that end up admitted to the queue.
func (e *Engine) Observe(trace []byte, actualCnts uint64) {
	size := bitmap.CountBytes(trace)
	if size < e.minBitmapSize {
		e.minBitmapSize = size
	}

	if actualCnts < e.minActualCnts {
		e.minActualCnts = actualCnts
	}
}

// which selects one of the three owned virgin maps by identity, so callers
// pass virginBits/virginTmout/virginCrash (via accessor methods) without
// the engine exposing raw map swapping.
func (e *Engine) which(kind MapKind) []byte {
	switch kind {
	case MapCoverage:
		return e.virginBits
	case MapTimeout:
		return e.virginTmout
	case MapCrash:
		return e.virginCrash
	default:
		panic("virgin: unknown map kind")
	}
}

// MapKind selects which of the three virgin maps an operation targets.
type MapKind uint8

// MapKind values name the three virgin maps held by the engine.
const (
	MapCoverage MapKind = iota
	MapTimeout
	MapCrash
)

// HasNewBits scans current against the named virgin map, updating the
// virgin map in place so that subsequent calls never re-report the same
// novelty. Returns the maximum novelty class observed across the scan.
//
// Word-sized strides are elided here in favor of straight byte comparison:
// a word-at-a-time skip-if-zero optimization exists purely for C-level
// memory bandwidth; Go's bounds-checked byte loop over a BCE-friendly
// slice is the idiomatic equivalent of the byte-oriented I/O loops used
// elsewhere in this codebase, favored over manual word-packing.
func (e *Engine) HasNewBits(kind MapKind, current []byte) Class {
	virgin := e.which(kind)

	ret := ClassNone

	for i, cur := range current {
		if cur == 0 {
			continue
		}

		v := virgin[i]

		masked := cur & v
		if masked == 0 {
			continue
		}

		if v == 0xFF {
			ret = ClassNewTuple
		} else if ret != ClassNewTuple {
			ret = ClassHitCount
		}

		virgin[i] = v &^ cur
	}

	if ret != ClassNone && kind == MapCoverage {
		e.dirty = true
	}

	return ret
}

// HasFewBits is the signature novelty of this system: it detects
// coverage-*decrease* against a testcase-matrix baseline, while
// HasNewBits-like bookkeeping still happens on the side (resetting a
// dropped byte back to virgin so it can be rediscovered).
//
// If no testcase matrix baseline has been set yet, it delegates to
// HasNewBits and reports Delegated=true.
func (e *Engine) HasFewBits(kind MapKind, current []byte, actualCnts uint64) FewBits {
	if !e.hasMatrix {
		return FewBits{Delegated: true, Class: e.HasNewBits(kind, current)}
	}

	virgin := e.which(kind)

	result := FewBits{}

	curBitmapSize := bitmap.CountBytes(current)
	if curBitmapSize < e.minBitmapSize {
		result.BitmapSizeDecrease = true
	}

	for i, cur := range current {
		v := virgin[i]
		if v == 0xFF {
			// No prior coverage at this byte: nothing to lose.
			continue
		}

		if cur&v != 0 && actualCnts < e.minActualCnts {
			result.HitCountDecrease = true
		}

		if cur == 0 {
			// A previously-covered edge is no longer hit: reset it to
			// virgin so a future execution can rediscover the drop.
			virgin[i] = 0xFF
			result.CoverageDecrease = true
		}
	}

	if result.CoverageDecrease && kind == MapCoverage {
		e.dirty = true
	}

	return result
}
