// Package triage implements the interestingness dispatcher:
// save_if_interesting combines the virgin-map classifier, the crash-site
// identifier, and persistence into the single restartable decision of
// whether a mutated input is worth keeping.
package triage

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"

	"github.com/SonicStark/IgorFuzz/internal/bitmap"
	"github.com/SonicStark/IgorFuzz/internal/callstack"
	"github.com/SonicStark/IgorFuzz/internal/config"
	"github.com/SonicStark/IgorFuzz/internal/crashsite"
	"github.com/SonicStark/IgorFuzz/internal/describe"
	"github.com/SonicStark/IgorFuzz/internal/fsx"
	"github.com/SonicStark/IgorFuzz/internal/persist"
	"github.com/SonicStark/IgorFuzz/internal/queuemodel"
	"github.com/SonicStark/IgorFuzz/internal/symbolize"
	"github.com/SonicStark/IgorFuzz/internal/virgin"
)

// Fault is the executor's report of how one execution ended.
type Fault int

const (
	FaultNone Fault = iota
	FaultTimeout
	FaultCrash
	FaultError
)

// maxDescriptionLen bounds describe.Op's output; the exact budget is left
// unspecified upstream, so this implementation picks a generous, constant
// value rather than wiring it to config.
const maxDescriptionLen = 200

// nFuzzBuckets sizes the saturated frequency-based scheduling counter
// table, hashed into by the whole-bitmap checksum.
const nFuzzBuckets = 1 << 16

// Executor replays input under a specific per-execution timeout, used only
// for the timeout-path re-execution at the generous hang timeout; the
// initial execution that produces the (trace, fault) passed into Dispatch
// is the caller's concern.
type Executor interface {
	Execute(ctx context.Context, input []byte, timeoutMS int) (trace []byte, fault Fault, err error)
}

// Calibrator runs calibrate_case against a freshly admitted input. An error
// here is Fatal per the error taxonomy.
type Calibrator interface {
	Calibrate(ctx context.Context, input []byte) error
}

// Cache stores admitted input bytes for later re-use, when caching is
// configured. Optional: a nil Cache on State disables this step entirely.
type Cache interface {
	Put(fname string, data []byte)
}

// State owns everything save_if_interesting needs across the session: the
// virgin engine, collaborators, and the small set of counters it mutates.
// Packaging this as an explicit struct rather than process globals is the
// reimplementation choice the design notes call for.
type State struct {
	cfg config.Config

	engine *virgin.Engine
	sym    symbolize.Symbolizer
	fs     fsx.FS

	exec       Executor
	calibrator Calibrator
	cache      Cache

	callstackPath string

	referenceSite    crashsite.Site
	hasReferenceSite bool

	queueDir    string
	hangsDir    string
	crashesPath string

	queueSeq uint32
	hangSeq  uint32

	totalCrashes  uint64
	totalTimeouts uint64
	uniqueHangs   uint64
	uniqueCrashes uint64

	// maxUniqueHangs caps unique-hang admission; zero means unbounded.
	maxUniqueHangs uint64

	frequencyBased bool
	nFuzz          []uint32
}

// New builds a dispatcher State for one fuzzing session.
func New(cfg config.Config, engine *virgin.Engine, sym symbolize.Symbolizer, fs fsx.FS, exec Executor, calibrator Calibrator, callstackPath string) *State {
	return &State{
		cfg:           cfg,
		engine:        engine,
		sym:           sym,
		fs:            fs,
		exec:          exec,
		calibrator:    calibrator,
		callstackPath: callstackPath,
		queueDir:      filepath.Join(cfg.OutDir, "queue"),
		hangsDir:      filepath.Join(cfg.OutDir, "hangs"),
		crashesPath:   filepath.Join(cfg.OutDir, "crashes", "README.txt"),
	}
}

// SetCache enables input-byte caching for admitted entries.
func (s *State) SetCache(c Cache) { s.cache = c }

// SetMaxUniqueHangs bounds unique-hang admission; zero means unbounded.
func (s *State) SetMaxUniqueHangs(n uint64) { s.maxUniqueHangs = n }

// SetFrequencyBased enables the n_fuzz hash-bucket counters consulted by
// frequency-based scheduling.
func (s *State) SetFrequencyBased(on bool) {
	s.frequencyBased = on
	if on && s.nFuzz == nil {
		s.nFuzz = make([]uint32, nFuzzBuckets)
	}
}

// Counters returns the session's running crash/timeout/unique tallies.
func (s *State) Counters() (totalCrashes, totalTimeouts, uniqueHangs, uniqueCrashes uint64) {
	return s.totalCrashes, s.totalTimeouts, s.uniqueHangs, s.uniqueCrashes
}

func sumCounts(trace []byte) uint64 {
	var sum uint64
	for _, b := range trace {
		sum += uint64(b)
	}

	return sum
}

func checksum(trace []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(trace)

	return h.Sum64()
}

func (s *State) bumpNFuzz(hash uint64) uint32 {
	idx := hash % uint64(len(s.nFuzz))
	if s.nFuzz[idx] < math.MaxUint32 {
		s.nFuzz[idx]++
	}

	return s.nFuzz[idx]
}

// fewBits computes the interestingness verdict for kind, honoring
// crash-mode tier 0's "classic AFL handling" override: tier 0 always uses
// plain has_new_bits semantics regardless of whether a testcase matrix has
// been loaded, whereas tiers 1-3 use the engine's own matrix-aware
// delegation.
func (s *State) fewBits(kind virgin.MapKind, trace []byte, actualCnts uint64) virgin.FewBits {
	if s.cfg.CrashMode == config.CrashModeClassic {
		return virgin.FewBits{Delegated: true, Class: s.engine.HasNewBits(kind, trace)}
	}

	return s.engine.HasFewBits(kind, trace, actualCnts)
}

// identifyCrashSite parses the call-stack dump the target just wrote and
// resolves it to a crash site. flush truncates the dump file afterward so
// the next crash doesn't write into (or get shadowed by) a stale one; it
// must only be set on a call's last read of the dump for a given crash.
func (s *State) identifyCrashSite(ctx context.Context, flush bool) crashsite.Site {
	frames, _ := callstack.ParseFile(s.callstackPath, flush)

	return crashsite.Identify(ctx, frames, s.cfg.ExactModule, s.sym)
}

// Dispatch is save_if_interesting: given one execution's (already-observed)
// trace and fault, decide whether input is worth keeping, persisting it and
// any crash detail as a side effect. The bool return mirrors the original's
// true/false "keep it"/"not interesting"; a non-nil error is always Fatal
// (wrapped in *FatalError) — every Benign and Recoverable outcome resolves
// to a bool return inside this call, never an error.
func (s *State) Dispatch(ctx context.Context, input, trace []byte, fault Fault, desc describe.Input) (bool, error) {
	if len(input) == 0 {
		return false, nil
	}

	if fault == FaultTimeout && s.cfg.IgnoreTimeouts {
		return false, nil
	}

	classified := false

	var (
		hash     uint64
		haveHash bool
	)

	if s.frequencyBased {
		bitmap.ClassifyCounts(trace)

		classified = true
		hash = checksum(trace)
		haveHash = true
		s.bumpNFuzz(hash)
	}

	for {
		switch fault {
		case FaultTimeout:
			keep, next, err := s.dispatchTimeout(ctx, input, trace, desc, &classified)
			if err != nil || next == nil {
				return keep, err
			}

			fault = *next

			continue

		case FaultCrash:
			return s.dispatchCrash(ctx, input, trace, desc, &classified, hash, haveHash)

		case FaultError:
			return false, fatal(ErrTargetFault)

		default:
			return false, nil
		}
	}
}

// dispatchTimeout handles the Timeout branch. A non-nil returned *Fault
// means "restart the dispatch switch with this fault" (the Recoverable
// outcome where re-execution at the hang timeout produced a crash; a
// repeated timeout is kept as a hang without a restart).
func (s *State) dispatchTimeout(ctx context.Context, input, trace []byte, desc describe.Input, classified *bool) (bool, *Fault, error) { //nolint:cyclop
	s.totalTimeouts++

	if s.maxUniqueHangs > 0 && s.uniqueHangs >= s.maxUniqueHangs {
		return false, nil, nil
	}

	if !*classified {
		bitmap.ClassifyCounts(trace)
		*classified = true
	}

	bitmap.SimplifyTrace(trace)

	actualCnts := sumCounts(trace)

	few := s.fewBits(virgin.MapTimeout, trace, actualCnts)
	s.engine.Observe(trace, actualCnts)

	if !few.Interesting() {
		return false, nil, nil
	}

	if s.cfg.HangTimeout > 0 {
		retrace, refault, err := s.exec.Execute(ctx, input, s.cfg.HangTimeout)
		if err != nil {
			return false, nil, fatal(fmt.Errorf("triage: hang re-execution: %w", err))
		}

		switch refault {
		case FaultCrash:
			copy(trace, retrace)
			*classified = false
			next := FaultCrash

			return false, &next, nil
		case FaultTimeout:
			copy(trace, retrace)
			*classified = false
		default:
			// Didn't reproduce as a timeout on the second pass: not a
			// unique hang after all.
			return false, nil, nil
		}
	}

	name, err := describe.Op(desc, few.Tag(), true, maxDescriptionLen)
	if err != nil {
		return false, nil, fatal(err)
	}

	path := filepath.Join(s.hangsDir, fmt.Sprintf("id:%06d,%s", s.hangSeq, name))
	if err := persist.WriteExclusive(s.fs, path, input); err != nil {
		return false, nil, fatal(err)
	}

	s.hangSeq++
	s.uniqueHangs++

	return true, nil, nil
}

func (s *State) dispatchCrash(ctx context.Context, input, trace []byte, desc describe.Input, classified *bool, hash uint64, haveHash bool) (bool, error) {
	s.totalCrashes++

	var preSite crashsite.Site

	if s.cfg.CrashMode == config.CrashModeStrict {
		preSite = s.identifyCrashSite(ctx, false)

		if !s.hasReferenceSite {
			s.referenceSite = preSite
			s.hasReferenceSite = true
		} else if !crashsite.Equal(preSite, s.referenceSite) {
			return false, nil
		}
	}

	if !*classified {
		bitmap.ClassifyCounts(trace)
		*classified = true
	}

	actualCnts := sumCounts(trace)

	few := s.fewBits(virgin.MapCoverage, trace, actualCnts)
	s.engine.Observe(trace, actualCnts)

	if !few.Interesting() {
		return false, nil
	}

	name, err := describe.Op(desc, few.Tag(), false, maxDescriptionLen)
	if err != nil {
		return false, fatal(err)
	}

	fname := fmt.Sprintf("id:%06d,%s", s.queueSeq, name)
	path := filepath.Join(s.queueDir, fname)

	if err := persist.WriteExclusive(s.fs, path, input); err != nil {
		return false, fatal(err)
	}

	s.queueSeq++

	entry := &queuemodel.Entry{
		FName:      fname,
		BitmapSize: uint32(bitmap.CountBytes(trace)), //nolint:gosec
		ExecCksum:  checksum(trace),
	}

	if few.Tag()&0x02 != 0 {
		entry.HasNewCov = true
		s.uniqueCrashes++
	}

	if haveHash {
		entry.NFuzzEntry = s.nFuzz[hash%uint64(len(s.nFuzz))]
	}

	if err := s.calibrator.Calibrate(ctx, input); err != nil {
		return false, fatal(fmt.Errorf("%w: %w", ErrCalibration, err))
	}

	if s.cache != nil {
		s.cache.Put(entry.FName, input)
	}

	switch s.cfg.CrashMode {
	case config.CrashModeStrict:
		postSite := s.identifyCrashSite(ctx, true)
		if !crashsite.Equal(postSite, preSite) {
			s.appendCrashDetail(entry, postSite, actualCnts, true)
		}
	case config.CrashModeAddr:
		s.appendCrashDetail(entry, s.identifyCrashSite(ctx, true), actualCnts, false)
	case config.CrashModeFunc:
		s.appendCrashDetail(entry, s.identifyCrashSite(ctx, true), actualCnts, true)
	case config.CrashModeClassic:
		// No crash detail in classic mode.
	}

	return true, nil
}

func (s *State) appendCrashDetail(entry *queuemodel.Entry, site crashsite.Site, hits uint64, includeFunction bool) {
	detail := persist.CrashDetail{
		FileName:        entry.FName,
		BitmapSize:      int(entry.BitmapSize),
		Hits:            hits,
		Site:            site,
		IncludeFunction: includeFunction,
	}

	// A failure to open the README for append is Impolite-silent: the
	// crash was already admitted to the queue, so the commit point has
	// already passed.
	_ = persist.AppendCrashLine(s.fs, s.crashesPath, detail)
}

// DumpBitmapIfDirty persists the coverage virgin map when it has changed
// since the last dump, clearing the dirty flag on success.
func (s *State) DumpBitmapIfDirty() error {
	if !s.engine.Dirty() {
		return nil
	}

	path := filepath.Join(s.cfg.OutDir, "fuzz_bitmap")
	if err := persist.DumpBitmap(s.fs, path, s.engine.VirginBits()); err != nil {
		return fmt.Errorf("dump bitmap: %w", err)
	}

	s.engine.ClearDirty()

	return nil
}
