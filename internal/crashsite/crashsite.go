// Package crashsite identifies the canonical crash site from a parsed call
// stack: the innermost frame not excluded by the module/function blacklist,
// symbolized via an external Symbolizer.
package crashsite

import (
	"context"
	"strings"

	"github.com/SonicStark/IgorFuzz/internal/callstack"
	"github.com/SonicStark/IgorFuzz/internal/symbolize"
)

// ModuleBlacklist and FunctionBlacklist are the process-wide, read-only
// substring tables from sym-blacklist.h. Matching is strstr-style: a frame
// is excluded if its module basename (or resolved function name) contains
// any of these as a substring.
var (
	ModuleBlacklist = []string{
		"libasan",
		"liblsan",
		"libubsan",
		"libclang_rt.",
	}

	FunctionBlacklist = []string{
		"__asan",
		"__lsan",
		"__sanitizer",
		"__interceptor",
		"__interception",
		"__ubsan",
		"__sancov",
		"__hwasan",
		"__dfsan",
		"__dfsw",
	}
)

// Site is the owned-value crash site triple: an optional symbol, an
// optional module path, and the offset inside it. Replaces the original's
// manual alloc/free dance across three `u8*` out-parameters with a value
// type the caller can compare and copy freely.
type Site struct {
	Symbol *string
	Module *string
	Offset uint64
}

// IsEmpty reports whether no crash site could be identified.
func (s Site) IsEmpty() bool { return s.Module == nil }

// Equal compares two sites by module and offset only, matching
// same_crash_site's comparison — the symbol is informational, not part of
// site identity.
func Equal(a, b Site) bool {
	if a.Offset != b.Offset {
		return false
	}

	if (a.Module == nil) != (b.Module == nil) {
		return false
	}

	return a.Module == nil || *a.Module == *b.Module
}

// moduleBasename returns the final path component, matching strrchr(path, '/').
func moduleBasename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}

	return path
}

func moduleBlocked(basename, exactModule string) bool {
	if exactModule != "" {
		return basename != exactModule
	}

	for _, entry := range ModuleBlacklist {
		if strings.Contains(basename, entry) {
			return true
		}
	}

	return false
}

func functionBlocked(fn string) bool {
	for _, entry := range FunctionBlacklist {
		if strings.Contains(fn, entry) {
			return true
		}
	}

	return false
}

// Identify walks frames innermost-first and returns the crash site per the
// documented rule: "the innermost frame such that it and every frame above
// it (i.e. every frame processed so far) are non-blacklisted".
//
// A blacklisted module, or a frame whose symbol is on the function
// blacklist, discards any candidate accumulated so far. If that
// discard actually dropped a real candidate, the stack is considered
// permanently poisoned for the rest of this parse: later clean frames can
// no longer set a new candidate, even though, taken alone, they're fine.
// Without this rule a leading sanitizer frame followed by a user frame
// followed by another sanitizer frame would resurrect the first user frame
// as the site, which is not "every frame above it is non-blacklisted" by
// any reading — only a poison-once-and-stay-poisoned rule satisfies both
// worked stack-dump examples this was checked against simultaneously (one
// where the very first frame is blacklisted and the next frame still
// becomes the site, one where a blacklisted frame follows a real
// candidate and nothing afterward can take its place).
func Identify(ctx context.Context, frames []callstack.Frame, exactModule string, sym symbolize.Symbolizer) Site {
	var (
		candidate Site
		poisoned  bool
	)

	for _, frame := range frames {
		basename := moduleBasename(frame.ModulePath)

		if moduleBlocked(basename, exactModule) {
			if !candidate.IsEmpty() {
				poisoned = true
			}

			candidate = Site{}

			continue
		}

		if poisoned {
			continue
		}

		resolved, ok, err := sym.Symbolize(ctx, frame.ModulePath, frame.Offset)
		if err != nil || !ok {
			// The symbolizer found nothing at all for this address (zero
			// symbols): the frame is still a non-blacklisted frame and can
			// be the site, just without a symbol.
			resolved = symbolize.Symbol{}
		}

		if resolved.Function != "" && functionBlocked(resolved.Function) {
			if !candidate.IsEmpty() {
				poisoned = true
			}

			candidate = Site{}

			continue
		}

		if !candidate.IsEmpty() {
			continue
		}

		modulePath := frame.ModulePath
		candidate = Site{Module: &modulePath, Offset: frame.Offset}

		if resolved.Function != "" {
			function := resolved.Function
			candidate.Symbol = &function
		}
	}

	return candidate
}
