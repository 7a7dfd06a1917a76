// Package persist writes the three on-disk artifacts the dispatcher
// produces: the atomic fuzz_bitmap dump, newly admitted queue/hang files,
// and the crashes/README.txt append log, all routed through
// internal/fsx.FS.
package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/SonicStark/IgorFuzz/internal/crashsite"
	"github.com/SonicStark/IgorFuzz/internal/fsx"
)

// ErrQueueCreate reports the fatal failure "inability to create a queue or
// hang file".
var ErrQueueCreate = errors.New("persist: could not create queue/hang file")

// CreateExclusive creates path for writing, failing if it already exists
// (O_EXCL), matching the queue/hang-file admission path. Any error is
// wrapped in ErrQueueCreate: per the error taxonomy this is always fatal,
// never retried.
func CreateExclusive(fs fsx.FS, path string) (fsx.File, error) {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrQueueCreate, path, err)
	}

	return f, nil
}

// WriteExclusive creates path exclusively and writes data to it in one
// step, for callers that don't need incremental writes (the common case
// for queue/hang admission).
func WriteExclusive(fs fsx.FS, path string, data []byte) error {
	f, err := CreateExclusive(fs, path)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()

		return fmt.Errorf("%w: writing %s: %w", ErrQueueCreate, path, err)
	}

	return f.Close()
}

// LoadBitmap reads a previously dumped fuzz_bitmap from path. A missing
// file is not an error: it reports ok=false so the caller leaves the
// engine's virgin map at its fully-virgin default.
func LoadBitmap(path string) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("read bitmap dump %q: %w", path, err)
	}

	return data, true, nil
}

const atomicWriteMaxAttempts = 10000

var atomicWriteCounter atomic.Uint64

// DumpBitmap atomically overwrites path with data (the coverage virgin
// map), via temp-file-write-fsync-rename-dir-fsync, so fuzz_bitmap is
// overwritten atomically whenever the dirty flag is set.
func DumpBitmap(fs fsx.FS, path string, data []byte) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmpFile, tmpPath, err := createTempFile(fs, dir, base)
	if err != nil {
		return err
	}

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = fs.Remove(tmpPath)

		return fmt.Errorf("write bitmap temp file %q: %w", tmpPath, err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = fs.Remove(tmpPath)

		return fmt.Errorf("sync bitmap temp file %q: %w", tmpPath, err)
	}

	if err := tmpFile.Close(); err != nil {
		_ = fs.Remove(tmpPath)

		return fmt.Errorf("close bitmap temp file %q: %w", tmpPath, err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		_ = fs.Remove(tmpPath)

		return fmt.Errorf("rename bitmap dump: %w", err)
	}

	return syncDir(fs, dir)
}

func createTempFile(fs fsx.FS, dir, base string) (fsx.File, string, error) {
	for range atomicWriteMaxAttempts {
		seq := atomicWriteCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create bitmap temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

// syncDir best-effort fsyncs the parent directory so the rename survives
// a crash. Unlike DumpBitmap's other steps, a directory-sync failure is
// reported but the rename itself already committed, so this error is
// informational rather than rolled back.
func syncDir(fs fsx.FS, dir string) error {
	f, err := fs.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open dir %q for sync: %w", dir, err)
	}

	defer func() { _ = f.Close() }()

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync dir %q: %w", dir, err)
	}

	return nil
}

// placeholderToken renders an absent @ADDR or @FUNC field: absent fields
// are rendered as a literal placeholder token rather than omitted.
const placeholderToken = "(none)"

// readmePreamble is written as the first line the first time README.txt
// is created.
const readmePreamble = "# IgorFuzz crash detail log — one line per kept crash\n"

// CrashDetail is one README.txt line's worth of information about a kept
// crash, gated by crash-mode tier by the caller (tier 1 omits Function,
// tier 0 never calls AppendCrashLine at all).
type CrashDetail struct {
	FileName   string
	BitmapSize int
	Hits       uint64
	Site       crashsite.Site
	// IncludeFunction controls whether @FUNC is rendered at all (tier 2+);
	// tier 1 renders @ADDR only.
	IncludeFunction bool
}

// AppendCrashLine appends one formatted line to the crashes README at
// path, creating it (with its preamble) on first write, in the
// "@FILE; @SIZE; @HITS; @ADDR; @FUNC;" format.
func AppendCrashLine(fs fsx.FS, path string, detail CrashDetail) error {
	_, statErr := fs.Stat(path)
	exists := statErr == nil

	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open crash readme for append: %w", err)
	}

	defer func() { _ = f.Close() }()

	var b strings.Builder

	if !exists {
		b.WriteString(readmePreamble)
	}

	fmt.Fprintf(&b, "@FILE:%s; @SIZE:0x%x; @HITS:0x%x; ", detail.FileName, detail.BitmapSize, detail.Hits)

	if detail.Site.IsEmpty() {
		fmt.Fprintf(&b, "@ADDR:%s; ", placeholderToken)
	} else {
		fmt.Fprintf(&b, "@ADDR:%s+0x%s; ", *detail.Site.Module, strconv.FormatUint(detail.Site.Offset, 16))
	}

	if detail.IncludeFunction {
		if detail.Site.Symbol == nil {
			fmt.Fprintf(&b, "@FUNC:%s;\n", placeholderToken)
		} else {
			fmt.Fprintf(&b, "@FUNC:%s;\n", *detail.Site.Symbol)
		}
	} else {
		b.WriteString("\n")
	}

	if _, err := f.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("append crash readme: %w", err)
	}

	return nil
}
