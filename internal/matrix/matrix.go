// Package matrix loads the optional testcase matrix: an externally
// maintained directory of reference inputs whose aggregate classified
// coverage seeds the running minima that virgin.Engine.HasFewBits measures
// decreases against. Results are cached on disk next to the matrix
// directory and invalidated by directory mtime, the way
// internal/ticket/cache.go invalidates its binary ticket cache against the
// ticket directory's mtime.
package matrix

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/SonicStark/IgorFuzz/internal/bitmap"
)

// Executor replays one reference input and returns its trace bitmap. The
// real implementation drives the same forkserver-managed target the live
// fuzzing loop uses; tests supply a fake.
type Executor interface {
	Execute(ctx context.Context, input []byte) (trace []byte, err error)
}

// Matrix is the aggregate baseline computed from a testcase-matrix
// directory, or the absent zero value when no matrix was configured.
type Matrix struct {
	present    bool
	bitmapSize int
	actualCnts uint64
}

// Present reports whether a testcase matrix baseline was loaded. When
// false, callers must leave the virgin engine in its pre-SetMatrixBaseline
// state so HasFewBits delegates to HasNewBits.
func (m Matrix) Present() bool { return m.present }

// BitmapSize is the covered-byte count of the aggregate baseline bitmap.
func (m Matrix) BitmapSize() int { return m.bitmapSize }

// ActualCnts is the total classified hit-count sum of the aggregate
// baseline bitmap.
func (m Matrix) ActualCnts() uint64 { return m.actualCnts }

const cacheFileName = ".matrix-cache"

// Load builds or loads the cached aggregate baseline for the reference
// inputs in dir. An empty dir means "no matrix configured": the returned
// Matrix reports Present()==false and Load never touches the filesystem.
func Load(ctx context.Context, dir string, mapSize int, exec Executor) (Matrix, error) {
	if dir == "" {
		return Matrix{}, nil
	}

	dirInfo, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Matrix{}, nil
		}

		return Matrix{}, fmt.Errorf("stat matrix dir: %w", err)
	}

	cachePath := filepath.Join(filepath.Dir(filepath.Clean(dir)), cacheFileName)

	if m, ok, err := loadCache(cachePath, dirInfo, mapSize); err != nil {
		return Matrix{}, err
	} else if ok {
		return m, nil
	}

	m, err := rebuild(ctx, dir, mapSize, exec)
	if err != nil {
		return Matrix{}, err
	}

	if err := writeCache(cachePath, m); err != nil {
		return Matrix{}, err
	}

	return m, nil
}

// loadCache returns (Matrix, true, nil) on a usable cache hit, (_, false,
// nil) on a stale or missing cache, and (_, _, err) only for I/O errors
// other than "doesn't exist".
func loadCache(cachePath string, dirInfo os.FileInfo, mapSize int) (Matrix, bool, error) {
	cacheInfo, err := os.Stat(cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Matrix{}, false, nil
		}

		return Matrix{}, false, fmt.Errorf("stat matrix cache: %w", err)
	}

	if dirInfo.ModTime().After(cacheInfo.ModTime()) {
		return Matrix{}, false, nil
	}

	data, err := os.ReadFile(cachePath) //nolint:gosec
	if err != nil {
		return Matrix{}, false, fmt.Errorf("read matrix cache: %w", err)
	}

	if len(data) != 8+4 {
		return Matrix{}, false, nil
	}

	actualCnts := binary.LittleEndian.Uint64(data[:8])
	bitmapSize := int(binary.LittleEndian.Uint32(data[8:12]))

	if bitmapSize > mapSize {
		return Matrix{}, false, nil
	}

	return Matrix{present: true, bitmapSize: bitmapSize, actualCnts: actualCnts}, true, nil
}

func writeCache(cachePath string, m Matrix) error {
	buf := make([]byte, 8+4)
	binary.LittleEndian.PutUint64(buf[:8], m.actualCnts)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.bitmapSize)) //nolint:gosec

	if err := atomic.WriteFile(cachePath, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("write matrix cache: %w", err)
	}

	return nil
}

func rebuild(ctx context.Context, dir string, mapSize int, exec Executor) (Matrix, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Matrix{}, fmt.Errorf("reading matrix dir: %w", err)
	}

	aggregate := make([]byte, mapSize)

	var actualCnts uint64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		input, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return Matrix{}, fmt.Errorf("reading matrix input %q: %w", path, err)
		}

		trace, err := exec.Execute(ctx, input)
		if err != nil {
			return Matrix{}, fmt.Errorf("replaying matrix input %q: %w", path, err)
		}

		if len(trace) != mapSize {
			return Matrix{}, fmt.Errorf("matrix input %q produced a %d-byte trace, want %d", path, len(trace), mapSize)
		}

		bitmap.ClassifyCounts(trace)

		for i, b := range trace {
			if b == 0 {
				continue
			}

			if b > aggregate[i] {
				aggregate[i] = b
			}
		}
	}

	for _, b := range aggregate {
		actualCnts += uint64(b)
	}

	return Matrix{
		present:    true,
		bitmapSize: bitmap.CountBytes(aggregate),
		actualCnts: actualCnts,
	}, nil
}
