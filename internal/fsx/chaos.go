package fsx

import (
	"errors"
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"syscall"
)

// ChaosConfig controls fault injection probabilities, each a float64 in
// [0.0, 1.0]. The zero value disables all injection.
type ChaosConfig struct {
	OpenFailRate     float64
	WriteFailRate    float64
	PartialWriteRate float64
	SyncFailRate     float64
	CloseFailRate    float64
	MkdirAllFailRate float64
	RenameFailRate   float64
	RemoveFailRate   float64
	StatFailRate     float64
}

// chaosError marks an error as intentionally injected by Chaos.
type chaosError struct{ err error }

func (e *chaosError) Error() string { return "chaos: " + e.err.Error() }
func (e *chaosError) Unwrap() error { return e.err }

// IsChaosErr reports whether err was injected by Chaos.
func IsChaosErr(err error) bool {
	var injected *chaosError
	return errors.As(err, &injected)
}

// Chaos wraps an FS and injects random failures for testing the Fatal
// and Impolite-silent error paths (queue/hang file creation failures,
// README append failures, bitmap dump failures) without a real disk.
//
// Chaos never injects ENOENT — missing-path errors always come from the
// wrapped FS — so tests can still distinguish "doesn't exist" from
// "injected fault".
type Chaos struct {
	fs     FS
	rng    *rand.Rand
	rngMu  sync.Mutex
	config ChaosConfig
}

// NewChaos wraps underlying with fault injection seeded by seed.
func NewChaos(underlying FS, seed int64, config ChaosConfig) *Chaos {
	return &Chaos{
		fs:     underlying,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
		config: config,
	}
}

var _ FS = (*Chaos)(nil)

func (c *Chaos) should(rate float64) bool {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64() < rate
}

func pathErr(op, path string, errno syscall.Errno) error {
	return &chaosError{err: &fs.PathError{Op: op, Path: path, Err: errno}}
}

func linkErr(op, oldpath, newpath string, errno syscall.Errno) error {
	return &chaosError{err: &os.LinkError{Op: op, Old: oldpath, New: newpath, Err: errno}}
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if c.should(c.config.OpenFailRate) {
		return nil, pathErr("open", path, syscall.EIO)
	}

	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: f, chaos: c, path: path}, nil
}

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	if c.should(c.config.MkdirAllFailRate) {
		return pathErr("mkdirall", path, syscall.EIO)
	}

	return c.fs.MkdirAll(path, perm)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.should(c.config.RenameFailRate) {
		return linkErr("rename", oldpath, newpath, syscall.EIO)
	}

	return c.fs.Rename(oldpath, newpath)
}

func (c *Chaos) Remove(path string) error {
	if c.should(c.config.RemoveFailRate) {
		return pathErr("remove", path, syscall.EIO)
	}

	return c.fs.Remove(path)
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	if c.should(c.config.StatFailRate) {
		return nil, pathErr("stat", path, syscall.EIO)
	}

	return c.fs.Stat(path)
}

// chaosFile wraps a File and injects write/sync/close faults.
type chaosFile struct {
	f     File
	chaos *Chaos
	path  string
}

var _ File = (*chaosFile)(nil)

func (cf *chaosFile) Write(data []byte) (int, error) {
	if cf.chaos.should(cf.chaos.config.WriteFailRate) {
		return 0, pathErr("write", cf.path, syscall.EIO)
	}

	if cf.chaos.should(cf.chaos.config.PartialWriteRate) && len(data) > 1 {
		cf.chaos.rngMu.Lock()
		cutoff := cf.chaos.rng.IntN(len(data)-1) + 1
		cf.chaos.rngMu.Unlock()

		n, err := cf.f.Write(data[:cutoff])
		if err != nil {
			return n, err
		}

		return n, pathErr("write", cf.path, syscall.ENOSPC)
	}

	return cf.f.Write(data)
}

func (cf *chaosFile) Sync() error {
	if cf.chaos.should(cf.chaos.config.SyncFailRate) {
		return pathErr("sync", cf.path, syscall.EIO)
	}

	return cf.f.Sync()
}

func (cf *chaosFile) Close() error {
	// Always close the underlying file to avoid descriptor leaks, even
	// when an injected error is returned.
	err := cf.f.Close()
	if err != nil {
		return err
	}

	if cf.chaos.should(cf.chaos.config.CloseFailRate) {
		return pathErr("close", cf.path, syscall.EIO)
	}

	return nil
}
