// Package fsx is the filesystem abstraction every persistence path in
// internal/persist and internal/triage goes through: a production
// implementation wrapping os, and a Chaos fault-injection wrapper for
// exercising the Fatal/Impolite-silent error taxonomy without touching a
// real disk.
package fsx

import (
	"io"
	"os"
)

// File is the subset of *os.File that persistence code needs: write,
// close, and fsync for the atomic-rename durability dance.
type File interface {
	io.Writer
	io.Closer
	Sync() error
}

// FS abstracts the filesystem operations internal/persist performs:
// exclusive creation of queue/hang files and of the bitmap dump's temp
// file, an appending open for the crash README, directory creation, and
// rename.
type FS interface {
	// OpenFile opens path with the given flags and permissions, like os.OpenFile.
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// MkdirAll creates a directory and any missing parents.
	MkdirAll(path string, perm os.FileMode) error

	// Rename renames oldpath to newpath, replacing newpath if it exists.
	Rename(oldpath, newpath string) error

	// Remove removes a single file.
	Remove(path string) error

	// Stat returns file info for path.
	Stat(path string) (os.FileInfo, error)
}

// Real wraps the os package.
type Real struct{}

// NewReal returns a Real filesystem.
func NewReal() Real { return Real{} }

var _ FS = Real{}

func (Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (Real) Remove(path string) error {
	return os.Remove(path)
}

func (Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}
