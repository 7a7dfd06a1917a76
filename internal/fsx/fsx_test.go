package fsx_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/SonicStark/IgorFuzz/internal/fsx"
)

func TestReal_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.bin")

	real := fsx.NewReal()

	if err := real.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	f, err := real.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := f.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := real.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if info.Size() != 5 {
		t.Fatalf("size = %d, want 5", info.Size())
	}

	// O_EXCL must fail now that the file exists.
	if _, err := real.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644); !os.IsExist(err) {
		t.Fatalf("expected IsExist, got %v", err)
	}
}

func TestReal_RenameAndRemove(t *testing.T) {
	dir := t.TempDir()
	real := fsx.NewReal()

	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")

	f, err := real.OpenFile(src, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	_ = f.Close()

	if err := real.Rename(src, dst); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := real.Stat(dst); err != nil {
		t.Fatalf("expected %q to exist: %v", dst, err)
	}

	if err := real.Remove(dst); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := real.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("expected removed file to be gone, got %v", err)
	}
}

func TestChaos_OpenFailRateOne(t *testing.T) {
	dir := t.TempDir()
	chaos := fsx.NewChaos(fsx.NewReal(), 1, fsx.ChaosConfig{OpenFailRate: 1.0})

	_, err := chaos.OpenFile(filepath.Join(dir, "x"), os.O_WRONLY|os.O_CREATE, 0o644)
	if err == nil {
		t.Fatal("expected injected open failure")
	}

	if !fsx.IsChaosErr(err) {
		t.Fatalf("expected IsChaosErr, got %v", err)
	}
}

func TestChaos_NeverInjectsOnMissingPath(t *testing.T) {
	dir := t.TempDir()
	chaos := fsx.NewChaos(fsx.NewReal(), 2, fsx.ChaosConfig{})

	_, err := chaos.Stat(filepath.Join(dir, "missing"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected IsNotExist, got %v", err)
	}

	if fsx.IsChaosErr(err) {
		t.Fatal("zero-rate config must never inject")
	}
}

func TestChaos_WriteFailRateOne(t *testing.T) {
	dir := t.TempDir()
	underlying := fsx.NewReal()
	chaos := fsx.NewChaos(underlying, 3, fsx.ChaosConfig{WriteFailRate: 1.0})

	f, err := chaos.OpenFile(filepath.Join(dir, "x"), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write([]byte("data"))
	if err == nil || !fsx.IsChaosErr(err) {
		t.Fatalf("expected injected chaos write error, got %v", err)
	}
}
