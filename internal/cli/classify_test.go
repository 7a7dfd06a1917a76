package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// writeCrashingTarget writes a shell-script target that populates a trace
// bitmap, writes a call-stack dump naming "mytarget" as the crash frame,
// then kills itself with SIGSEGV — the only fault that reaches the
// dispatcher's admit-to-queue path.
func writeCrashingTarget(t *testing.T, tmpDir string, mapSize int, hotByte int) {
	t.Helper()

	scriptPath := filepath.Join(tmpDir, "crash_target.sh")
	writeFile(t, scriptPath, fmt.Sprintf(
		"#!/bin/sh\n"+
			"head -c %d /dev/zero | tr '\\0' '\\001' > \"$IGORFUZZ_MAP_ENV_FILEPATH\"\n"+
			"head -c %d /dev/zero >> \"$IGORFUZZ_MAP_ENV_FILEPATH\"\n"+
			"printf '#0 PATH:mytarget ADDR:0xdead;\\n' > \"$IGORFUZZ_CALLSTACK_ENV_FILEPATH\"\n"+
			"kill -SEGV $$\n",
		hotByte, mapSize-hotByte,
	))

	writeProjectConfig(t, tmpDir, fmt.Sprintf(
		`{"target_path": "/bin/sh", "target_args": [%q, "@@"], "map_size": %d, "out_dir": %q}`,
		scriptPath, mapSize, filepath.Join(tmpDir, "out"),
	))
}

func TestClassifyCommand_MissingArg(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeCrashingTarget(t, tmpDir, 8, 1)

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"igorfuzz-triage", "-C", tmpDir, "classify"}, nil, nil)

	if exitCode != 1 {
		t.Fatalf("exit code = %d, want 1", exitCode)
	}

	assertContains(t, stderr.String(), "expected exactly one")
}

func TestClassifyCommand_NewCrashCoverageIsKept(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeCrashingTarget(t, tmpDir, 8, 1)

	inputPath := filepath.Join(tmpDir, "input")
	writeFile(t, inputPath, "hello")

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"igorfuzz-triage", "-C", tmpDir, "classify", inputPath}, nil, nil)

	if exitCode != 0 {
		t.Fatalf("exit code = %d, stderr = %q", exitCode, stderr.String())
	}

	assertContains(t, stdout.String(), "fault=crash")
	assertContains(t, stdout.String(), "kept=true")

	queueDir := filepath.Join(tmpDir, "out", "queue")

	entries, err := os.ReadDir(queueDir)
	if err != nil {
		t.Fatalf("ReadDir(queue): %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("queue dir has %d entries, want 1", len(entries))
	}
}

func TestClassifyCommand_SecondIdenticalCrashIsNotKept(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeCrashingTarget(t, tmpDir, 8, 1)

	inputPath := filepath.Join(tmpDir, "input")
	writeFile(t, inputPath, "hello")

	var first bytes.Buffer

	if exitCode := Run(nil, &first, nil, []string{"igorfuzz-triage", "-C", tmpDir, "classify", inputPath}, nil, nil); exitCode != 0 {
		t.Fatalf("first classify failed: exit %d", exitCode)
	}

	var second bytes.Buffer

	exitCode := Run(nil, &second, nil, []string{"igorfuzz-triage", "-C", tmpDir, "classify", inputPath}, nil, nil)
	if exitCode != 0 {
		t.Fatalf("second classify failed: exit %d", exitCode)
	}

	assertContains(t, second.String(), "kept=false")
}

func TestClassifyHelp(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"igorfuzz-triage", "classify", "--help"}, nil, nil)

	if exitCode != 0 {
		t.Errorf("exit code = %d, want 0", exitCode)
	}

	assertContains(t, stdout.String(), "Usage: igorfuzz-triage classify")
}
