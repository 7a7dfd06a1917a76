package cli

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestStackCommand_MissingArg(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"igorfuzz-triage", "-C", tmpDir, "stack"}, nil, nil)

	if exitCode != 1 {
		t.Fatalf("exit code = %d, want 1", exitCode)
	}

	assertContains(t, stderr.String(), "expected exactly one")
}

func TestStackCommand_IdentifiesCrashSite(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	dumpPath := filepath.Join(tmpDir, "dump.txt")

	writeFile(t, dumpPath, "#0 PATH:libasan.so ADDR:0x1234;\n#1 PATH:mytarget ADDR:0xdead;\n")

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"igorfuzz-triage", "-C", tmpDir, "stack", dumpPath}, nil, nil)

	if exitCode != 0 {
		t.Fatalf("exit code = %d, stderr = %q", exitCode, stderr.String())
	}

	assertContains(t, stdout.String(), "module=mytarget")
	assertContains(t, stdout.String(), "offset=0xdead")
}

func TestStackCommand_NoFramesLeftAfterBlacklist(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	dumpPath := filepath.Join(tmpDir, "dump.txt")

	writeFile(t, dumpPath, "#0 PATH:libasan.so ADDR:0x1234;\n")

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"igorfuzz-triage", "-C", tmpDir, "stack", dumpPath}, nil, nil)

	if exitCode != 0 {
		t.Fatalf("exit code = %d, stderr = %q", exitCode, stderr.String())
	}

	assertContains(t, stdout.String(), "no crash site identified")
}

func TestStackHelp(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"igorfuzz-triage", "stack", "--help"}, nil, nil)

	if exitCode != 0 {
		t.Errorf("exit code = %d, want 0", exitCode)
	}

	assertContains(t, stdout.String(), "Usage: igorfuzz-triage stack")
}
