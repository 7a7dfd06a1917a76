// Package execute provides the one concrete Executor the CLI wires up: a
// subprocess-driven harness around an instrumented target binary. The
// specification treats the forkserver/executor as an external collaborator
// with a narrow contract; this is that narrow contract's simplest possible
// implementation, not a forkserver, so the CLI's replay/classify path has
// something real to drive.
package execute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/SonicStark/IgorFuzz/internal/triage"
)

// Env variable names the target reads.
const (
	EnvCallstackPath = "IGORFUZZ_CALLSTACK_ENV_FILEPATH"
	EnvMapPath       = "IGORFUZZ_MAP_ENV_FILEPATH"
)

// crashSignals are the signals this harness treats as a crash rather than
// an ordinary non-zero exit.
var crashSignals = map[syscall.Signal]bool{
	syscall.SIGSEGV: true,
	syscall.SIGABRT: true,
	syscall.SIGBUS:  true,
	syscall.SIGILL:  true,
	syscall.SIGFPE:  true,
}

// Real runs targetPath once per Execute call, feeding input on a temp file
// whose path replaces each "@@" argument (AFL's convention), or is appended
// as the final argument when there is no "@@", and reading the
// resulting trace bitmap back from mapPath, which the instrumented target
// is expected to populate before exiting.
type Real struct {
	targetPath    string
	targetArgs    []string
	mapPath       string
	mapSize       int
	callstackPath string
	workDir       string
}

// NewReal builds a Real executor. targetArgs may contain the literal token
// "@@", replaced per-call with the generated input file's path; if absent,
// the input file path is appended as the final argument.
func NewReal(targetPath string, targetArgs []string, mapPath string, mapSize int, callstackPath, workDir string) *Real {
	return &Real{
		targetPath:    targetPath,
		targetArgs:    targetArgs,
		mapPath:       mapPath,
		mapSize:       mapSize,
		callstackPath: callstackPath,
		workDir:       workDir,
	}
}

// Execute runs one instance of the target against input, enforcing
// timeoutMS via context cancellation.
func (r *Real) Execute(ctx context.Context, input []byte, timeoutMS int) ([]byte, triage.Fault, error) {
	inputFile, err := os.CreateTemp(r.workDir, "igorfuzz-input-")
	if err != nil {
		return nil, triage.FaultError, fmt.Errorf("execute: create input temp file: %w", err)
	}

	defer func() {
		_ = os.Remove(inputFile.Name())
	}()

	if _, err := inputFile.Write(input); err != nil {
		_ = inputFile.Close()

		return nil, triage.FaultError, fmt.Errorf("execute: write input temp file: %w", err)
	}

	if err := inputFile.Close(); err != nil {
		return nil, triage.FaultError, fmt.Errorf("execute: close input temp file: %w", err)
	}

	if err := resetMap(r.mapPath, r.mapSize); err != nil {
		return nil, triage.FaultError, err
	}

	args := substituteInputPath(r.targetArgs, inputFile.Name())

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.targetPath, args...) //nolint:gosec
	cmd.Env = append(os.Environ(),
		EnvCallstackPath+"="+r.callstackPath,
		EnvMapPath+"="+r.mapPath,
	)

	runErr := cmd.Run()

	trace, readErr := os.ReadFile(r.mapPath) //nolint:gosec
	if readErr != nil {
		return nil, triage.FaultError, fmt.Errorf("execute: read trace map: %w", readErr)
	}

	if len(trace) != r.mapSize {
		return nil, triage.FaultError, fmt.Errorf("execute: target produced a %d-byte trace, want %d", len(trace), r.mapSize)
	}

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return trace, triage.FaultTimeout, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() && crashSignals[status.Signal()] {
			return trace, triage.FaultCrash, nil
		}

		return trace, triage.FaultError, nil
	}

	if runErr != nil {
		return nil, triage.FaultError, fmt.Errorf("execute: run target: %w", runErr)
	}

	return trace, triage.FaultNone, nil
}

func resetMap(path string, size int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("execute: create map dir: %w", err)
	}

	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("execute: reset trace map: %w", err)
	}

	return nil
}

// Calibrator re-runs an input through the same executor a fixed number of
// times and fails if it ever stops reproducing a fault, standing in for
// calibrate_case's stability check (itself out of scope: the real
// implementation also tunes per-input timing and a stage's exec budget,
// neither of which this narrow Executor contract models).
type Calibrator struct {
	Exec      triage.Executor
	TimeoutMS int
	Reruns    int
}

// NewCalibrator builds a Calibrator that confirms reproducibility by
// re-running the input reruns times.
func NewCalibrator(exec triage.Executor, timeoutMS, reruns int) *Calibrator {
	return &Calibrator{Exec: exec, TimeoutMS: timeoutMS, Reruns: reruns}
}

// Calibrate re-executes input and returns an error if any re-run no longer
// reports a fault (FaultNone), treating that as calibration instability.
func (c *Calibrator) Calibrate(ctx context.Context, input []byte) error {
	for i := 0; i < c.Reruns; i++ {
		_, fault, err := c.Exec.Execute(ctx, input, c.TimeoutMS)
		if err != nil {
			return fmt.Errorf("calibrate: rerun %d: %w", i, err)
		}

		if fault == triage.FaultNone {
			return fmt.Errorf("calibrate: input no longer reproduces a fault on rerun %d", i)
		}
	}

	return nil
}

// MatrixAdapter narrows Real to matrix.Executor's simpler two-value
// contract, fixing the timeout a matrix rebuild replays reference inputs
// with.
type MatrixAdapter struct {
	Real      *Real
	TimeoutMS int
}

// Execute replays input and discards the fault, matching matrix.Executor.
func (a MatrixAdapter) Execute(ctx context.Context, input []byte) ([]byte, error) {
	trace, _, err := a.Real.Execute(ctx, input, a.TimeoutMS)

	return trace, err
}

func substituteInputPath(args []string, inputPath string) []string {
	out := make([]string, 0, len(args)+1)

	found := false

	for _, a := range args {
		if a == "@@" {
			out = append(out, inputPath)
			found = true
		} else {
			out = append(out, a)
		}
	}

	if !found {
		out = append(out, inputPath)
	}

	return out
}
