package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/SonicStark/IgorFuzz/internal/config"
	"github.com/SonicStark/IgorFuzz/internal/describe"
	"github.com/SonicStark/IgorFuzz/internal/execute"
	"github.com/SonicStark/IgorFuzz/internal/fsx"
	"github.com/SonicStark/IgorFuzz/internal/matrix"
	"github.com/SonicStark/IgorFuzz/internal/persist"
	"github.com/SonicStark/IgorFuzz/internal/symbolize"
	"github.com/SonicStark/IgorFuzz/internal/triage"
	"github.com/SonicStark/IgorFuzz/internal/virgin"

	flag "github.com/spf13/pflag"
)

var errClassifyMissingArg = errors.New("classify: expected exactly one <input> argument")

// ClassifyCmd returns the classify command: drive one execution through
// the dispatcher against the persisted coverage state in out_dir.
func ClassifyCmd(cfg config.Config) *Command {
	flags := flag.NewFlagSet("classify", flag.ContinueOnError)
	timeoutMS := flags.Int("timeout-ms", 1000, "execution timeout in milliseconds")
	matrixDir := flags.String("matrix-dir", "", "testcase matrix directory for the decrease baseline")
	calibrationReruns := flags.Int("calibration-reruns", 3, "number of re-executions a kept crash must survive")

	return &Command{
		Flags: flags,
		Usage: "classify <input> [flags]",
		Short: "Run one input through the coverage-decrease dispatcher",
		Long:  "Execute the configured target against an input and feed the result through the interestingness dispatcher, updating out_dir's persisted state.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execClassify(ctx, o, cfg, args, *timeoutMS, *matrixDir, *calibrationReruns)
		},
	}
}

func execClassify(ctx context.Context, o *IO, cfg config.Config, args []string, timeoutMS int, matrixDir string, calibrationReruns int) error {
	if len(args) != 1 {
		return errClassifyMissingArg
	}

	if cfg.TargetPath == "" {
		return fmt.Errorf("classify: target_path is not configured")
	}

	input, err := os.ReadFile(args[0]) //nolint:gosec
	if err != nil {
		return fmt.Errorf("classify: read input: %w", err)
	}

	for _, sub := range []string{"queue", "hangs", "crashes"} {
		if err := os.MkdirAll(filepath.Join(cfg.OutDir, sub), 0o755); err != nil {
			return fmt.Errorf("classify: prepare out_dir: %w", err)
		}
	}

	mapPath := cfg.MapPath
	if mapPath == "" {
		mapPath = filepath.Join(cfg.OutDir, "trace_map")
	}

	callstackPath := cfg.CallstackPath
	if callstackPath == "" {
		callstackPath = filepath.Join(cfg.OutDir, "callstack.txt")
	}

	harness := execute.NewReal(cfg.TargetPath, cfg.TargetArgs, mapPath, cfg.MapSize, callstackPath, cfg.OutDir)

	engine := virgin.NewEngine(cfg.MapSize)

	bitmapPath := filepath.Join(cfg.OutDir, "fuzz_bitmap")

	if saved, ok, err := persist.LoadBitmap(bitmapPath); err != nil {
		return fmt.Errorf("classify: %w", err)
	} else if ok {
		if err := engine.LoadVirginBits(saved); err != nil {
			return fmt.Errorf("classify: %w", err)
		}
	}

	if matrixDir != "" {
		baseline, err := matrix.Load(ctx, matrixDir, cfg.MapSize, execute.MatrixAdapter{Real: harness, TimeoutMS: timeoutMS})
		if err != nil {
			return fmt.Errorf("classify: loading testcase matrix: %w", err)
		}

		if baseline.Present() {
			engine.SetMatrixBaseline(baseline.BitmapSize(), baseline.ActualCnts())
		}
	}

	var sym symbolize.Symbolizer

	if cfg.SymbolizerPath != "" {
		real, err := symbolize.NewReal(ctx, cfg.SymbolizerPath)
		if err != nil {
			return fmt.Errorf("classify: start symbolizer: %w", err)
		}

		defer func() { _ = real.Close() }()

		sym = real
	} else {
		sym = symbolize.NewFake()
	}

	calibrator := execute.NewCalibrator(harness, timeoutMS, calibrationReruns)

	state := triage.New(cfg, engine, sym, fsx.NewReal(), harness, calibrator, callstackPath)

	trace, fault, err := harness.Execute(ctx, input, timeoutMS)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}

	desc := describe.Input{Source: 0, SplicingWith: -1, StageBytePos: -1, StageName: "cli-classify"}

	kept, err := state.Dispatch(ctx, input, trace, fault, desc)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}

	if err := state.DumpBitmapIfDirty(); err != nil {
		return fmt.Errorf("classify: %w", err)
	}

	o.Printf("fault=%s kept=%v\n", faultString(fault), kept)

	return nil
}
