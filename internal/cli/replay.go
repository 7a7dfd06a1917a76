package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/SonicStark/IgorFuzz/internal/config"
	"github.com/SonicStark/IgorFuzz/internal/execute"
	"github.com/SonicStark/IgorFuzz/internal/triage"

	flag "github.com/spf13/pflag"
)

var errReplayMissingArg = errors.New("replay: expected exactly one <input> argument")

// ReplayCmd returns the replay command: run one saved input through the
// configured target and report what happened, for reproducing a
// queue/hang entry by hand.
func ReplayCmd(cfg config.Config) *Command {
	flags := flag.NewFlagSet("replay", flag.ContinueOnError)
	timeoutMS := flags.Int("timeout-ms", 1000, "execution timeout in milliseconds")

	return &Command{
		Flags: flags,
		Usage: "replay <input> [flags]",
		Short: "Re-run one input against the target",
		Long:  "Execute the configured target against a saved input file and print the resulting fault.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execReplay(ctx, o, cfg, args, *timeoutMS)
		},
	}
}

func execReplay(ctx context.Context, o *IO, cfg config.Config, args []string, timeoutMS int) error {
	if len(args) != 1 {
		return errReplayMissingArg
	}

	if cfg.TargetPath == "" {
		return fmt.Errorf("replay: target_path is not configured")
	}

	input, err := os.ReadFile(args[0]) //nolint:gosec
	if err != nil {
		return fmt.Errorf("replay: read input: %w", err)
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("replay: prepare out_dir: %w", err)
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

	start := time.Now()

	trace, fault, err := harness.Execute(ctx, input, timeoutMS)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	elapsed := time.Since(start)

	o.Printf("fault=%s elapsed=%s bitmap_bytes=%d\n", faultString(fault), elapsed, len(trace))

	return nil
}

func faultString(f triage.Fault) string {
	switch f {
	case triage.FaultNone:
		return "none"
	case triage.FaultTimeout:
		return "timeout"
	case triage.FaultCrash:
		return "crash"
	case triage.FaultError:
		return "error"
	default:
		return "unknown"
	}
}
