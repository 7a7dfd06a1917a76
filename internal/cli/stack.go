package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/SonicStark/IgorFuzz/internal/callstack"
	"github.com/SonicStark/IgorFuzz/internal/config"
	"github.com/SonicStark/IgorFuzz/internal/crashsite"
	"github.com/SonicStark/IgorFuzz/internal/symbolize"

	flag "github.com/spf13/pflag"
)

var errStackMissingArg = errors.New("stack: expected exactly one <dump> argument")

// StackCmd returns the stack command: parse a call-stack dump and report
// the crash site identification rules would pick, without running a full
// classification pass.
func StackCmd(cfg config.Config) *Command {
	flags := flag.NewFlagSet("stack", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "stack <dump> [flags]",
		Short: "Identify the crash site in a call-stack dump",
		Long:  "Parse a call-stack dump file and print the crash site the blacklist/poisoning rules would select.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execStack(ctx, o, cfg, args)
		},
	}
}

func execStack(ctx context.Context, o *IO, cfg config.Config, args []string) error {
	if len(args) != 1 {
		return errStackMissingArg
	}

	frames, err := callstack.ParseFile(args[0], false)
	if err != nil {
		return fmt.Errorf("stack: %w", err)
	}

	var sym symbolize.Symbolizer

	if cfg.SymbolizerPath != "" {
		real, err := symbolize.NewReal(ctx, cfg.SymbolizerPath)
		if err != nil {
			return fmt.Errorf("stack: start symbolizer: %w", err)
		}

		defer func() { _ = real.Close() }()

		sym = real
	} else {
		sym = symbolize.NewFake()
	}

	site := crashsite.Identify(ctx, frames, cfg.ExactModule, sym)

	if site.IsEmpty() {
		o.Println("no crash site identified")

		return nil
	}

	o.Printf("module=%s offset=0x%x", *site.Module, site.Offset)

	if site.Symbol != nil {
		o.Printf(" function=%s", *site.Symbol)
	}

	o.Println("")

	return nil
}
