package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/SonicStark/IgorFuzz/internal/config"

	flag "github.com/spf13/pflag"
)

// Run is the main entry point. Returns exit code.
// sigCh can be nil if signal handling is not needed (e.g., in tests).
func Run(_ io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("igorfuzz-triage", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})
	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagCwd := globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagOutDir := globalFlags.String("out-dir", "", "Override out `directory`")
	flagMapSize := globalFlags.Int("map-size", 0, "Override trace/virgin bitmap `size` in bytes")
	flagCrashMode := globalFlags.Int("crash-mode", -1, "Override crash-mode `tier` (0-3)")
	flagSymbolizer := globalFlags.String("symbolizer", "", "Override symbolizer binary `path`")
	flagExactModule := globalFlags.String("exact-module", "", "Override exact-module crash-site `name`")

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	workDir := *flagCwd
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			fprintln(errOut, "error:", err)

			return 1
		}
	}

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	overrides := config.Config{}
	if *flagOutDir != "" {
		overrides.OutDir = *flagOutDir
	}

	if *flagMapSize != 0 {
		overrides.MapSize = *flagMapSize
	}

	if *flagCrashMode >= 0 {
		overrides.CrashMode = config.CrashMode(*flagCrashMode)
	}

	if *flagSymbolizer != "" {
		overrides.SymbolizerPath = *flagSymbolizer
	}

	if *flagExactModule != "" {
		overrides.ExactModule = *flagExactModule
	}

	cfg, sources, err := config.Load(workDir, *flagConfig, overrides, envSlice)
	if err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	commands := allCommands(cfg, sources)

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	commandAndArgs := globalFlags.Args()

	if *flagHelp || (len(commandAndArgs) == 0 && globalFlags.NFlag() == 0) {
		printUsage(out, commands)

		return 0
	}

	if len(commandAndArgs) == 0 {
		fprintln(errOut, "error: no command provided")
		printUsage(errOut, commands)

		return 1
	}

	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut, commands)

		return 1
	}

	cmdIO := NewIO(out, errOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, cmdIO, commandAndArgs[1:])
	}()

	select {
	case exitCode := <-done:
		if exitCode != 0 {
			return exitCode
		}

		return cmdIO.Finish()
	case <-sigCh:
		fprintln(errOut, "shutting down with 5s timeout...")
		cancel()
	}

	select {
	case <-done:
		fprintln(errOut, "graceful shutdown ok (130)")

		return 130
	case <-time.After(5 * time.Second):
		fprintln(errOut, "graceful shutdown timed out, forced exit (130)")

		return 130
	case <-sigCh:
		fprintln(errOut, "graceful shutdown interrupted, forced exit (130)")

		return 130
	}
}

// allCommands returns all commands in display order.
func allCommands(cfg config.Config, sources config.ConfigSources) []*Command {
	return []*Command{
		ClassifyCmd(cfg),
		StackCmd(cfg),
		ReplayCmd(cfg),
		PrintConfigCmd(cfg, sources),
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

const globalOptionsHelp = `  -h, --help             Show help
  -C, --cwd <dir>        Run as if started in <dir>
  -c, --config <file>    Use specified config file
  --out-dir <dir>        Override out directory
  --map-size <size>      Override trace/virgin bitmap size in bytes
  --crash-mode <tier>    Override crash-mode tier (0-3)
  --symbolizer <path>    Override symbolizer binary path
  --exact-module <name>  Override exact-module crash-site name`

func printGlobalOptions(w io.Writer) {
	fprintln(w, "Usage: igorfuzz-triage [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Run 'igorfuzz-triage --help' for a list of commands.")
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "igorfuzz-triage - offline coverage-decrease triage CLI")
	fprintln(w)
	fprintln(w, "Usage: igorfuzz-triage [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}
