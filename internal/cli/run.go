package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/tuulbelt/coordcore/internal/config"
	"github.com/tuulbelt/coordcore/pkg/fs"
	"github.com/tuulbelt/coordcore/pkg/lock"
	"github.com/tuulbelt/coordcore/pkg/portregistry"
	"github.com/tuulbelt/coordcore/pkg/snapshot"
)

// Run is the main entry point for the tbelt CLI. Returns the process exit
// code. sigCh can be nil if signal handling is not needed (e.g. in tests).
func Run(_ io.Reader, out, errOut io.Writer, args []string, env []string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("tbelt", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagCwd := globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagJSON := globalFlags.Bool("json", false, "Emit machine-readable JSON output")
	flagDebug := globalFlags.Bool("debug", false, "Dump diagnostic state to stderr on failure")

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return exitInvalidArgs
	}

	workDir := *flagCwd
	if workDir == "" {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			fprintln(errOut, "error: cannot determine working directory:", wdErr)

			return exitIOError
		}

		workDir = wd
	}

	cfg, _, err := config.Load(workDir, *flagConfig, env)
	if err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return exitInvalidArgs
	}

	fsys := fs.NewReal()

	d, err := buildDeps(fsys, cfg)
	if err != nil {
		fprintln(errOut, "error:", err)

		return exitIOError
	}

	cmdIO := NewIO(out, errOut, *flagJSON)
	cmdIO.debug = *flagDebug

	commands := allCommands(d)

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	commandAndArgs := globalFlags.Args()

	if *flagHelp || (len(commandAndArgs) == 0 && globalFlags.NFlag() == 0) {
		printUsage(out, commands)

		return exitSuccess
	}

	if len(commandAndArgs) == 0 {
		fprintln(errOut, "error: no command provided")
		printUsage(errOut, commands)

		return exitInvalidArgs
	}

	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut, commands)

		return exitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, cmdIO, commandAndArgs[1:])
	}()

	select {
	case exitCode := <-done:
		cmdIO.Finish()

		return exitCode
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

// deps bundles the three coordination primitives a subcommand group needs,
// built once per invocation from the resolved configuration.
type deps struct {
	lock  *lock.Primitive
	ports *portregistry.Registry
	snap  *snapshot.Store
	cfg   config.Config
}

func buildDeps(fsys fs.FS, cfg config.Config) (deps, error) {
	lockOpts, err := cfg.ToLockOptions()
	if err != nil {
		return deps{}, err
	}

	portOpts, err := cfg.ToPortRegistryOptions()
	if err != nil {
		return deps{}, err
	}

	ports, err := portregistry.New(fsys, portOpts)
	if err != nil {
		return deps{}, err
	}

	snapStore, err := snapshot.New(fsys, cfg.ToSnapshotOptions())
	if err != nil {
		return deps{}, err
	}

	return deps{
		lock:  lock.New(fsys, lockOpts),
		ports: ports,
		snap:  snapStore,
		cfg:   cfg,
	}, nil
}

// allCommands returns all top-level command groups in display order.
// Dependencies are captured via closures in each group's constructor.
func allCommands(d deps) []*Command {
	return []*Command{
		LockCmd(d),
		PortCmd(d),
		SnapshotCmd(d),
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

const globalOptionsHelp = `  -h, --help             Show help
  -C, --cwd <dir>        Run as if started in <dir>
  -c, --config <file>    Use specified config file
  --json                 Emit machine-readable JSON output
  --debug                Dump diagnostic state to stderr on failure`

func printGlobalOptions(w io.Writer) {
	fprintln(w, "Usage: tbelt [flags] <command> <subcommand> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Run 'tbelt --help' for a list of commands.")
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "tbelt - filesystem coordination primitives: locks, ports, snapshots")
	fprintln(w)
	fprintln(w, "Usage: tbelt [flags] <command> <subcommand> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}
