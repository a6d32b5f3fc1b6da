package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/tuulbelt/coordcore/pkg/coord"
)

// Command defines a CLI command with unified help generation and exit-code
// mapping (spec.md §6.4).
type Command struct {
	Flags *flag.FlagSet
	Usage string
	Short string
	Long  string
	Exec  func(ctx context.Context, o *IO, args []string) error
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine returns the short help line for the main usage display.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp prints the full help output for "tbelt <group> <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: tbelt", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder

		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses flags, executes the command, and returns the process exit
// code, mapping any returned error's coord.Kind to the exit codes spec.md
// §6.4 specifies: 0 success, 1 application error, 2 invalid arguments,
// 3 I/O or system error.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{}) // discard pflag's own error/usage output

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return 0
		}

		o.ErrPrintln("error:", err)
		c.PrintHelp(o)

		return exitInvalidArgs
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.DumpDebug(c.Name()+" error", err)
		o.ErrPrintln("error:", err)

		return exitCodeFor(err)
	}

	return exitSuccess
}

// parseSubFlags parses a sub-action's own flag set and normalizes any
// parse error to KindInvalidInput, so group commands that dispatch to
// per-action flag sets (lock/port/snapshot) get the same exit-code mapping
// as the outer Command.Run does for top-level flags. A bare --help prints
// the flag set's defaults and reports success rather than an error.
func parseSubFlags(o *IO, fs *flag.FlagSet, args []string) error {
	fs.SetOutput(&strings.Builder{})

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			var buf strings.Builder

			fs.SetOutput(&buf)
			fs.PrintDefaults()
			o.Printf("%s", buf.String())

			return errShownHelp
		}

		return coord.New(coord.KindInvalidInput, "cli.parseFlags", err)
	}

	return nil
}

// errShownHelp signals that parseSubFlags already printed help output;
// callers should return nil from Exec without further action.
var errShownHelp = errors.New("help shown")

// ignoreShownHelp converts errShownHelp into a successful (nil) result,
// passing any other error through unchanged.
func ignoreShownHelp(err error) error {
	if errors.Is(err, errShownHelp) {
		return nil
	}

	return err
}

const (
	exitSuccess     = 0
	exitAppError    = 1
	exitInvalidArgs = 2
	exitIOError     = 3
)

// exitCodeFor maps a returned error to a process exit code per spec.md
// §6.4. An error that doesn't carry a coord.Kind (a bug, not a classified
// failure) is treated as an I/O/system error rather than silently
// succeeding.
func exitCodeFor(err error) int {
	kind, ok := coord.KindOf(err)
	if !ok {
		return exitIOError
	}

	switch kind {
	case coord.KindInvalidInput:
		return exitInvalidArgs
	case coord.KindIOError, coord.KindCancelled:
		return exitIOError
	case coord.KindConflict, coord.KindNotFound, coord.KindOwnership, coord.KindCorruption, coord.KindTimeout:
		return exitAppError
	default:
		return exitAppError
	}
}
