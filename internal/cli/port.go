package cli

import (
	"context"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/tuulbelt/coordcore/pkg/coord"
	"github.com/tuulbelt/coordcore/pkg/portregistry"
)

// PortCmd returns the "port" command group: get, release, release-all,
// list, status, clean, clear (spec.md §4.2).
func PortCmd(d deps) *Command {
	groupFlags := flag.NewFlagSet("port", flag.ContinueOnError)
	groupFlags.SetInterspersed(false)

	return &Command{
		Flags: groupFlags,
		Usage: "port <get|release|release-all|list|status|clean|clear> [flags]",
		Short: "Allocate and release ports from the shared registry",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return coord.New(coord.KindInvalidInput, "cli.port", errMissingArgs, "reason", "missing subcommand")
			}

			sub, rest := args[0], args[1:]

			switch sub {
			case "get":
				return portGet(d, o, rest)
			case "release":
				return portRelease(d, o, rest)
			case "release-all":
				return portReleaseAll(d, o, rest)
			case "list":
				return portList(d, o, rest)
			case "status":
				return portStatus(d, o, rest)
			case "clean":
				return portClean(d, o, rest)
			case "clear":
				return portClear(d, o, rest)
			default:
				return coord.New(coord.KindInvalidInput, "cli.port", errMissingArgs, "subcommand", sub)
			}
		},
	}
}

func portFlagSet(name string) (*flag.FlagSet, *uint64) {
	fs := flag.NewFlagSet("port "+name, flag.ContinueOnError)
	pid := fs.Uint64("pid", uint64(os.Getpid()), "Caller pid (defaults to this process)")

	return fs, pid
}

func portGet(d deps, o *IO, args []string) error {
	fs, pid := portFlagSet("get")

	tag := fs.String("tag", "", "Free-form holder tag recorded against the port")
	preferred := fs.Int("preferred", 0, "Preferred port to try first")
	count := fs.Int("count", 1, "Number of ports to acquire atomically")

	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	opts := portregistry.AcquireOptions{Tag: *tag, Preferred: *preferred}

	if *count <= 1 {
		entry, err := d.ports.AcquireOne(*pid, opts)
		if err != nil {
			return err
		}

		o.PrintResult(entry, func() { o.Printf("acquired port %d\n", entry.Port) })

		return nil
	}

	entries, err := d.ports.AcquireMany(*pid, *count, opts)
	if err != nil {
		return err
	}

	o.PrintResult(entries, func() {
		for _, e := range entries {
			o.Printf("acquired port %d\n", e.Port)
		}
	})

	return nil
}

func portRelease(d deps, o *IO, args []string) error {
	fs, pid := portFlagSet("release")
	force := fs.Bool("force", false, "Release even if held by another process")
	port := fs.Int("port", 0, "Port to release")

	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	if err := d.ports.ReleaseOne(*port, *pid, *force); err != nil {
		return err
	}

	o.Println("released port", *port)

	return nil
}

func portReleaseAll(d deps, o *IO, args []string) error {
	fs, pid := portFlagSet("release-all")
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	count, err := d.ports.ReleaseAllByHolder(*pid)
	if err != nil {
		return err
	}

	o.PrintResult(map[string]int{"released": count}, func() {
		o.Printf("released %d port(s)\n", count)
	})

	return nil
}

func portList(d deps, o *IO, args []string) error {
	fs, _ := portFlagSet("list")
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	entries, err := d.ports.List()
	if err != nil {
		return err
	}

	o.PrintResult(entries, func() {
		for _, e := range entries {
			o.Printf("%d pid=%d tag=%q\n", e.Port, e.PID, e.Tag)
		}
	})

	return nil
}

func portStatus(d deps, o *IO, args []string) error {
	fs, pid := portFlagSet("status")
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	status, err := d.ports.Status(*pid)
	if err != nil {
		return err
	}

	o.PrintResult(status, func() {
		o.Printf("total=%d active=%d stale=%d owned=%d range=[%d,%d]\n",
			status.Total, status.Active, status.Stale, status.OwnedByCaller, status.MinPort, status.MaxPort)
	})

	return nil
}

func portClean(d deps, o *IO, args []string) error {
	fs, _ := portFlagSet("clean")
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	count, err := d.ports.CleanStale()
	if err != nil {
		return err
	}

	o.PrintResult(map[string]int{"removed": count}, func() {
		o.Printf("removed %d stale entr(y/ies)\n", count)
	})

	return nil
}

func portClear(d deps, o *IO, args []string) error {
	fs, _ := portFlagSet("clear")
	force := fs.Bool("force", false, "Clear even if entries remain")

	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	if err := d.ports.Clear(*force); err != nil {
		return err
	}

	o.Println("cleared port registry")

	return nil
}
