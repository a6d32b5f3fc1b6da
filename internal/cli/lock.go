package cli

import (
	"context"
	"errors"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/tuulbelt/coordcore/pkg/coord"
	"github.com/tuulbelt/coordcore/pkg/lock"
)

// LockCmd returns the "lock" command group: try, acquire, release, status,
// clean. Each subcommand operates on a single lock path (spec.md §4.1).
func LockCmd(d deps) *Command {
	groupFlags := flag.NewFlagSet("lock", flag.ContinueOnError)
	groupFlags.SetInterspersed(false)

	return &Command{
		Flags: groupFlags,
		Usage: "lock <try|acquire|release|status|clean> <path> [flags]",
		Short: "Acquire, release, and inspect filesystem locks",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return coord.New(coord.KindInvalidInput, "cli.lock", errMissingArgs, "reason", "missing subcommand")
			}

			sub, rest := args[0], args[1:]

			switch sub {
			case "try":
				return lockTry(d, o, rest)
			case "acquire":
				return lockAcquire(ctx, d, o, rest)
			case "release":
				return lockRelease(d, o, rest)
			case "status":
				return lockStatus(d, o, rest)
			case "clean":
				return lockClean(d, o, rest)
			default:
				return coord.New(coord.KindInvalidInput, "cli.lock", errMissingArgs, "subcommand", sub)
			}
		},
	}
}

var errMissingArgs = errors.New("invalid arguments")

func lockFlagSet(name string) (*flag.FlagSet, *string, *uint64) {
	fs := flag.NewFlagSet("lock "+name, flag.ContinueOnError)
	tag := fs.String("tag", "", "Free-form holder tag recorded in the lock file")
	pid := fs.Uint64("pid", uint64(os.Getpid()), "Caller pid (defaults to this process)")

	return fs, tag, pid
}

func lockTry(d deps, o *IO, args []string) error {
	fs, tag, _ := lockFlagSet("try")
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	path, err := singlePathArg(fs.Args())
	if err != nil {
		return err
	}

	status, err := d.lock.TryAcquire(path, *tag)
	if err != nil {
		return err
	}

	printLockStatus(o, path, status)

	return nil
}

func lockAcquire(ctx context.Context, d deps, o *IO, args []string) error {
	fs, tag, _ := lockFlagSet("acquire")

	timeout := fs.Duration("timeout", 0, "Maximum time to wait for the lock (0 = use configured default)")
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	path, err := singlePathArg(fs.Args())
	if err != nil {
		return err
	}

	effTimeout := *timeout
	if effTimeout == 0 {
		if cfgTimeout, tErr := d.cfg.AcquireTimeout(); tErr == nil && cfgTimeout != nil {
			effTimeout = *cfgTimeout
		} else {
			effTimeout = 30 * time.Second
		}
	}

	status, err := d.lock.Acquire(ctx, path, *tag, effTimeout)
	if err != nil {
		return err
	}

	printLockStatus(o, path, status)

	return nil
}

func lockRelease(d deps, o *IO, args []string) error {
	fs, _, pid := lockFlagSet("release")
	force := fs.Bool("force", false, "Release even if held by another process")

	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	path, err := singlePathArg(fs.Args())
	if err != nil {
		return err
	}

	if err := d.lock.Release(path, *pid, *force); err != nil {
		if errors.Is(err, lock.ErrNotHeld) {
			o.Warn("lock at %s was already unheld", path)

			return nil
		}

		return err
	}

	o.Println("released", path)

	return nil
}

func lockStatus(d deps, o *IO, args []string) error {
	fs, _, _ := lockFlagSet("status")
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	path, err := singlePathArg(fs.Args())
	if err != nil {
		return err
	}

	status, err := d.lock.GetStatus(path)
	if err != nil {
		return err
	}

	printLockStatus(o, path, status)

	return nil
}

func lockClean(d deps, o *IO, args []string) error {
	fs, _, _ := lockFlagSet("clean")
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	path, err := singlePathArg(fs.Args())
	if err != nil {
		return err
	}

	removed, err := d.lock.CleanStale(path)
	if err != nil {
		return err
	}

	o.PrintResult(map[string]bool{"removed": removed}, func() {
		if removed {
			o.Println("removed stale lock at", path)
		} else {
			o.Println("no stale lock at", path)
		}
	})

	return nil
}

func printLockStatus(o *IO, path string, status lock.Status) {
	o.PrintResult(status, func() {
		if !status.Locked {
			o.Println("unlocked:", path)

			return
		}

		held := "held"
		if status.IsStale {
			held = "held (stale)"
		}

		if status.OwnedByCaller {
			held += ", owned by caller"
		}

		o.Printf("%s: %s pid=%d tag=%q\n", path, held, status.Holder.PID, status.Holder.Tag)
	})
}

func singlePathArg(args []string) (string, error) {
	if len(args) != 1 {
		return "", coord.New(coord.KindInvalidInput, "cli.lock", errMissingArgs, "reason", "expected exactly one path argument")
	}

	return args[0], nil
}
