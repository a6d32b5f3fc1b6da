package cli

import (
	"context"
	"errors"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/tuulbelt/coordcore/pkg/coord"
	"github.com/tuulbelt/coordcore/pkg/snapshot"
)

// SnapshotCmd returns the "snapshot" command group: create, check, update,
// list, delete, clean, review (spec.md §4.3).
func SnapshotCmd(d deps) *Command {
	groupFlags := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	groupFlags.SetInterspersed(false)

	return &Command{
		Flags: groupFlags,
		Usage: "snapshot <create|check|update|list|delete|clean|review> <name> [flags]",
		Short: "Record, compare, and review named content snapshots",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return coord.New(coord.KindInvalidInput, "cli.snapshot", errMissingArgs, "reason", "missing subcommand")
			}

			sub, rest := args[0], args[1:]

			switch sub {
			case "create":
				return snapshotCreate(d, o, rest)
			case "check":
				return snapshotCheck(d, o, rest)
			case "update":
				return snapshotUpdate(d, o, rest)
			case "list":
				return snapshotList(d, o, rest)
			case "delete":
				return snapshotDelete(d, o, rest)
			case "clean":
				return snapshotClean(d, o, rest)
			case "review":
				return snapshotReview(ctx, d, o, rest)
			default:
				return coord.New(coord.KindInvalidInput, "cli.snapshot", errMissingArgs, "subcommand", sub)
			}
		},
	}
}

func snapshotFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("snapshot "+name, flag.ContinueOnError)
	file := fs.String("file", "", "Read content from `file` instead of stdin")

	return fs, file
}

func readContent(file string) ([]byte, error) {
	if file == "" || file == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, coord.New(coord.KindIOError, "cli.snapshot", err, "source", "stdin")
		}

		return data, nil
	}

	data, err := os.ReadFile(file) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, coord.New(coord.KindIOError, "cli.snapshot", err, "source", file)
	}

	return data, nil
}

func snapshotCreate(d deps, o *IO, args []string) error {
	fs, file := snapshotFlagSet("create")
	overwrite := fs.Bool("overwrite", false, "Replace an existing snapshot")

	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	name, err := singleNameArg(fs.Args())
	if err != nil {
		return err
	}

	content, err := readContent(*file)
	if err != nil {
		return err
	}

	meta, err := d.snap.Create(name, content, snapshot.CreateOptions{Overwrite: *overwrite})
	if err != nil {
		return err
	}

	printSnapshotMeta(o, meta)

	return nil
}

func snapshotCheck(d deps, o *IO, args []string) error {
	fs, file := snapshotFlagSet("check")
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	name, err := singleNameArg(fs.Args())
	if err != nil {
		return err
	}

	content, err := readContent(*file)
	if err != nil {
		return err
	}

	result, err := d.snap.Check(name, content, snapshot.CheckOptions{})
	if err != nil && !errors.Is(err, snapshot.ErrMismatch) {
		return err
	}

	o.PrintResult(result, func() {
		if result.Matched {
			o.Println("match:", name)

			return
		}

		o.Println("mismatch:", name)

		if result.Diff != "" {
			o.Println(result.Diff)
		}
	})

	return err
}

func snapshotUpdate(d deps, o *IO, args []string) error {
	fs, file := snapshotFlagSet("update")
	createIfMissing := fs.Bool("create-if-missing", false, "Create the snapshot if it does not already exist")

	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	name, err := singleNameArg(fs.Args())
	if err != nil {
		return err
	}

	content, err := readContent(*file)
	if err != nil {
		return err
	}

	meta, err := d.snap.Update(name, content, snapshot.UpdateOptions{CreateIfMissing: *createIfMissing})
	if err != nil {
		return err
	}

	printSnapshotMeta(o, meta)

	return nil
}

func snapshotList(d deps, o *IO, args []string) error {
	fs := flag.NewFlagSet("snapshot list", flag.ContinueOnError)
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	metas, err := d.snap.List()
	if err != nil {
		return err
	}

	o.PrintResult(metas, func() {
		for _, m := range metas {
			o.Printf("%s type=%s size=%d hash=%s\n", m.Name, m.Type, m.Size, m.Hash)
		}
	})

	return nil
}

func snapshotDelete(d deps, o *IO, args []string) error {
	fs := flag.NewFlagSet("snapshot delete", flag.ContinueOnError)
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	name, err := singleNameArg(fs.Args())
	if err != nil {
		return err
	}

	if err := d.snap.Delete(name); err != nil {
		return err
	}

	o.Println("deleted", name)

	return nil
}

func snapshotClean(d deps, o *IO, args []string) error {
	fs := flag.NewFlagSet("snapshot clean", flag.ContinueOnError)
	keepFlag := fs.StringSlice("keep", nil, "Snapshot names to keep (repeatable)")

	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	keep := make(map[string]bool, len(*keepFlag))
	for _, name := range *keepFlag {
		keep[name] = true
	}

	removed, err := d.snap.CleanOrphans(keep)
	if err != nil {
		return err
	}

	o.PrintResult(removed, func() {
		for _, name := range removed {
			o.Println("removed", name)
		}
	})

	return nil
}

func printSnapshotMeta(o *IO, meta snapshot.Metadata) {
	o.PrintResult(meta, func() {
		o.Printf("%s type=%s size=%d hash=%s\n", meta.Name, meta.Type, meta.Size, meta.Hash)
	})
}

func singleNameArg(args []string) (string, error) {
	if len(args) != 1 {
		return "", coord.New(coord.KindInvalidInput, "cli.snapshot", errMissingArgs, "reason", "expected exactly one snapshot name")
	}

	return args[0], nil
}
