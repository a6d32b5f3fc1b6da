package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"

	flag "github.com/spf13/pflag"

	"github.com/tuulbelt/coordcore/pkg/snapshot"
)

// snapshotReview runs an interactive REPL over the snapshot store. On
// entry it checks every stored snapshot against a same-named candidate
// file under --dir and walks the resulting mismatches one at a time,
// letting an operator accept (update) or skip each - the interactive
// analogue of `jest --updateSnapshot`/`cargo insta review`. Once the walk
// is done (or if nothing mismatched) it drops into a general browse/
// inspect/delete shell over the store.
func snapshotReview(_ context.Context, d deps, o *IO, args []string) error {
	fs, dir := reviewFlagSet()
	if err := parseSubFlags(o, fs, args); err != nil {
		return ignoreShownHelp(err)
	}

	repl := &reviewREPL{store: d.snap, out: o, candidateDir: *dir}

	return repl.run()
}

func reviewFlagSet() (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("snapshot review", flag.ContinueOnError)
	dir := fs.String("dir", ".", "Directory of candidate files to check against stored snapshots, one file per snapshot name")

	return fs, dir
}

type reviewREPL struct {
	store        *snapshot.Store
	out          *IO
	liner        *liner.State
	candidateDir string
}

// pendingMismatch is one stored snapshot whose same-named candidate file
// under candidateDir disagreed with it on the last scan.
type pendingMismatch struct {
	name      string
	candidate []byte
	diff      string
}

func reviewHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".tbelt_review_history")
}

func (r *reviewREPL) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(reviewHistoryFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		f.Close()
	}

	r.out.Println("snapshot review - type 'help' for available commands")

	pending, err := r.scanMismatches()
	if err != nil {
		r.out.Println("error scanning for mismatches:", err)
	} else if len(pending) > 0 {
		if quit := r.walkMismatches(pending); quit {
			r.saveHistory()

			return nil
		}
	} else {
		r.out.Printf("no mismatches found under %s\n", r.candidateDir)
	}

	for {
		line, err := r.liner.Prompt("snapshot> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				r.out.Println("\nbye")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			r.saveHistory()

			return nil
		case "help", "?":
			r.printHelp()
		case "review":
			pending, err := r.scanMismatches()
			if err != nil {
				r.out.Println("error scanning for mismatches:", err)
			} else if len(pending) == 0 {
				r.out.Printf("no mismatches found under %s\n", r.candidateDir)
			} else if quit := r.walkMismatches(pending); quit {
				r.saveHistory()

				return nil
			}
		case "list", "ls":
			r.cmdList()
		case "show", "cat":
			r.cmdShow(args)
		case "delete", "rm":
			r.cmdDelete(args)
		default:
			r.out.Println("unknown command:", cmd, "(type 'help' for commands)")
		}
	}

	r.saveHistory()

	return nil
}

// saveHistory writes the REPL history with atomic.WriteFile rather than
// going through pkg/fs: this is a per-user dotfile outside the coordination
// primitives' own crash-safety domain, and losing a half-written history
// file to a concurrent `tbelt snapshot review` is a cosmetic annoyance, not
// a correctness problem - a plain one-shot atomic write is enough.
func (r *reviewREPL) saveHistory() {
	path := reviewHistoryFile()
	if path == "" {
		return
	}

	var buf bytes.Buffer

	if _, err := r.liner.WriteHistory(&buf); err != nil {
		return
	}

	_ = atomic.WriteFile(path, &buf)
}

// scanMismatches checks every stored snapshot against its same-named
// candidate file under candidateDir, if one exists, and returns those that
// disagree. A snapshot with no candidate file on disk is silently skipped -
// this scan only reviews what the operator actually supplied, not the
// whole store.
func (r *reviewREPL) scanMismatches() ([]pendingMismatch, error) {
	metas, err := r.store.List()
	if err != nil {
		return nil, err
	}

	var pending []pendingMismatch

	for _, m := range metas {
		candidatePath := filepath.Join(r.candidateDir, m.Name)

		content, err := os.ReadFile(candidatePath) //nolint:gosec // operator-supplied directory
		if err != nil {
			continue
		}

		result, err := r.store.Check(m.Name, content, snapshot.CheckOptions{})
		if err != nil && !errors.Is(err, snapshot.ErrMismatch) {
			r.out.Println("error checking", m.Name, ":", err)

			continue
		}

		if !result.Matched {
			pending = append(pending, pendingMismatch{name: m.Name, candidate: content, diff: result.Diff})
		}
	}

	return pending, nil
}

// walkMismatches presents each pending mismatch in turn and prompts the
// operator to accept (call Update with the candidate content) or skip it.
// Returns true if the operator quit the walk early, so the caller can end
// the whole REPL session rather than falling through to the browse shell.
func (r *reviewREPL) walkMismatches(pending []pendingMismatch) bool {
	r.out.Printf("%d mismatch(es) found under %s\n", len(pending), r.candidateDir)

	for i, pm := range pending {
		r.out.Println()
		r.out.Printf("[%d/%d] %s\n", i+1, len(pending), pm.name)

		if pm.diff != "" {
			r.out.Println(pm.diff)
		}

		for {
			answer, err := r.liner.Prompt(fmt.Sprintf("accept update for %q? (y)es/(n)o/(q)uit: ", pm.name))
			if err != nil {
				return true
			}

			switch strings.TrimSpace(strings.ToLower(answer)) {
			case "y", "yes":
				if _, err := r.store.Update(pm.name, pm.candidate, snapshot.UpdateOptions{}); err != nil {
					r.out.Println("error updating", pm.name, ":", err)
				} else {
					r.out.Println("updated", pm.name)
				}
			case "n", "no":
				r.out.Println("skipped", pm.name)
			case "q", "quit":
				return true
			default:
				continue
			}

			break
		}
	}

	return false
}

func (r *reviewREPL) completer(line string) []string {
	commands := []string{"list", "ls", "show", "cat", "delete", "rm", "review", "help", "exit", "quit", "q"}

	var out []string

	lower := strings.ToLower(line)

	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

func (r *reviewREPL) printHelp() {
	r.out.Println("Commands:")
	r.out.Println("  review              Re-scan --dir for mismatches and walk them again")
	r.out.Println("  list | ls           List all snapshots")
	r.out.Println("  show <name>         Show a snapshot's metadata")
	r.out.Println("  delete <name>       Delete a snapshot, after confirmation")
	r.out.Println("  help                Show this help")
	r.out.Println("  exit / quit / q     Exit")
}

func (r *reviewREPL) cmdList() {
	metas, err := r.store.List()
	if err != nil {
		r.out.Println("error:", err)

		return
	}

	if len(metas) == 0 {
		r.out.Println("(no snapshots)")

		return
	}

	for _, m := range metas {
		r.out.Printf("%-30s type=%-10s size=%-8d hash=%s\n", m.Name, m.Type, m.Size, m.Hash)
	}
}

func (r *reviewREPL) cmdShow(args []string) {
	if len(args) < 1 {
		r.out.Println("usage: show <name>")

		return
	}

	metas, err := r.store.List()
	if err != nil {
		r.out.Println("error:", err)

		return
	}

	for _, m := range metas {
		if m.Name == args[0] {
			r.out.Printf("Name:    %s\n", m.Name)
			r.out.Printf("Type:    %s\n", m.Type)
			r.out.Printf("Size:    %d\n", m.Size)
			r.out.Printf("Hash:    %s\n", m.Hash)
			r.out.Printf("Created: %d\n", m.CreatedAt)
			r.out.Printf("Updated: %d\n", m.UpdatedAt)

			return
		}
	}

	r.out.Println("not found:", args[0])
}

func (r *reviewREPL) cmdDelete(args []string) {
	if len(args) < 1 {
		r.out.Println("usage: delete <name>")

		return
	}

	answer, err := r.liner.Prompt(fmt.Sprintf("delete %q? (yes/no): ", args[0]))
	if err != nil {
		r.out.Println("cancelled")

		return
	}

	answer = strings.TrimSpace(strings.ToLower(answer))
	if answer != "yes" && answer != "y" {
		r.out.Println("cancelled")

		return
	}

	if err := r.store.Delete(args[0]); err != nil {
		r.out.Println("error:", err)

		return
	}

	r.out.Println("deleted", args[0])
}
