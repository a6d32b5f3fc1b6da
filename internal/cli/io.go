package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
)

// IO handles command output, including deferred warning visibility: any
// warning recorded during a run is flushed to stderr both before normal
// output starts and again at the very end, so it survives truncation or a
// head/tail pipe either way.
type IO struct {
	out     io.Writer
	errOut  io.Writer
	warn    []string
	started bool
	jsonOut bool
	debug   bool
}

// NewIO creates a new IO instance.
func NewIO(out, errOut io.Writer, jsonOut bool) *IO {
	return &IO{out: out, errOut: errOut, jsonOut: jsonOut}
}

// DumpDebug writes a spew.Sdump of v to stderr, labelled, when --debug was
// passed. No-op otherwise. Meant for a failing command's internal state
// (a loaded config, a registry document) right before the error is printed.
func (o *IO) DumpDebug(label string, v any) {
	if !o.debug {
		return
	}

	_, _ = fmt.Fprintf(o.errOut, "--- debug: %s ---\n%s", label, spew.Sdump(v))
}

// Warn records an operational warning (e.g. "reclaimed a stale lock").
// Warnings never change a command's exit code by themselves.
func (o *IO) Warn(format string, a ...any) {
	o.warn = append(o.warn, fmt.Sprintf(format, a...))
}

// Println writes to stdout.
func (o *IO) Println(a ...any) {
	o.flushWarningsStart()
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted output to stdout.
func (o *IO) Printf(format string, a ...any) {
	o.flushWarningsStart()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// ErrPrintln writes to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// JSON reports whether --json output was requested for this invocation.
func (o *IO) JSON() bool {
	return o.jsonOut
}

// PrintResult writes v either as indented JSON (if --json was requested) or
// via the supplied plain-text renderer.
func (o *IO) PrintResult(v any, plain func()) {
	if !o.jsonOut {
		plain()

		return
	}

	o.flushWarningsStart()

	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Finish flushes any remaining warnings to stderr.
func (o *IO) Finish() {
	o.flushWarningsStart()

	for _, w := range o.warn {
		_, _ = fmt.Fprintln(o.errOut, "warning:", w)
	}
}

func (o *IO) flushWarningsStart() {
	if !o.started && len(o.warn) > 0 {
		for _, w := range o.warn {
			_, _ = fmt.Fprintln(o.errOut, "warning:", w)
		}

		o.started = true
	}
}
