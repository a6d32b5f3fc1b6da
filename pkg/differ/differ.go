// Package differ renders a human-readable comparison between two byte
// sequences for the Snapshot Store's check operation (spec.md §6.4). The
// snapshot store treats a Differ as an opaque collaborator: it hands over
// the expected bytes, the actual bytes, and a declared content type, and
// treats the rendered string as final.
package differ

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
)

// ContentType selects how a Differ compares two byte sequences.
type ContentType string

const (
	Text       ContentType = "text"
	Structured ContentType = "structured"
	Binary     ContentType = "binary"
)

// Differ renders a diff between expected and actual for a declared content
// type. Implementations must be side-effect free and safe for concurrent use.
type Differ interface {
	RenderDiff(expected, actual []byte, contentType ContentType) string
}

// Default is the Differ used by the Snapshot Store unless a caller supplies
// their own: unified text diffs via go-difflib, structured diffs via go-cmp
// over decoded JSON/YAML documents, and a byte-offset summary for binary.
type Default struct{}

// New returns the Default differ.
func New() *Default {
	return &Default{}
}

func (d *Default) RenderDiff(expected, actual []byte, contentType ContentType) string {
	switch contentType {
	case Structured:
		if out, ok := structuredDiff(expected, actual); ok {
			return out
		}

		return textDiff(expected, actual)
	case Text:
		return textDiff(expected, actual)
	case Binary:
		return binaryDiff(expected, actual)
	default:
		return textDiff(expected, actual)
	}
}

func textDiff(expected, actual []byte) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(expected)),
		B:        difflib.SplitLines(string(actual)),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	}

	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("expected %d bytes, got %d bytes (diff render failed: %v)", len(expected), len(actual), err)
	}

	if out == "" {
		return "(no textual difference detected)"
	}

	return out
}

// structuredDiff decodes both sides as JSON or YAML and renders a
// field-level diff via go-cmp. Returns ok=false if either side fails to
// decode, so the caller can fall back to a textual diff.
func structuredDiff(expected, actual []byte) (string, bool) {
	expVal, err := decodeStructured(expected)
	if err != nil {
		return "", false
	}

	actVal, err := decodeStructured(actual)
	if err != nil {
		return "", false
	}

	out := cmp.Diff(expVal, actVal)
	if out == "" {
		return "(structured documents are equal; byte-level difference only, e.g. formatting)", true
	}

	return out, true
}

// decodeStructured decodes data as a JSON or YAML object/array. A value
// that parses but isn't a map or slice (e.g. a bare YAML scalar like
// "hello world") is not a structured document and is rejected, so the
// caller falls back to a textual diff instead of a meaningless cmp.Diff
// between two strings.
func decodeStructured(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err == nil && isContainer(v) {
		return v, nil
	}

	if err := yaml.Unmarshal(data, &v); err == nil && isContainer(v) {
		return v, nil
	}

	return nil, fmt.Errorf("not a recognized structured document")
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

// binaryDiff summarizes a byte-level mismatch without attempting to render
// non-printable content: overall size and the offset of the first
// differing byte.
func binaryDiff(expected, actual []byte) string {
	var b strings.Builder

	fmt.Fprintf(&b, "binary content differs: expected %d bytes, actual %d bytes\n", len(expected), len(actual))

	n := len(expected)
	if len(actual) < n {
		n = len(actual)
	}

	for i := range n {
		if expected[i] != actual[i] {
			fmt.Fprintf(&b, "first differing byte at offset %d: expected 0x%02x, actual 0x%02x\n", i, expected[i], actual[i])

			return b.String()
		}
	}

	fmt.Fprintf(&b, "common prefix of %d bytes is identical; lengths differ\n", n)

	return b.String()
}

var _ Differ = (*Default)(nil)
