package differ_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuulbelt/coordcore/pkg/differ"
)

func TestRenderDiff_TextShowsLineLevelChange(t *testing.T) {
	t.Parallel()

	d := differ.New()

	out := d.RenderDiff([]byte("one\ntwo\nthree\n"), []byte("one\nTWO\nthree\n"), differ.Text)
	require.Contains(t, out, "-two")
	require.Contains(t, out, "+TWO")
}

func TestRenderDiff_TextReportsNoDifference(t *testing.T) {
	t.Parallel()

	d := differ.New()

	out := d.RenderDiff([]byte("same\n"), []byte("same\n"), differ.Text)
	require.Contains(t, out, "no textual difference")
}

func TestRenderDiff_StructuredComparesDecodedJSON(t *testing.T) {
	t.Parallel()

	d := differ.New()

	out := d.RenderDiff([]byte(`{"a":1,"b":2}`), []byte(`{"a":1,"b":3}`), differ.Structured)
	require.Contains(t, out, "b")
}

func TestRenderDiff_StructuredFallsBackToTextForBareScalars(t *testing.T) {
	t.Parallel()

	d := differ.New()

	out := d.RenderDiff([]byte("hello world"), []byte("goodbye world"), differ.Structured)
	require.Contains(t, out, "-hello world")
	require.Contains(t, out, "+goodbye world")
}

func TestRenderDiff_StructuredFallsBackToTextOnUndecodableInput(t *testing.T) {
	t.Parallel()

	d := differ.New()

	out := d.RenderDiff([]byte("not json at all {{{"), []byte("still not json }}}"), differ.Structured)
	require.NotEmpty(t, out)
}

func TestRenderDiff_BinaryReportsFirstDifferingOffset(t *testing.T) {
	t.Parallel()

	d := differ.New()

	out := d.RenderDiff([]byte{0x7B, 0x7D}, []byte{0x7B, 0x41, 0x7D}, differ.Binary)
	require.Contains(t, out, "offset 1")
	require.True(t, strings.Contains(out, "0x7d") || strings.Contains(out, "0x41"))
}
