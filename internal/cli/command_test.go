package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/tuulbelt/coordcore/pkg/coord"
)

func TestExitCodeFor_MapsEachKindPerSpec(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")

	tests := []struct {
		kind coord.Kind
		want int
	}{
		{coord.KindInvalidInput, exitInvalidArgs},
		{coord.KindConflict, exitAppError},
		{coord.KindNotFound, exitAppError},
		{coord.KindOwnership, exitAppError},
		{coord.KindCorruption, exitAppError},
		{coord.KindTimeout, exitAppError},
		{coord.KindIOError, exitIOError},
		{coord.KindCancelled, exitIOError},
	}

	for _, tc := range tests {
		err := coord.New(tc.kind, "test.op", cause)
		require.Equal(t, tc.want, exitCodeFor(err))
	}
}

func TestExitCodeFor_TreatsUnclassifiedErrorAsIOError(t *testing.T) {
	t.Parallel()

	require.Equal(t, exitIOError, exitCodeFor(errors.New("unclassified")))
}

func TestCommandRun_ReturnsExitCodeFromExec(t *testing.T) {
	t.Parallel()

	cmd := &Command{
		Flags: flag.NewFlagSet("test", flag.ContinueOnError),
		Usage: "test",
		Short: "a test command",
		Exec: func(_ context.Context, _ *IO, _ []string) error {
			return coord.New(coord.KindNotFound, "test.op", nil)
		},
	}

	var stdout, stderr bytes.Buffer

	o := NewIO(&stdout, &stderr, false)
	require.Equal(t, exitAppError, cmd.Run(context.Background(), o, nil))
}

func TestCommandRun_ReturnsZeroOnSuccess(t *testing.T) {
	t.Parallel()

	cmd := &Command{
		Flags: flag.NewFlagSet("test", flag.ContinueOnError),
		Usage: "test",
		Short: "a test command",
		Exec: func(_ context.Context, _ *IO, _ []string) error {
			return nil
		},
	}

	var stdout, stderr bytes.Buffer

	o := NewIO(&stdout, &stderr, false)
	require.Equal(t, exitSuccess, cmd.Run(context.Background(), o, nil))
}
