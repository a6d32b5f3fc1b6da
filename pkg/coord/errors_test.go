package coord_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuulbelt/coordcore/pkg/coord"
)

var errSentinel = errors.New("held by another process")

func TestKindOf_ReturnsKindForWrappedError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("try acquire: %w", coord.New(coord.KindConflict, "lock.TryAcquire", errSentinel, "pid", 123))

	kind, ok := coord.KindOf(err)
	require.True(t, ok)
	require.Equal(t, coord.KindConflict, kind)
}

func TestKindOf_FalseForPlainError(t *testing.T) {
	t.Parallel()

	kind, ok := coord.KindOf(errors.New("plain"))
	require.False(t, ok)
	require.Equal(t, coord.KindIOError, kind)
}

func TestError_UnwrapsToSentinel(t *testing.T) {
	t.Parallel()

	err := coord.New(coord.KindConflict, "lock.TryAcquire", errSentinel)

	require.ErrorIs(t, err, errSentinel)
}

func TestField_ReadsStructuredField(t *testing.T) {
	t.Parallel()

	err := coord.New(coord.KindConflict, "portregistry.AcquireOne", nil, "port", 8080)

	v, ok := coord.Field(err, "port")
	require.True(t, ok)
	require.Equal(t, 8080, v)

	_, ok = coord.Field(err, "missing")
	require.False(t, ok)
}

func TestNew_PanicsOnOddFields(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		coord.New(coord.KindInvalidInput, "op", nil, "onlykey")
	})
}
