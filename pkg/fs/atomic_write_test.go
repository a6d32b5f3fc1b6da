package fs_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuulbelt/coordcore/pkg/fs"
)

const testContentHello = "hello, atomic write"

func TestAtomicWriter_Write_RoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, testContentHello, string(got))
}

func TestAtomicWriter_Write_LeavesNoTempFileOnSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	writer := fs.NewAtomicWriter(fs.NewReal())
	require.NoError(t, writer.WriteWithDefaults(path, strings.NewReader(testContentHello)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "final.txt", entries[0].Name())
}

func TestAtomicWriter_Write_RenameFailureLeavesPriorStateIntact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	chaos := fs.NewChaos(fs.NewReal())
	chaos.FailNextN(fs.FailRename, 1, errors.New("simulated rename failure"))

	writer := fs.NewAtomicWriter(chaos)

	err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello))
	require.Error(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "original", string(got), "a failed rename must never leave a partial write")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the failed temp file must be cleaned up")
}

func TestAtomicWriter_Write_SyncFailureLeavesPriorStateIntact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	chaos := fs.NewChaos(fs.NewReal())
	chaos.FailNextN(fs.FailSync, 1, errors.New("simulated sync failure"))

	writer := fs.NewAtomicWriter(chaos)

	err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello))
	require.Error(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "original", string(got))
}

func TestAtomicWriter_Write_RejectsNilReader(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())

	require.Panics(t, func() {
		_ = writer.WriteWithDefaults(filepath.Join(t.TempDir(), "x"), nil)
	})
}

func TestAtomicWriter_Write_UsesDistinctTempNamesConcurrently(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writer := fs.NewAtomicWriter(fs.NewReal())

	const n = 20

	errs := make(chan error, n)

	for i := range n {
		go func(i int) {
			path := filepath.Join(dir, "shared.txt")
			errs <- writer.WriteWithDefaults(path, strings.NewReader(strings.Repeat("x", i+1)))
		}(i)
	}

	for range n {
		require.NoError(t, <-errs)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leaked temp files after concurrent writes")
}
