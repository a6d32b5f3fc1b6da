package snapshot_test

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuulbelt/coordcore/pkg/coord"
	"github.com/tuulbelt/coordcore/pkg/fs"
	"github.com/tuulbelt/coordcore/pkg/snapshot"
)

func newStore(t *testing.T) *snapshot.Store {
	t.Helper()

	store, err := snapshot.New(fs.NewReal(), snapshot.DefaultOptions(t.TempDir()))
	require.NoError(t, err)

	return store
}

func TestCreate_ThenCheck_RoundTrips(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	content := []byte{0x7B, 0x7D}

	meta, err := store.Create("users", content, snapshot.CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, "users", meta.Name)
	require.Equal(t, int64(2), meta.Size)

	result, err := store.Check("users", content, snapshot.CheckOptions{})
	require.NoError(t, err)
	require.True(t, result.Matched)
}

func TestCheck_ReturnsMismatchWithDiffOnDifferentContent(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.Create("users", []byte{0x7B, 0x7D}, snapshot.CreateOptions{})
	require.NoError(t, err)

	result, err := store.Check("users", []byte{0x7B, 0x41, 0x7D}, snapshot.CheckOptions{})
	require.Error(t, err)
	require.ErrorIs(t, err, snapshot.ErrMismatch)
	require.False(t, result.Matched)
	require.NotEmpty(t, result.Diff)
}

func TestCreate_FailsWithoutOverwriteWhenAlreadyExists(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.Create("dup", []byte("a"), snapshot.CreateOptions{})
	require.NoError(t, err)

	_, err = store.Create("dup", []byte("b"), snapshot.CreateOptions{})
	require.ErrorIs(t, err, snapshot.ErrAlreadyExists)
}

func TestCreate_OverwriteReplacesContentAndPreservesCreatedAt(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	first, err := store.Create("dup", []byte("a"), snapshot.CreateOptions{})
	require.NoError(t, err)

	second, err := store.Create("dup", []byte("bb"), snapshot.CreateOptions{Overwrite: true})
	require.NoError(t, err)

	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, int64(2), second.Size)
}

func TestUpdate_RefreshesHashAndContent(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.Create("doc", []byte("v1"), snapshot.CreateOptions{})
	require.NoError(t, err)

	updated, err := store.Update("doc", []byte("v2"), snapshot.UpdateOptions{})
	require.NoError(t, err)

	result, err := store.Check("doc", []byte("v2"), snapshot.CheckOptions{})
	require.NoError(t, err)
	require.True(t, result.Matched)
	require.Equal(t, updated.Hash, result.Snapshot.Hash)
}

func TestUpdate_FailsOnMissingUnlessCreateIfMissing(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.Update("ghost", []byte("x"), snapshot.UpdateOptions{})
	require.ErrorIs(t, err, snapshot.ErrNotFound)

	_, err = store.Update("ghost", []byte("x"), snapshot.UpdateOptions{CreateIfMissing: true})
	require.NoError(t, err)
}

func TestCheck_ReturnsNotFoundForAbsentSnapshot(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.Check("nope", []byte("x"), snapshot.CheckOptions{})
	require.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestCheck_ReturnsCorruptOnHashMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := snapshot.New(fs.NewReal(), snapshot.DefaultOptions(dir))
	require.NoError(t, err)

	_, err = store.Create("tampered", []byte("original"), snapshot.CreateOptions{})
	require.NoError(t, err)

	raw := "# Name: tampered\n# Created: 1\n# Updated: 1\n# Hash: deadbeef\n# Size: 8\n# Type: text\n---\noriginal"
	require.NoError(t, os.WriteFile(dir+"/tampered", []byte(raw), 0o600))

	_, err = store.Check("tampered", []byte("original"), snapshot.CheckOptions{})
	require.Error(t, err)

	kind, ok := coord.KindOf(err)
	require.True(t, ok)
	require.Equal(t, coord.KindCorruption, kind)
}

func TestList_ReturnsMetadataWithoutContent(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.Create("a", []byte("1"), snapshot.CreateOptions{})
	require.NoError(t, err)

	_, err = store.Create("b", []byte("2"), snapshot.CreateOptions{})
	require.NoError(t, err)

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestDelete_RemovesSnapshot(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.Create("gone", []byte("x"), snapshot.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, store.Delete("gone"))

	_, err = store.Check("gone", []byte("x"), snapshot.CheckOptions{})
	require.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestCleanOrphans_DeletesEverythingNotInKeepSet(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	for _, name := range []string{"keep", "drop1", "drop2"} {
		_, err := store.Create(name, []byte(name), snapshot.CreateOptions{})
		require.NoError(t, err)
	}

	deleted, err := store.CleanOrphans(map[string]bool{"keep": true})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"drop1", "drop2"}, deleted)

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "keep", list[0].Name)
}

func TestValidateName_RejectsTraversalAndSeparators(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	for _, bad := range []string{"", "../escape", "a/b", "a\\b", ".hidden"} {
		_, err := store.Create(bad, []byte("x"), snapshot.CreateOptions{})
		require.ErrorIsf(t, err, snapshot.ErrInvalidName, "name %q", bad)
	}
}

func TestConcurrentUpdates_SerializeToExactlyOneWinner(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.Create("same", []byte("seed"), snapshot.CreateOptions{})
	require.NoError(t, err)

	const workers = 10

	var wg sync.WaitGroup

	wg.Add(workers)

	for i := range workers {
		go func(i int) {
			defer wg.Done()

			_, _ = store.Update("same", []byte(fmt.Sprintf("content-%d", i)), snapshot.UpdateOptions{})
		}(i)
	}

	wg.Wait()

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1, "concurrent updates must serialize to exactly one surviving content")
	require.Len(t, list[0].Hash, 64, "hash must be a valid sha256 hex digest, never a half-written one")
}
