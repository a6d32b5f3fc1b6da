// Package snapshot maintains a durable, self-describing collection of named
// byte artifacts (spec.md §4.3): create-then-check round trips, safe
// update, and content-aware comparison on mismatch, with per-name
// serialization of writers via the Lock Primitive.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tuulbelt/coordcore/pkg/coord"
	"github.com/tuulbelt/coordcore/pkg/differ"
	"github.com/tuulbelt/coordcore/pkg/fs"
	"github.com/tuulbelt/coordcore/pkg/lock"
)

const (
	// maxNameBytes is the conservative single-path-component limit shared
	// by every supported host filesystem (spec.md §4.3).
	maxNameBytes = 255

	filePerm    = 0o600
	locksDirPerm = 0o700

	// DefaultLockTimeout bounds how long create/check/update wait for the
	// per-name lock.
	DefaultLockTimeout = 5 * time.Second
)

// Metadata describes a snapshot without its content (spec.md §4.3 "list").
type Metadata struct {
	Name      string
	CreatedAt int64
	UpdatedAt int64
	Hash      string
	Size      int64
	Type      ContentType
}

// Options configures a Store.
type Options struct {
	BaseDir         string
	Differ          differ.Differ
	AutoDetectType  bool
	LockTimeout     time.Duration
}

// DefaultOptions returns the spec.md §6.5 defaults. BaseDir must still be
// set by the caller.
func DefaultOptions(baseDir string) Options {
	return Options{
		BaseDir:        baseDir,
		Differ:         differ.New(),
		AutoDetectType: true,
		LockTimeout:    DefaultLockTimeout,
	}
}

// CreateOptions parameterizes Create.
type CreateOptions struct {
	ContentType ContentType // empty means auto-detect
	Overwrite   bool
}

// CheckOptions parameterizes Check.
type CheckOptions struct {
	ContentType ContentType
}

// CheckResult is the outcome of a Check call. Diff is populated only when
// the candidate content does not match the stored snapshot byte-for-byte.
type CheckResult struct {
	Matched  bool
	Snapshot Metadata
	Diff     string
}

// UpdateOptions parameterizes Update.
type UpdateOptions struct {
	ContentType     ContentType
	CreateIfMissing bool
}

// Store implements the Snapshot Store over a given [fs.FS].
type Store struct {
	fs   fs.FS
	lock *lock.Primitive
	opts Options
}

// New validates opts and returns a Store.
func New(fsys fs.FS, opts Options) (*Store, error) {
	if fsys == nil {
		panic("fs is nil")
	}

	if opts.BaseDir == "" {
		return nil, coord.New(coord.KindInvalidInput, "snapshot.New", ErrInvalidName, "reason", "empty base dir")
	}

	if opts.Differ == nil {
		opts.Differ = differ.New()
	}

	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	return &Store{fs: fsys, lock: lock.New(fsys, lock.DefaultOptions()), opts: opts}, nil
}

// Create writes a new snapshot. With opts.Overwrite == false it fails if
// name already exists; with true it replaces any existing snapshot, keeping
// that snapshot's CreatedAt, and creates the snapshot if it is missing.
func (s *Store) Create(name string, content []byte, opts CreateOptions) (Metadata, error) {
	path, err := s.validateName(name)
	if err != nil {
		return Metadata{}, err
	}

	var result Metadata

	err = s.withNameLock(name, func() error {
		exists, statErr := s.fs.Exists(path)
		if statErr != nil {
			return coord.New(coord.KindIOError, "snapshot.Create", statErr, "name", name)
		}

		if exists && !opts.Overwrite {
			return coord.New(coord.KindConflict, "snapshot.Create", ErrAlreadyExists, "name", name)
		}

		now := time.Now().Unix()

		createdAt := now
		if exists {
			if existing, _, readErr := s.readLocked(path); readErr == nil {
				createdAt = existing.CreatedAt
			}
		}

		meta, writeErr := s.writeLocked(path, name, content, opts.ContentType, createdAt, now)
		if writeErr != nil {
			return writeErr
		}

		result = meta

		return nil
	})

	return result, err
}

// Check compares candidate against the stored snapshot named name.
func (s *Store) Check(name string, candidate []byte, opts CheckOptions) (CheckResult, error) {
	path, err := s.validateName(name)
	if err != nil {
		return CheckResult{}, err
	}

	var result CheckResult

	err = s.withNameLock(name, func() error {
		h, content, readErr := s.readLocked(path)
		if readErr != nil {
			return readErr
		}

		meta := metadataOf(h)
		result.Snapshot = meta

		if string(content) == string(candidate) {
			result.Matched = true

			return nil
		}

		contentType := opts.ContentType
		if contentType == "" {
			contentType = h.Type
		}

		result.Diff = s.opts.Differ.RenderDiff(content, candidate, toDifferType(contentType))

		return coord.New(coord.KindConflict, "snapshot.Check", ErrMismatch, "name", name, "diff", result.Diff)
	})

	return result, err
}

// Update overwrites the stored content for name, refreshing UpdatedAt and
// the hash. Fails with ErrNotFound unless opts.CreateIfMissing is set.
func (s *Store) Update(name string, newContent []byte, opts UpdateOptions) (Metadata, error) {
	path, err := s.validateName(name)
	if err != nil {
		return Metadata{}, err
	}

	var result Metadata

	err = s.withNameLock(name, func() error {
		exists, statErr := s.fs.Exists(path)
		if statErr != nil {
			return coord.New(coord.KindIOError, "snapshot.Update", statErr, "name", name)
		}

		now := time.Now().Unix()
		createdAt := now

		if exists {
			existing, _, readErr := s.readLocked(path)
			if readErr != nil {
				return readErr
			}

			createdAt = existing.CreatedAt
		} else if !opts.CreateIfMissing {
			return coord.New(coord.KindNotFound, "snapshot.Update", ErrNotFound, "name", name)
		}

		meta, writeErr := s.writeLocked(path, name, newContent, opts.ContentType, createdAt, now)
		if writeErr != nil {
			return writeErr
		}

		result = meta

		return nil
	})

	return result, err
}

// List returns metadata for every snapshot in the store, without content.
func (s *Store) List() ([]Metadata, error) {
	entries, err := s.fs.ReadDir(s.opts.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, coord.New(coord.KindIOError, "snapshot.List", err, "dir", s.opts.BaseDir)
	}

	var out []Metadata

	for _, e := range entries {
		if e.IsDir() || e.Name() == locksDirName {
			continue
		}

		data, readErr := s.fs.ReadFile(filepath.Join(s.opts.BaseDir, e.Name()))
		if readErr != nil {
			continue
		}

		h, _, parseErr := parse(data)
		if parseErr != nil {
			continue
		}

		out = append(out, metadataOf(h))
	}

	return out, nil
}

// Delete removes the snapshot named name.
func (s *Store) Delete(name string) error {
	path, err := s.validateName(name)
	if err != nil {
		return err
	}

	return s.withNameLock(name, func() error {
		exists, statErr := s.fs.Exists(path)
		if statErr != nil {
			return coord.New(coord.KindIOError, "snapshot.Delete", statErr, "name", name)
		}

		if !exists {
			return coord.New(coord.KindNotFound, "snapshot.Delete", ErrNotFound, "name", name)
		}

		if err := s.fs.Remove(path); err != nil {
			return coord.New(coord.KindIOError, "snapshot.Delete", err, "name", name)
		}

		return nil
	})
}

// CleanOrphans deletes every snapshot whose name is not in keep, returning
// the names removed.
func (s *Store) CleanOrphans(keep map[string]bool) ([]string, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	var deleted []string

	for _, m := range all {
		if keep[m.Name] {
			continue
		}

		if err := s.Delete(m.Name); err != nil {
			return deleted, err
		}

		deleted = append(deleted, m.Name)
	}

	return deleted, nil
}

func (s *Store) readLocked(path string) (header, []byte, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return header{}, nil, coord.New(coord.KindNotFound, "snapshot.read", ErrNotFound)
		}

		return header{}, nil, coord.New(coord.KindIOError, "snapshot.read", err)
	}

	h, content, parseErr := parse(data)
	if parseErr != nil {
		return header{}, nil, coord.New(coord.KindCorruption, "snapshot.read", parseErr)
	}

	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != h.Hash {
		return header{}, nil, coord.New(coord.KindCorruption, "snapshot.read", fmt.Errorf("%w: hash mismatch", ErrCorrupt))
	}

	return h, content, nil
}

func (s *Store) writeLocked(path, name string, content []byte, explicitType ContentType, createdAt, updatedAt int64) (Metadata, error) {
	contentType := explicitType
	if contentType == "" {
		if s.opts.AutoDetectType {
			contentType = detectContentType(content)
		} else {
			contentType = ContentBinary
		}
	}

	sum := sha256.Sum256(content)

	h := header{
		Name:      name,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Hash:      hex.EncodeToString(sum[:]),
		Size:      int64(len(content)),
		Type:      contentType,
	}

	data := marshal(h, content)

	if err := s.fs.MkdirAll(s.opts.BaseDir, 0o755); err != nil {
		return Metadata{}, coord.New(coord.KindIOError, "snapshot.write", err)
	}

	writer := fs.NewAtomicWriter(s.fs)

	if err := writer.Write(path, strings.NewReader(string(data)), fs.AtomicWriteOptions{SyncDir: true, Perm: filePerm}); err != nil {
		return Metadata{}, coord.New(coord.KindIOError, "snapshot.write", err, "name", name)
	}

	return metadataOf(h), nil
}

const locksDirName = ".locks"

func (s *Store) withNameLock(name string, fn func() error) error {
	lockPath := filepath.Join(s.opts.BaseDir, locksDirName, name+".lock")

	if err := s.fs.MkdirAll(filepath.Join(s.opts.BaseDir, locksDirName), locksDirPerm); err != nil {
		return coord.New(coord.KindIOError, "snapshot.lock", err, "name", name)
	}

	callerPID := uint64(os.Getpid())

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LockTimeout)
	defer cancel()

	if _, err := s.lock.Acquire(ctx, lockPath, "snapshot:"+name, s.opts.LockTimeout); err != nil {
		return fmt.Errorf("acquire snapshot lock for %q: %w", name, err)
	}

	defer func() { _ = s.lock.Release(lockPath, callerPID, true) }()

	return fn()
}

func (s *Store) validateName(name string) (string, error) {
	if name == "" {
		return "", coord.New(coord.KindInvalidInput, "snapshot.validateName", ErrInvalidName, "reason", "empty name")
	}

	if len(name) > maxNameBytes {
		return "", coord.New(coord.KindInvalidInput, "snapshot.validateName", ErrInvalidName, "reason", "name too long")
	}

	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") || strings.ContainsRune(name, 0) {
		return "", coord.New(coord.KindInvalidInput, "snapshot.validateName", ErrInvalidName, "name", name)
	}

	if strings.HasPrefix(name, ".") {
		return "", coord.New(coord.KindInvalidInput, "snapshot.validateName", ErrInvalidName, "reason", "leading dot", "name", name)
	}

	base, err := filepath.Abs(s.opts.BaseDir)
	if err != nil {
		return "", coord.New(coord.KindIOError, "snapshot.validateName", err)
	}

	resolved := filepath.Join(base, name)

	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", coord.New(coord.KindInvalidInput, "snapshot.validateName", ErrInvalidName, "reason", "escapes base dir", "name", name)
	}

	return resolved, nil
}

func metadataOf(h header) Metadata {
	return Metadata{Name: h.Name, CreatedAt: h.CreatedAt, UpdatedAt: h.UpdatedAt, Hash: h.Hash, Size: h.Size, Type: h.Type}
}

func toDifferType(t ContentType) differ.ContentType {
	switch t {
	case ContentStructured:
		return differ.Structured
	case ContentBinary:
		return differ.Binary
	default:
		return differ.Text
	}
}
