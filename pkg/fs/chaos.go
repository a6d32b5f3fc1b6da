package fs

import (
	"os"
	"sync"
)

// FailPoint names an operation [Chaos] can be told to fail.
type FailPoint string

const (
	FailOpenFile FailPoint = "OpenFile"
	FailRename   FailPoint = "Rename"
	FailSync     FailPoint = "Sync"
	FailMkdirAll FailPoint = "MkdirAll"
)

// Chaos wraps an [FS] and fails a configured [FailPoint] a configured number
// of times before letting calls through again. It exists so tests can assert
// the "pre-write or fully-written, never partial" atomicity property without
// needing to kill a real process mid-write.
//
// Safe for concurrent use.
type Chaos struct {
	fs FS

	mu        sync.Mutex
	failAfter map[FailPoint]int // remaining failing calls for point; -1 = fail forever
	err       error
}

// NewChaos wraps fs. Panics if fs is nil.
func NewChaos(fs FS) *Chaos {
	if fs == nil {
		panic("fs is nil")
	}

	return &Chaos{fs: fs, failAfter: map[FailPoint]int{}}
}

// FailNextN arranges for the next n calls touching point to fail with err
// (or a default error if err is nil). n <= 0 means fail indefinitely.
func (c *Chaos) FailNextN(point FailPoint, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		err = os.ErrInvalid
	}

	if n <= 0 {
		n = -1
	}

	c.failAfter[point] = n
	c.err = err
}

// Reset clears all configured failures.
func (c *Chaos) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failAfter = map[FailPoint]int{}
}

func (c *Chaos) shouldFail(point FailPoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining, configured := c.failAfter[point]
	if !configured || remaining == 0 {
		return nil
	}

	if remaining > 0 {
		c.failAfter[point] = remaining - 1
	}

	return c.err
}

func (c *Chaos) Open(path string) (File, error) {
	return c.fs.Open(path)
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := c.shouldFail(FailOpenFile); err != nil {
		return nil, err
	}

	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, chaos: c}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) {
	return c.fs.ReadFile(path)
}

func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) {
	return c.fs.ReadDir(path)
}

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	if err := c.shouldFail(FailMkdirAll); err != nil {
		return err
	}

	return c.fs.MkdirAll(path, perm)
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	return c.fs.Stat(path)
}

func (c *Chaos) Lstat(path string) (os.FileInfo, error) {
	return c.fs.Lstat(path)
}

func (c *Chaos) Exists(path string) (bool, error) {
	return c.fs.Exists(path)
}

func (c *Chaos) Remove(path string) error {
	return c.fs.Remove(path)
}

func (c *Chaos) RemoveAll(path string) error {
	return c.fs.RemoveAll(path)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	if err := c.shouldFail(FailRename); err != nil {
		return err
	}

	return c.fs.Rename(oldpath, newpath)
}

// chaosFile wraps a [File] so [Chaos] can also fail Sync on a per-file basis
// (the temp-file fsync step in [AtomicWriter.Write]).
type chaosFile struct {
	File
	chaos *Chaos
}

func (f *chaosFile) Sync() error {
	if err := f.chaos.shouldFail(FailSync); err != nil {
		return err
	}

	return f.File.Sync()
}

var _ FS = (*Chaos)(nil)
