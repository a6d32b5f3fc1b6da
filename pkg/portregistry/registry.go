// Package portregistry allocates unique, live-bindable TCP ports to
// independent processes (spec.md §4.2): a single JSON document guarded by a
// companion [lock.Primitive], with automatic reclamation of ports belonging
// to dead or long-departed holders.
package portregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tuulbelt/coordcore/pkg/coord"
	"github.com/tuulbelt/coordcore/pkg/fs"
	"github.com/tuulbelt/coordcore/pkg/lock"
)

const (
	registryFileName = "registry.json"
	registryVersion  = "1"
	dirPerm          = 0o700
	filePerm         = 0o600
	maxTagLength     = 10000

	// DefaultMinPort and DefaultMaxPort bound the ephemeral range per
	// spec.md §3.
	DefaultMinPort = 49152
	DefaultMaxPort = 65535

	// DefaultMaxEntries and DefaultMaxPortsPerRequest bound resource
	// exhaustion per spec.md §4.2.
	DefaultMaxEntries         = 1000
	DefaultMaxPortsPerRequest = 100

	// DefaultStaleTimeout is the age after which a port entry is
	// considered abandoned regardless of holder liveness.
	DefaultStaleTimeout = time.Hour

	// DefaultLockTimeout bounds how long a mutating operation waits to
	// acquire the companion lock before failing with [coord.KindTimeout].
	DefaultLockTimeout = 5 * time.Second
)

// Entry is one allocated port (spec.md §6.2).
type Entry struct {
	Port       int    `json:"port"`
	PID        uint64 `json:"pid"`
	AcquiredAt int64  `json:"acquiredAt"`
	Tag        string `json:"tag,omitempty"`
}

// Options configures a Registry.
type Options struct {
	MinPort            int
	MaxPort            int
	AllowPrivileged    bool
	MaxEntries         int
	MaxPortsPerRequest int
	StaleTimeout       time.Duration
	LockTimeout        time.Duration
	RegistryDir        string
}

// DefaultOptions returns the spec.md §6.5 defaults. RegistryDir must still be
// set by the caller.
func DefaultOptions(registryDir string) Options {
	return Options{
		MinPort:            DefaultMinPort,
		MaxPort:            DefaultMaxPort,
		MaxEntries:         DefaultMaxEntries,
		MaxPortsPerRequest: DefaultMaxPortsPerRequest,
		StaleTimeout:       DefaultStaleTimeout,
		LockTimeout:        DefaultLockTimeout,
		RegistryDir:        registryDir,
	}
}

// AcquireOptions parameterizes a single acquire call.
type AcquireOptions struct {
	Tag       string
	Preferred int // 0 means "no preference"
}

// StatusResult summarizes the registry for a given caller.
type StatusResult struct {
	Total         int
	Active        int
	Stale         int
	OwnedByCaller int
	MinPort       int
	MaxPort       int
}

type document struct {
	Version string  `json:"version"`
	MinPort int     `json:"minPort"`
	MaxPort int     `json:"maxPort"`
	Entries []Entry `json:"entries"`
}

// Registry allocates and tracks ports under options opts.
type Registry struct {
	fs           fs.FS
	lock         *lock.Primitive
	opts         Options
	registryPath string
	lockPath     string
}

// New validates opts and returns a Registry. It does not touch the
// filesystem until the first operation.
func New(fsys fs.FS, opts Options) (*Registry, error) {
	if fsys == nil {
		panic("fs is nil")
	}

	if opts.MinPort <= 0 {
		opts.MinPort = DefaultMinPort
	}

	if opts.MaxPort <= 0 {
		opts.MaxPort = DefaultMaxPort
	}

	if opts.MinPort > opts.MaxPort {
		return nil, coord.New(coord.KindInvalidInput, "portregistry.New", ErrInvalidRange,
			"minPort", opts.MinPort, "maxPort", opts.MaxPort)
	}

	if opts.MinPort < 1 || opts.MaxPort > 65535 {
		return nil, coord.New(coord.KindInvalidInput, "portregistry.New", ErrInvalidRange)
	}

	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}

	if opts.MaxPortsPerRequest <= 0 {
		opts.MaxPortsPerRequest = DefaultMaxPortsPerRequest
	}

	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = DefaultStaleTimeout
	}

	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	if opts.RegistryDir == "" {
		return nil, coord.New(coord.KindInvalidInput, "portregistry.New", ErrInvalidRange, "reason", "empty registry dir")
	}

	registryPath := filepath.Join(opts.RegistryDir, registryFileName)

	return &Registry{
		fs:           fsys,
		lock:         lock.New(fsys, lock.DefaultOptions()),
		opts:         opts,
		registryPath: registryPath,
		lockPath:     registryPath + ".lock",
	}, nil
}

// AcquireOne allocates a single available port to callerPID.
func (r *Registry) AcquireOne(callerPID uint64, opts AcquireOptions) (Entry, error) {
	var result Entry

	err := r.withLock(func(doc *document) (bool, error) {
		entry, err := r.acquireOneLocked(doc, callerPID, opts)
		if err != nil {
			return false, err
		}

		result = entry

		return true, nil
	})

	return result, err
}

// AcquireMany allocates count ports within a single lock acquisition,
// all-or-nothing: if any individual allocation fails, none are persisted.
func (r *Registry) AcquireMany(callerPID uint64, count int, opts AcquireOptions) ([]Entry, error) {
	if count <= 0 {
		return nil, coord.New(coord.KindInvalidInput, "portregistry.AcquireMany", ErrInvalidRange, "count", count)
	}

	if count > r.opts.MaxPortsPerRequest {
		return nil, coord.New(coord.KindInvalidInput, "portregistry.AcquireMany", ErrInvalidRange,
			"count", count, "max", r.opts.MaxPortsPerRequest)
	}

	var result []Entry

	err := r.withLock(func(doc *document) (bool, error) {
		acquired := make([]Entry, 0, count)

		for range count {
			singleOpts := opts
			if len(acquired) > 0 {
				// only the first acquisition in a batch honors Preferred
				singleOpts.Preferred = 0
			}

			entry, err := r.acquireOneLocked(doc, callerPID, singleOpts)
			if err != nil {
				return false, err // doc mutations so far are discarded, nothing persisted
			}

			acquired = append(acquired, entry)
		}

		result = acquired

		return true, nil
	})

	return result, err
}

func (r *Registry) acquireOneLocked(doc *document, callerPID uint64, opts AcquireOptions) (Entry, error) {
	if len(opts.Tag) > 0 {
		opts.Tag = sanitizeTag(opts.Tag)
	}

	if len(doc.Entries) >= r.opts.MaxEntries {
		doc.Entries = removeStale(doc.Entries, r.opts.StaleTimeout)

		if len(doc.Entries) >= r.opts.MaxEntries {
			return Entry{}, coord.New(coord.KindConflict, "portregistry.AcquireOne", ErrQuotaExceeded,
				"maxEntries", r.opts.MaxEntries)
		}
	}

	taken := make(map[int]bool, len(doc.Entries))
	for _, e := range doc.Entries {
		taken[e.Port] = true
	}

	for _, candidate := range candidatePorts(r.opts.MinPort, r.opts.MaxPort, opts.Preferred) {
		if taken[candidate] {
			continue
		}

		if candidate < 1024 && !r.opts.AllowPrivileged {
			continue
		}

		if !portAvailable(candidate) {
			continue
		}

		entry := Entry{Port: candidate, PID: callerPID, AcquiredAt: time.Now().Unix(), Tag: opts.Tag}
		doc.Entries = append(doc.Entries, entry)

		return entry, nil
	}

	return Entry{}, coord.New(coord.KindConflict, "portregistry.AcquireOne", ErrNoPortAvailable,
		"minPort", r.opts.MinPort, "maxPort", r.opts.MaxPort)
}

// ReleaseOne frees port. A missing entry returns ErrNotAllocated, which
// idempotent callers should treat as success.
func (r *Registry) ReleaseOne(port int, callerPID uint64, force bool) error {
	return r.withLock(func(doc *document) (bool, error) {
		idx := -1

		for i, e := range doc.Entries {
			if e.Port == port {
				idx = i

				break
			}
		}

		if idx < 0 {
			return false, coord.New(coord.KindNotFound, "portregistry.ReleaseOne", ErrNotAllocated, "port", port)
		}

		if !force && doc.Entries[idx].PID != callerPID {
			return false, coord.New(coord.KindOwnership, "portregistry.ReleaseOne", ErrNotOwner,
				"port", port, "holder_pid", doc.Entries[idx].PID)
		}

		doc.Entries = append(doc.Entries[:idx], doc.Entries[idx+1:]...)

		return true, nil
	})
}

// ReleaseAllByHolder removes every entry held by callerPID and returns the
// count removed.
func (r *Registry) ReleaseAllByHolder(callerPID uint64) (int, error) {
	var removed int

	err := r.withLock(func(doc *document) (bool, error) {
		kept := doc.Entries[:0:0]

		for _, e := range doc.Entries {
			if e.PID == callerPID {
				removed++

				continue
			}

			kept = append(kept, e)
		}

		doc.Entries = kept

		return removed > 0, nil
	})

	return removed, err
}

// List returns every current entry, sorted by port.
func (r *Registry) List() ([]Entry, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}

	entries := append([]Entry(nil), doc.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Port < entries[j].Port })

	return entries, nil
}

// Status summarizes the registry's current state for callerPID.
func (r *Registry) Status(callerPID uint64) (StatusResult, error) {
	doc, err := r.load()
	if err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{Total: len(doc.Entries), MinPort: r.opts.MinPort, MaxPort: r.opts.MaxPort}

	for _, e := range doc.Entries {
		if isStaleEntry(e, r.opts.StaleTimeout) {
			result.Stale++
		} else {
			result.Active++
		}

		if e.PID == callerPID {
			result.OwnedByCaller++
		}
	}

	return result, nil
}

// CleanStale removes every entry whose holder is dead or whose age exceeds
// the configured stale timeout, returning the count removed.
func (r *Registry) CleanStale() (int, error) {
	var removed int

	err := r.withLock(func(doc *document) (bool, error) {
		before := len(doc.Entries)
		doc.Entries = removeStale(doc.Entries, r.opts.StaleTimeout)
		removed = before - len(doc.Entries)

		return removed > 0, nil
	})

	return removed, err
}

// Clear empties the registry. Fails with ErrNotEmpty unless force is set or
// no active (non-stale) entries remain.
func (r *Registry) Clear(force bool) error {
	return r.withLock(func(doc *document) (bool, error) {
		active := 0

		for _, e := range doc.Entries {
			if !isStaleEntry(e, r.opts.StaleTimeout) {
				active++
			}
		}

		if active > 0 && !force {
			return false, coord.New(coord.KindConflict, "portregistry.Clear", ErrNotEmpty, "count", active)
		}

		if len(doc.Entries) == 0 {
			return false, nil
		}

		doc.Entries = nil

		return true, nil
	})
}

// withLock acquires the registry's companion lock, loads the document,
// invokes fn, and - if fn reports a mutation - persists the document before
// releasing the lock. fn's bool return is "did I mutate doc".
func (r *Registry) withLock(fn func(doc *document) (bool, error)) error {
	callerPID := uint64(os.Getpid())

	if _, err := r.lock.Acquire(context.Background(), r.lockPath, "portregistry", r.opts.LockTimeout); err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}

	defer func() { _ = r.lock.Release(r.lockPath, callerPID, true) }()

	doc, err := r.readDocument()
	if err != nil {
		return err
	}

	mutated, err := fn(doc)
	if err != nil {
		return err
	}

	if !mutated {
		return nil
	}

	return r.persist(doc)
}

func (r *Registry) load() (*document, error) {
	return r.readDocument()
}

func (r *Registry) readDocument() (*document, error) {
	data, err := r.fs.ReadFile(r.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &document{Version: registryVersion, MinPort: r.opts.MinPort, MaxPort: r.opts.MaxPort}, nil
		}

		return nil, coord.New(coord.KindIOError, "portregistry.load", err, "path", r.registryPath)
	}

	var doc document

	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, coord.New(coord.KindCorruption, "portregistry.load", fmt.Errorf("%w: %w", ErrCorruptRegistry, err),
			"path", r.registryPath)
	}

	if doc.Entries == nil {
		doc.Entries = []Entry{}
	}

	return &doc, nil
}

func (r *Registry) persist(doc *document) error {
	if err := r.fs.MkdirAll(r.opts.RegistryDir, dirPerm); err != nil {
		return coord.New(coord.KindIOError, "portregistry.persist", err, "dir", r.opts.RegistryDir)
	}

	doc.Version = registryVersion
	doc.MinPort = r.opts.MinPort
	doc.MaxPort = r.opts.MaxPort

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return coord.New(coord.KindIOError, "portregistry.persist", err)
	}

	writer := fs.NewAtomicWriter(r.fs)

	writeErr := writer.Write(r.registryPath, strings.NewReader(string(data)), fs.AtomicWriteOptions{SyncDir: true, Perm: filePerm})
	if writeErr != nil {
		return coord.New(coord.KindIOError, "portregistry.persist", writeErr, "path", r.registryPath)
	}

	return nil
}

func isStaleEntry(e Entry, staleTimeout time.Duration) bool {
	if !lock.IsProcessAlive(e.PID) {
		return true
	}

	return time.Since(time.Unix(e.AcquiredAt, 0)) > staleTimeout
}

func removeStale(entries []Entry, staleTimeout time.Duration) []Entry {
	kept := entries[:0:0]

	for _, e := range entries {
		if !isStaleEntry(e, staleTimeout) {
			kept = append(kept, e)
		}
	}

	return kept
}

// candidatePorts returns every port in [minPort, maxPort], starting from
// preferred (if in range) and then wrapping linearly from minPort.
func candidatePorts(minPort, maxPort, preferred int) []int {
	n := maxPort - minPort + 1
	out := make([]int, 0, n)

	start := minPort
	if preferred >= minPort && preferred <= maxPort {
		start = preferred
	}

	for i := range n {
		port := minPort + (start-minPort+i)%n
		out = append(out, port)
	}

	return out
}

func sanitizeTag(tag string) string {
	var b strings.Builder

	count := 0

	for _, r := range tag {
		if count >= maxTagLength {
			break
		}

		if r <= 0x1F || r == 0x7F || (r >= 0x80 && r <= 0x9F) {
			continue
		}

		b.WriteRune(r)

		count++
	}

	return b.String()
}
