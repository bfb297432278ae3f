// Package cache stores compiled objects on disk, addressed by the SHA-256
// digest of the program's raw instruction bytes.
//
// Layout:
//
//	<base>/.bpftime/aot-cache/lock      advisory lock, always empty
//	<base>/.bpftime/aot-cache/<digest>  encoded object
//	<base>/.bpftime/aot-cache/index.db  optional index
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/fortiblox/bpfjit/internal/logging"
)

// Layout names.
const (
	LockName  = "lock"
	IndexName = "index.db"
)

// ErrNotFound is returned when no entry exists for a digest.
var ErrNotFound = errors.New("cache entry not found")

// IOError reports a failed filesystem operation on the cache.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func isDigest(name string) bool {
	if len(name) != sha256.Size*2 {
		return false
	}
	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// RootPath returns the cache root under base, or under the working
// directory when base is empty.
func RootPath(base string) string {
	if base == "" {
		base = "."
	}
	return filepath.Join(base, ".bpftime", "aot-cache")
}

// EnsureRoot creates the cache root under home and its lock file if they
// do not exist yet.
func EnsureRoot(fs afero.Fs, home string) (root, lockPath string, err error) {
	root = RootPath(home)
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return "", "", &IOError{Op: "mkdir", Path: root, Err: err}
	}
	lockPath = filepath.Join(root, LockName)
	f, err := fs.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", "", &IOError{Op: "create", Path: lockPath, Err: err}
	}
	if err := f.Close(); err != nil {
		return "", "", &IOError{Op: "create", Path: lockPath, Err: err}
	}
	return root, lockPath, nil
}

// Options configures a Manager.
type Options struct {
	// Fs is the filesystem holding the cache. Defaults to the OS
	// filesystem.
	Fs afero.Fs

	// Home is the base directory; the root is <Home>/.bpftime/aot-cache.
	Home string

	// Index enables the index database. It needs an OS-backed Fs.
	Index bool

	Log logrus.FieldLogger
}

// Manager reads and writes cache entries under one root.
type Manager struct {
	fs       afero.Fs
	root     string
	lockPath string
	index    *index
	log      logrus.FieldLogger
	now      func() time.Time
}

// New ensures the cache root exists and returns a manager for it.
func New(opts Options) (*Manager, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	log := logging.OrDiscard(opts.Log)
	root, lockPath, err := EnsureRoot(opts.Fs, opts.Home)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		fs:       opts.Fs,
		root:     root,
		lockPath: lockPath,
		log:      log,
		now:      time.Now,
	}
	if opts.Index {
		if _, ok := opts.Fs.(*afero.OsFs); ok {
			m.index = &index{path: filepath.Join(root, IndexName)}
		} else {
			log.Warn("Cache index needs the OS filesystem, disabled")
		}
	}
	log.WithField("root", root).Debug("Using AOT cache")
	return m, nil
}

// Root returns the cache root directory.
func (m *Manager) Root() string {
	return m.root
}

// LockPath returns the lock file path.
func (m *Manager) LockPath() string {
	return m.lockPath
}

// Path returns the entry path for digest.
func (m *Manager) Path(digest string) string {
	return filepath.Join(m.root, digest)
}

// Exists reports whether an entry for digest is present.
func (m *Manager) Exists(digest string) (bool, error) {
	ok, err := afero.Exists(m.fs, m.Path(digest))
	if err != nil {
		return false, &IOError{Op: "stat", Path: m.Path(digest), Err: err}
	}
	return ok, nil
}

// TryLoad reads the entry for digest. It returns ErrNotFound when the
// entry is absent and an *IOError when it cannot be read completely. The
// caller holds the cache lock.
func (m *Manager) TryLoad(digest string) ([]byte, error) {
	path := m.Path(digest)
	st, err := m.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, &IOError{Op: "stat", Path: path, Err: err}
	}
	f, err := m.fs.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	data := make([]byte, st.Size())
	if n, err := io.ReadFull(f, data); err != nil {
		return nil, &IOError{
			Op:   "read",
			Path: path,
			Err:  fmt.Errorf("short read, %d of %d bytes: %w", n, len(data), err),
		}
	}
	m.log.WithFields(logrus.Fields{"digest": digest, "bytes": len(data)}).Debug("Read cache entry")

	if m.index != nil {
		now := m.now()
		if err := m.index.update(digest, func(r *Record) {
			if r.Size == 0 {
				r.Size = int64(len(data))
			}
			r.Hits++
			r.LastHit = now.UnixNano()
		}); err != nil {
			m.log.WithError(err).Warn("Failed to update cache index")
		}
	}
	return data, nil
}

// Store writes data as the entry for digest, replacing any previous entry
// atomically. triple is recorded in the index when enabled. The caller
// holds the cache lock.
func (m *Manager) Store(digest string, data []byte, triple string) error {
	path := m.Path(digest)
	tmp, err := afero.TempFile(m.fs, m.root, digest+".tmp")
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = m.fs.Remove(tmpName)
		return &IOError{Op: "write", Path: tmpName, Err: werr}
	}
	if err := m.fs.Rename(tmpName, path); err != nil {
		_ = m.fs.Remove(tmpName)
		return &IOError{Op: "rename", Path: path, Err: err}
	}

	if m.index != nil {
		now := m.now()
		if err := m.index.update(digest, func(r *Record) {
			r.Size = int64(len(data))
			r.Triple = triple
			r.StoredAt = now.UnixNano()
		}); err != nil {
			m.log.WithError(err).Warn("Failed to update cache index")
		}
	}
	return nil
}

// Entry describes one cached object.
type Entry struct {
	Digest  string
	Size    int64
	ModTime time.Time

	// Record is the index record, nil when the index is disabled or has
	// no record for the digest.
	Record *Record
}

// List returns the entries in the cache sorted by digest. The caller holds
// the cache lock when the index is enabled.
func (m *Manager) List() ([]Entry, error) {
	infos, err := afero.ReadDir(m.fs, m.root)
	if err != nil {
		return nil, &IOError{Op: "list", Path: m.root, Err: err}
	}
	var records map[string]Record
	if m.index != nil {
		if records, err = m.index.all(); err != nil {
			return nil, &IOError{Op: "read index", Path: m.index.path, Err: err}
		}
	}

	var out []Entry
	for _, fi := range infos {
		if fi.IsDir() || !isDigest(fi.Name()) {
			continue
		}
		e := Entry{Digest: fi.Name(), Size: fi.Size(), ModTime: fi.ModTime()}
		if r, ok := records[e.Digest]; ok {
			r := r
			e.Record = &r
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digest < out[j].Digest })
	return out, nil
}
