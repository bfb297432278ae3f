package cache

import (
	"errors"
	"os"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// localLocks serializes lock holders on filesystems without file
// descriptors, keyed by lock path.
var localLocks sync.Map

// Lock is an exclusive hold on the cache root.
type Lock struct {
	file   afero.File
	local  *sync.Mutex
	mu     sync.Mutex
	closed bool
}

// Lock acquires the cache lock, blocking until it is available. On the OS
// filesystem this is an advisory flock that also excludes other processes.
func (m *Manager) Lock() (*Lock, error) {
	f, err := m.fs.OpenFile(m.lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &IOError{Op: "open", Path: m.lockPath, Err: err}
	}
	if osf, ok := f.(*os.File); ok {
		for {
			err = unix.Flock(int(osf.Fd()), unix.LOCK_EX)
			if !errors.Is(err, unix.EINTR) {
				break
			}
		}
		if err != nil {
			_ = f.Close()
			return nil, &IOError{Op: "flock", Path: m.lockPath, Err: err}
		}
		return &Lock{file: f}, nil
	}

	v, _ := localLocks.LoadOrStore(m.lockPath, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()
	return &Lock{file: f, local: mu}, nil
}

// Unlock releases the lock. Calling it again is a no-op.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.local != nil {
		l.local.Unlock()
		return l.file.Close()
	}
	// Closing the descriptor drops the flock.
	return l.file.Close()
}
