// Package lock provides the instance lock that keeps a single scheduler
// active per deployment. Acquisition never blocks: a lock held elsewhere is
// reported as (nil, false, nil) and the caller backs off.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases on one well-known lock.
type Locker interface {
	TryAcquire(ctx context.Context) (Lease, bool, error)
}

// FileLocker is an exclusive flock(2) on a well-known path, scoped to one host.
type FileLocker struct {
	path string
}

// NewFileLocker builds a locker for path; the file is created on first use.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

func (l *FileLocker) Path() string { return l.path }

// TryAcquire takes the lock without blocking and writes the owning pid into the file.
func (l *FileLocker) TryAcquire(_ context.Context) (Lease, bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, false, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	// The pid is diagnostic only; failing to write it does not void the lock.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &fileLease{f: f}, true, nil
}

type fileLease struct {
	mu sync.Mutex
	f  *os.File
}

func (l *fileLease) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}
	return nil
}
