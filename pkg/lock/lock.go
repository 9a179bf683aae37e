// Package lock guards image files against concurrent builds of the same
// output path.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Locker provides locking for concurrent builds of the same image path.
// AcquireLock blocks until the lock is acquired or the context is
// cancelled.
type Locker interface {
	AcquireLock(ctx context.Context, path string) (Lock, error)
}

// Lock represents an acquired lock that must be released
type Lock interface {
	Release() error
}

// FileLocker implements Locker with a sidecar lock file next to the image.
// The lock file is created with O_EXCL, so only one process holds it; a
// stale file from a crashed build has to be removed by hand.
type FileLocker struct {
	retryInterval time.Duration
}

func NewFileLocker() *FileLocker {
	return &FileLocker{retryInterval: 100 * time.Millisecond}
}

func (l *FileLocker) AcquireLock(ctx context.Context, path string) (Lock, error) {
	lockPath := path + ".lock"

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &fileLock{path: lockPath}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file %s: %w", lockPath, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, ctx.Err())
		case <-time.After(l.retryInterval):
		}
	}
}

type fileLock struct {
	path string
}

func (l *fileLock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file %s: %w", l.path, err)
	}
	return nil
}
