package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileLockerAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	locker := NewFileLocker()
	l, err := locker.AcquireLock(context.Background(), path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Errorf("lock file missing: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Error("lock file not removed on release")
	}
}

func TestFileLockerBlocksUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	locker := &FileLocker{retryInterval: 10 * time.Millisecond}

	first, err := locker.AcquireLock(context.Background(), path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		l, err := locker.AcquireLock(context.Background(), path)
		if err == nil {
			l.Release()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("second acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestFileLockerContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	locker := &FileLocker{retryInterval: 10 * time.Millisecond}

	held, err := locker.AcquireLock(context.Background(), path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := locker.AcquireLock(ctx, path); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestNoOpLocker(t *testing.T) {
	l, err := NewNoOpLocker().AcquireLock(context.Background(), "/some/path")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
}
