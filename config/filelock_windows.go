//go:build windows

package config

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// Lock takes an exclusive LockFileEx lock, blocking until available.
func (l *FileLock) Lock() error {
	return l.acquire(os.O_RDWR, windows.LOCKFILE_EXCLUSIVE_LOCK)
}

// RLock takes a shared lock; concurrent readers may hold it together.
func (l *FileLock) RLock() error {
	return l.acquire(os.O_RDONLY, 0)
}

func (l *FileLock) acquire(openFlag int, lockFlags uint32) error {
	if l.file != nil {
		return fmt.Errorf("lock already held")
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|openFlag, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	// One byte at offset zero is enough; every locker uses the same
	// range.
	ol := new(windows.Overlapped)
	if err := windows.LockFileEx(windows.Handle(f.Fd()), lockFlags, 0, 1, 0, ol); err != nil {
		f.Close()
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.file = f
	return nil
}

// Unlock releases the lock. Safe to call when no lock is held.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	ol := new(windows.Overlapped)
	if err := windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, ol); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	l.file = nil
	return nil
}
