//go:build !windows

package config

import (
	"fmt"
	"os"
	"syscall"
)

// Lock takes the exclusive flock, blocking until it is available. The
// lock file sits beside the guarded file and is created owner-only,
// matching the credential store it usually protects.
func (l *FileLock) Lock() error {
	return l.acquire(os.O_RDWR, syscall.LOCK_EX)
}

// RLock takes a shared flock; concurrent readers may hold it together.
func (l *FileLock) RLock() error {
	return l.acquire(os.O_RDONLY, syscall.LOCK_SH)
}

func (l *FileLock) acquire(openFlag, lockFlag int) error {
	if l.file != nil {
		return fmt.Errorf("lock already held")
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|openFlag, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), lockFlag); err != nil {
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

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	l.file = nil
	return nil
}
