package config

import (
	"os"
	"path/filepath"
)

const lockFileName = "harvest.lock"

// FileLock provides file-based locking for cross-process synchronization.
// It uses a separate lock file rather than locking the data file directly.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a new FileLock for the given path.
// The lock file will be created in the same directory as the given path.
func NewFileLock(path string) *FileLock {
	lockPath := filepath.Join(filepath.Dir(path), lockFileName)
	return &FileLock{
		path: lockPath,
	}
}

// GetCredentialsLock returns a FileLock guarding the git credentials
// file. Sequential sessions against the same repository share one
// credentials file, so writes must be serialized across processes.
func GetCredentialsLock(credentialsPath string) *FileLock {
	return NewFileLock(credentialsPath)
}
