package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// File permission constants
const (
	// PermSecretFile is the permission for files containing clinical data or key state.
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is the permission for directories containing clinical data.
	PermSecretDir os.FileMode = 0700
)

// File operation errors
var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrAlreadyLocked       = errors.New("security: data directory is locked by another process")
)

// WriteSecretFile writes data to a file atomically with 0600 permissions.
// The file is written to a temporary file first, then renamed into place.
func WriteSecretFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tempPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, PermSecretFile)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// ReadSecretFile reads a file and verifies its permissions are owner-only.
func ReadSecretFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if runtime.GOOS != "windows" {
		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			return nil, fmt.Errorf("%w: file %s has mode %04o, expected %04o",
				ErrInsecurePermissions, path, mode, PermSecretFile)
		}
	}

	return os.ReadFile(path)
}

// EnsureSecureDir ensures a directory exists with owner-only permissions,
// tightening existing permissions if needed.
func EnsureSecureDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, PermSecretDir)
		}
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("security: %s is not a directory", path)
	}

	if runtime.GOOS != "windows" {
		if info.Mode().Perm()&0077 != 0 {
			if err := os.Chmod(path, PermSecretDir); err != nil {
				return fmt.Errorf("fix directory permissions: %w", err)
			}
		}
	}

	return nil
}

// ProcessLock holds an exclusive flock on a data directory, enforcing the
// single-process assumption for the key manager and document store.
type ProcessLock struct {
	file *os.File
}

// AcquireProcessLock takes an exclusive lock on <dir>/.lock.
func AcquireProcessLock(dir string) (*ProcessLock, error) {
	if err := EnsureSecureDir(dir); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_RDWR|os.O_CREATE, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrAlreadyLocked, err)
	}

	return &ProcessLock{file: f}, nil
}

// Release drops the lock. Safe to call on a nil lock.
func (l *ProcessLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// randomSuffix generates a random suffix for temporary files.
func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
