//go:build unix

package security

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile acquires an exclusive non-blocking lock using flock.
func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// unlockFile releases the lock on a file.
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
