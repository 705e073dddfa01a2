//go:build !unix

package security

import "os"

// File locking is advisory only on platforms without flock.

func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
