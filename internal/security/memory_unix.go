//go:build unix

package security

import "golang.org/x/sys/unix"

// lockMemory pins the pages backing data in RAM so key material is not swapped.
func lockMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Mlock(data)
}

// unlockMemory releases pages previously pinned by lockMemory.
func unlockMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munlock(data)
}
