//go:build !unix

package security

// Memory locking is not available on this platform; wiping still applies.

func lockMemory(data []byte) error { return nil }

func unlockMemory(data []byte) error { return nil }
