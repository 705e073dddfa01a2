package security

import (
	"runtime"
	"sync"
)

// SecureBytes is a byte slice that is zeroed when destroyed.
// Use this for sensitive data like derived keys and secrets.
// On unix platforms the backing memory is locked to prevent swapping
// when privileges allow (see memory_unix.go).
type SecureBytes struct {
	data      []byte
	locked    bool
	destroyed bool
	mu        sync.Mutex
}

// NewSecureBytes creates SecureBytes holding a copy of data.
// The original slice is wiped after copying.
func NewSecureBytes(data []byte) *SecureBytes {
	sb := &SecureBytes{
		data: make([]byte, len(data)),
	}
	copy(sb.data, data)
	Wipe(data)

	// mlock failure is non-fatal: the process may lack the privilege.
	if err := lockMemory(sb.data); err == nil {
		sb.locked = true
	}

	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})

	return sb
}

// Bytes returns the underlying byte slice.
// The returned slice must not be stored; use it immediately.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	return s.data
}

// Len returns the length of the held data, or 0 after Destroy.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return 0
	}
	return len(s.data)
}

// Destroy wipes and releases the held data. Safe to call repeatedly.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	Wipe(s.data)
	if s.locked {
		_ = unlockMemory(s.data)
		s.locked = false
	}
	s.data = nil
	s.destroyed = true
	runtime.SetFinalizer(s, nil)
}

// Wipe overwrites memory with zeros to prevent recovery.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
