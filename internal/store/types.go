// Package store provides the encrypted SQLite document store for clinicd.
package store

import (
	"errors"
	"fmt"
	"time"
)

// Document is a decrypted document as returned to callers.
type Document struct {
	ID        string
	Revision  int64
	Plaintext []byte
	Degraded  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CorruptedDocumentRecord is appended whenever a document fails to
// decrypt or authenticate. Records are cleared only by explicit
// operator action.
type CorruptedDocumentRecord struct {
	ID           int64
	DocID        string
	KeyID        string
	DetectedAt   time.Time
	ErrorSummary string
	Recoverable  bool
}

// KeyVersion is the persisted, non-secret record of a derived key.
// History is append-only; exactly one version is active at a time.
type KeyVersion struct {
	KeyID     string
	Version   int64
	KeyHash   string
	CreatedAt time.Time
	RotatedAt *time.Time
	RotatedBy string
	IsActive  bool
}

// Store errors.
var (
	ErrNoKey             = errors.New("store: no encryption key provided")
	ErrDocumentCorrupted = errors.New("store: document corrupted")
)

// CorruptionError reports a document that failed decryption or
// authentication. It wraps ErrDocumentCorrupted.
type CorruptionError struct {
	DocID       string
	Recoverable bool
	Summary     string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store: document %s corrupted (recoverable=%v): %s", e.DocID, e.Recoverable, e.Summary)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrDocumentCorrupted
}

// MigrationReport summarizes a key-rotation migration pass.
type MigrationReport struct {
	Migrated int
	Skipped  int
	Failed   int
}

// VerifyReport summarizes an integrity sweep.
type VerifyReport struct {
	Verified  int
	Failed    int
	Degraded  int
	FailedIDs []string
}

// Stats reports store counters for status displays.
type Stats struct {
	DocumentCount  int64
	CorruptedCount int64
	DegradedCount  int64
	KeyVersions    int64
}
