package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the clinicd document store.
//
// Security model:
//  1. File permissions: 0600 (owner read/write only)
//  2. Document confidentiality and integrity: AES-256-GCM, see encrypted.go
//  3. key_id tags record which key wrote each document, driving rotation
//     migration and key-mismatch corruption detection
//  4. corrupted_documents is append-only diagnostics, cleared only by
//     explicit operator action
const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT PRIMARY KEY,
    revision    INTEGER NOT NULL,
    ciphertext  BLOB NOT NULL,
    key_id      TEXT NOT NULL,
    degraded    INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_key ON documents(key_id);

CREATE TABLE IF NOT EXISTS corrupted_documents (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    doc_id         TEXT NOT NULL,
    key_id         TEXT,
    detected_at    INTEGER NOT NULL,
    error_summary  TEXT NOT NULL,
    recoverable    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_corrupted_doc ON corrupted_documents(doc_id);

CREATE TABLE IF NOT EXISTS key_salt (
    name        TEXT PRIMARY KEY,
    salt        BLOB NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS key_versions (
    key_id      TEXT PRIMARY KEY,
    version     INTEGER NOT NULL UNIQUE,
    key_hash    TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    rotated_at  INTEGER,
    rotated_by  TEXT,
    is_active   INTEGER NOT NULL DEFAULT 0
);
`

// Store is the SQLite-backed encrypted document store. It holds no key
// material: every document operation takes the key as an argument.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LoadOrCreateSalt returns the persisted salt with the given well-known
// name, creating it via gen on first use. The salt is non-secret,
// long-lived state used to re-derive the same key across restarts.
func (s *Store) LoadOrCreateSalt(ctx context.Context, name string, gen func() ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var salt []byte
	err := s.db.QueryRowContext(ctx, `SELECT salt FROM key_salt WHERE name = ?`, name).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load salt: %w", err)
	}

	salt, err = gen()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO key_salt (name, salt, created_at) VALUES (?, ?, ?)`,
		name, salt, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

// AppendKeyVersion records a newly derived key as the active version,
// deactivating all previous versions in the same transaction.
// Re-deriving the same key (same key_id) only reactivates its row.
func (s *Store) AppendKeyVersion(ctx context.Context, kv KeyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()

	if _, err := tx.ExecContext(ctx,
		`UPDATE key_versions SET is_active = 0, rotated_at = COALESCE(rotated_at, ?) WHERE is_active = 1 AND key_id != ?`,
		now, kv.KeyID); err != nil {
		return fmt.Errorf("deactivate key versions: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM key_versions WHERE key_id = ?`, kv.KeyID).Scan(&exists)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `UPDATE key_versions SET is_active = 1 WHERE key_id = ?`, kv.KeyID); err != nil {
			return fmt.Errorf("reactivate key version: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		var version int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM key_versions`).Scan(&version); err != nil {
			return fmt.Errorf("next key version: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO key_versions (key_id, version, key_hash, created_at, rotated_by, is_active) VALUES (?, ?, ?, ?, ?, 1)`,
			kv.KeyID, version, kv.KeyHash, kv.CreatedAt.UnixNano(), kv.RotatedBy); err != nil {
			return fmt.Errorf("insert key version: %w", err)
		}
	default:
		return fmt.Errorf("check key version: %w", err)
	}

	return tx.Commit()
}

// ActiveKeyVersion returns the active key version, or nil when none exists.
func (s *Store) ActiveKeyVersion(ctx context.Context) (*KeyVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key_id, version, key_hash, created_at, rotated_at, rotated_by, is_active
		 FROM key_versions WHERE is_active = 1`)
	kv, err := scanKeyVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return kv, err
}

// KeyVersions returns the full append-only key history, oldest first.
func (s *Store) KeyVersions(ctx context.Context) ([]KeyVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, version, key_hash, created_at, rotated_at, rotated_by, is_active
		 FROM key_versions ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query key versions: %w", err)
	}
	defer rows.Close()

	var versions []KeyVersion
	for rows.Next() {
		kv, err := scanKeyVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *kv)
	}
	return versions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKeyVersion(row rowScanner) (*KeyVersion, error) {
	var kv KeyVersion
	var createdNs int64
	var rotatedNs sql.NullInt64
	var rotatedBy sql.NullString
	var active int

	if err := row.Scan(&kv.KeyID, &kv.Version, &kv.KeyHash, &createdNs, &rotatedNs, &rotatedBy, &active); err != nil {
		return nil, err
	}

	kv.CreatedAt = time.Unix(0, createdNs)
	if rotatedNs.Valid {
		t := time.Unix(0, rotatedNs.Int64)
		kv.RotatedAt = &t
	}
	kv.RotatedBy = rotatedBy.String
	kv.IsActive = active == 1
	return &kv, nil
}

// recordCorruption appends a corrupted-document record. Bookkeeping
// failures are swallowed: corruption tracking must not mask the
// original failure.
func (s *Store) recordCorruption(ctx context.Context, docID, keyID, summary string, recoverable bool) {
	rec := 0
	if recoverable {
		rec = 1
	}
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO corrupted_documents (doc_id, key_id, detected_at, error_summary, recoverable) VALUES (?, ?, ?, ?, ?)`,
		docID, keyID, time.Now().UnixNano(), summary, rec)
}

// CorruptedDocuments returns all corruption records, newest first.
func (s *Store) CorruptedDocuments(ctx context.Context) ([]CorruptedDocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc_id, key_id, detected_at, error_summary, recoverable
		 FROM corrupted_documents ORDER BY detected_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query corrupted documents: %w", err)
	}
	defer rows.Close()

	var records []CorruptedDocumentRecord
	for rows.Next() {
		var r CorruptedDocumentRecord
		var keyID sql.NullString
		var detectedNs int64
		var rec int
		if err := rows.Scan(&r.ID, &r.DocID, &keyID, &detectedNs, &r.ErrorSummary, &rec); err != nil {
			return nil, fmt.Errorf("scan corrupted document: %w", err)
		}
		r.KeyID = keyID.String
		r.DetectedAt = time.Unix(0, detectedNs)
		r.Recoverable = rec == 1
		records = append(records, r)
	}
	return records, rows.Err()
}

// ClearCorrupted removes corruption records for a document. This is an
// explicit operator action taken after recovery or purge.
func (s *Store) ClearCorrupted(ctx context.Context, docID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM corrupted_documents WHERE doc_id = ?`, docID)
	if err != nil {
		return 0, fmt.Errorf("clear corrupted records: %w", err)
	}
	return res.RowsAffected()
}

// GetStats returns store counters.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&stats.DocumentCount); err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM corrupted_documents`).Scan(&stats.CorruptedCount); err != nil {
		return nil, fmt.Errorf("count corrupted: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE degraded = 1`).Scan(&stats.DegradedCount); err != nil {
		return nil, fmt.Errorf("count degraded: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_versions`).Scan(&stats.KeyVersions); err != nil {
		return nil, fmt.Errorf("count key versions: %w", err)
	}
	return stats, nil
}
