package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// AES-GCM nonce size. The GCM authentication tag appended by Seal is the
// document's integrity tag; tampering or a wrong key fails Open.
const nonceSize = 12

// Put encrypts plaintext under key and stores it, creating the document
// or bumping its revision. The stored row is tagged with keyID so later
// reads can detect key mismatches and rotation can skip migrated rows.
func (s *Store) Put(ctx context.Context, id string, plaintext, key []byte, keyID string) (*Document, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}

	ciphertext, err := encrypt(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt document %s: %w", id, err)
	}

	return s.upsert(ctx, id, ciphertext, keyID, false, plaintext)
}

// PutPlaintext stores a document without encryption. This is the
// deliberate degraded-mode availability path: rows are tagged
// degraded=1 so ReencryptDegraded can pick them up once a key is
// restored. Callers gate access through the key manager's degraded
// state; this is never a silent downgrade.
func (s *Store) PutPlaintext(ctx context.Context, id string, plaintext []byte) (*Document, error) {
	return s.upsert(ctx, id, plaintext, "", true, plaintext)
}

func (s *Store) upsert(ctx context.Context, id string, stored []byte, keyID string, degraded bool, plaintext []byte) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	deg := 0
	if degraded {
		deg = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var revision, createdNs int64
	err = tx.QueryRowContext(ctx, `SELECT revision, created_at FROM documents WHERE id = ?`, id).Scan(&revision, &createdNs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		revision = 1
		createdNs = now.UnixNano()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (id, revision, ciphertext, key_id, degraded, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, revision, stored, keyID, deg, createdNs, now.UnixNano())
	case err == nil:
		revision++
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET revision = ?, ciphertext = ?, key_id = ?, degraded = ?, updated_at = ? WHERE id = ?`,
			revision, stored, keyID, deg, now.UnixNano(), id)
	default:
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("write document %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Document{
		ID:        id,
		Revision:  revision,
		Plaintext: plaintext,
		Degraded:  degraded,
		CreatedAt: time.Unix(0, createdNs),
		UpdatedAt: now,
	}, nil
}

// Get loads and decrypts a document. A missing id returns (nil, nil).
// Any decryption or authentication failure is normalized into a
// CorruptionError and appended to corrupted_documents; raw crypto
// errors never reach callers.
func (s *Store) Get(ctx context.Context, id string, key []byte, keyID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, revision, ciphertext, key_id, degraded, created_at, updated_at FROM documents WHERE id = ?`, id)

	doc, err := s.decryptRow(ctx, row, key, keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

// AllDocs returns every document decryptable with key. Documents that
// fail decryption are skipped and recorded as corrupted: one bad
// document must not block access to the rest.
func (s *Store) AllDocs(ctx context.Context, key []byte, keyID string) ([]Document, error) {
	return s.AllDocsWithPrefix(ctx, "", key, keyID)
}

// AllDocsWithPrefix returns decryptable documents whose id starts with
// prefix, with the same partial-failure semantics as AllDocs.
func (s *Store) AllDocsWithPrefix(ctx context.Context, prefix string, key []byte, keyID string) ([]Document, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, revision, ciphertext, key_id, degraded, created_at, updated_at
		 FROM documents WHERE id LIKE ? ESCAPE '\' ORDER BY updated_at DESC`,
		likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := s.decryptRow(ctx, rows, key, keyID)
		if err != nil {
			if errors.Is(err, ErrDocumentCorrupted) {
				continue
			}
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// decryptRow scans and decrypts one document row, recording corruption.
func (s *Store) decryptRow(ctx context.Context, row rowScanner, key []byte, keyID string) (*Document, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}

	var doc Document
	var ciphertext []byte
	var rowKeyID string
	var degraded int
	var createdNs, updatedNs int64

	if err := row.Scan(&doc.ID, &doc.Revision, &ciphertext, &rowKeyID, &degraded, &createdNs, &updatedNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.CreatedAt = time.Unix(0, createdNs)
	doc.UpdatedAt = time.Unix(0, updatedNs)

	// Degraded rows were written without encryption; return them tagged.
	if degraded == 1 {
		doc.Plaintext = ciphertext
		doc.Degraded = true
		return &doc, nil
	}

	// A key-id mismatch means the document was written under a different
	// key. Decrypting it with this key would fail authentication anyway;
	// report it as corrupted (recoverable: the other key may still exist)
	// rather than attempting and returning a raw crypto error.
	if rowKeyID != keyID {
		summary := fmt.Sprintf("written under key %s, read with key %s", rowKeyID, keyID)
		s.recordCorruption(ctx, doc.ID, rowKeyID, summary, true)
		return nil, &CorruptionError{DocID: doc.ID, Recoverable: true, Summary: summary}
	}

	plaintext, err := decrypt(ciphertext, key)
	if err != nil {
		summary := "authentication failed"
		s.recordCorruption(ctx, doc.ID, rowKeyID, summary, false)
		return nil, &CorruptionError{DocID: doc.ID, Recoverable: false, Summary: summary}
	}

	doc.Plaintext = plaintext
	return &doc, nil
}

// RotateAndMigrate re-encrypts every document written under oldKeyID
// with newKey. The pass is idempotent per document: rows already tagged
// newKeyID are skipped, so a crashed or cancelled migration resumes
// cleanly on retry. Documents that fail to decrypt are recorded as
// corrupted and counted, not fatal.
func (s *Store) RotateAndMigrate(ctx context.Context, oldKey []byte, oldKeyID string, newKey []byte, newKeyID string) (*MigrationReport, error) {
	if len(oldKey) == 0 || len(newKey) == 0 {
		return nil, ErrNoKey
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, key_id, degraded FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}

	type target struct {
		id       string
		keyID    string
		degraded bool
	}
	var targets []target
	for rows.Next() {
		var t target
		var deg int
		if err := rows.Scan(&t.id, &t.keyID, &deg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		t.degraded = deg == 1
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	rows.Close()

	report := &MigrationReport{}
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		// Already migrated, or written under some other historical key
		// this pass does not own. Degraded rows are handled by
		// ReencryptDegraded, not rotation.
		if t.keyID == newKeyID || t.degraded || t.keyID != oldKeyID {
			report.Skipped++
			continue
		}

		doc, err := s.Get(ctx, t.id, oldKey, oldKeyID)
		if err != nil {
			report.Failed++
			continue
		}
		if doc == nil {
			report.Skipped++
			continue
		}

		if _, err := s.Put(ctx, t.id, doc.Plaintext, newKey, newKeyID); err != nil {
			report.Failed++
			continue
		}
		report.Migrated++
	}

	return report, nil
}

// ReencryptDegraded encrypts all degraded-mode rows under key, clearing
// their degraded tag. Run after the key is restored.
func (s *Store) ReencryptDegraded(ctx context.Context, key []byte, keyID string) (int, error) {
	if len(key) == 0 {
		return 0, ErrNoKey
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, ciphertext FROM documents WHERE degraded = 1`)
	if err != nil {
		return 0, fmt.Errorf("query degraded documents: %w", err)
	}

	type degradedDoc struct {
		id        string
		plaintext []byte
	}
	var targets []degradedDoc
	for rows.Next() {
		var d degradedDoc
		if err := rows.Scan(&d.id, &d.plaintext); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan degraded document: %w", err)
		}
		targets = append(targets, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate degraded documents: %w", err)
	}
	rows.Close()

	count := 0
	for _, d := range targets {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if _, err := s.Put(ctx, d.id, d.plaintext, key, keyID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// DegradedDocIDs lists documents written while degraded, pending
// re-encryption.
func (s *Store) DegradedDocIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE degraded = 1 ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query degraded documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// VerifyAll runs an integrity sweep: every document (or the first limit
// documents when limit > 0) is decrypted and its GCM tag checked,
// without mutating any row. Failures are counted and recorded but do
// not abort the sweep.
func (s *Store) VerifyAll(ctx context.Context, key []byte, keyID string, limit int) (*VerifyReport, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}

	query := `SELECT id, key_id, ciphertext, degraded FROM documents ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	report := &VerifyReport{}
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var id, rowKeyID string
		var ciphertext []byte
		var degraded int
		if err := rows.Scan(&id, &rowKeyID, &ciphertext, &degraded); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}

		if degraded == 1 {
			report.Degraded++
			continue
		}

		if rowKeyID != keyID {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, id)
			s.recordCorruption(ctx, id, rowKeyID, "key mismatch during verification", true)
			continue
		}

		if _, err := decrypt(ciphertext, key); err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, id)
			s.recordCorruption(ctx, id, rowKeyID, "authentication failed during verification", false)
			continue
		}
		report.Verified++
	}
	return report, rows.Err()
}

// Purge permanently deletes a document. Documents are never deleted
// except through this explicit path.
func (s *Store) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("purge document %s: %w", id, err)
	}
	return nil
}

// encrypt seals plaintext with AES-256-GCM using a random nonce, which
// is prepended to the ciphertext.
func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens nonce-prefixed AES-256-GCM ciphertext.
func decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
}

// likePrefix escapes a prefix for use in a LIKE pattern.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}
