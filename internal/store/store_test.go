package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestOpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey(0xaa)

	plaintext := []byte(`{"stage":"registration","status":"open"}`)
	doc, err := s.Put(ctx, "session:abc", plaintext, key, "key-1")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if doc.Revision != 1 {
		t.Errorf("expected revision 1, got %d", doc.Revision)
	}

	got, err := s.Get(ctx, "session:abc", key, "key-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if !bytes.Equal(got.Plaintext, plaintext) {
		t.Error("round trip mismatch")
	}
}

func TestPutBumpsRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey(0xaa)

	if _, err := s.Put(ctx, "d1", []byte("v1"), key, "key-1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	doc, err := s.Put(ctx, "d1", []byte("v2"), key, "key-1")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if doc.Revision != 2 {
		t.Errorf("expected revision 2, got %d", doc.Revision)
	}

	got, _ := s.Get(ctx, "d1", key, "key-1")
	if string(got.Plaintext) != "v2" {
		t.Error("latest write should win")
	}
}

func TestPutRequiresKey(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put(context.Background(), "d1", []byte("x"), nil, "key-1"); err != ErrNoKey {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Get(context.Background(), "missing", testKey(1), "key-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc != nil {
		t.Error("expected nil for missing document")
	}
}

func TestKeyIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "d1", []byte("secret"), testKey(1), "key-1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Reading with a different key id is corruption, never wrong data.
	doc, err := s.Get(ctx, "d1", testKey(2), "key-2")
	if err == nil || doc != nil {
		t.Fatal("expected corruption error for mismatched key")
	}
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CorruptionError, got %T", err)
	}
	if !ce.Recoverable {
		t.Error("key mismatch should be recoverable")
	}

	records, err := s.CorruptedDocuments(ctx)
	if err != nil {
		t.Fatalf("CorruptedDocuments failed: %v", err)
	}
	if len(records) != 1 || records[0].DocID != "d1" {
		t.Errorf("expected one corruption record for d1, got %+v", records)
	}
}

func TestTamperedCiphertextIsCorrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey(7)

	if _, err := s.Put(ctx, "d1", []byte("clinical data"), key, "key-1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Flip a ciphertext byte directly in the database.
	if _, err := s.db.Exec(`UPDATE documents SET ciphertext = X'0000000000000000000000000000' WHERE id = 'd1'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	doc, err := s.Get(ctx, "d1", key, "key-1")
	if err == nil || doc != nil {
		t.Fatal("expected corruption error for tampered ciphertext")
	}
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CorruptionError, got %T", err)
	}
	if ce.Recoverable {
		t.Error("authentication failure should be unrecoverable")
	}
}

func TestAllDocsPartialCorruption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey(3)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if _, err := s.Put(ctx, id, []byte("doc-"+id), key, "key-1"); err != nil {
			t.Fatalf("Put %s failed: %v", id, err)
		}
	}

	// Corrupt exactly one document.
	if _, err := s.db.Exec(`UPDATE documents SET ciphertext = X'00' WHERE id = 'c'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	docs, err := s.AllDocs(ctx, key, "key-1")
	if err != nil {
		t.Fatalf("AllDocs failed: %v", err)
	}
	if len(docs) != 4 {
		t.Errorf("expected 4 readable documents, got %d", len(docs))
	}

	records, _ := s.CorruptedDocuments(ctx)
	if len(records) != 1 || records[0].DocID != "c" {
		t.Errorf("expected exactly one corruption record for c, got %+v", records)
	}
}

func TestAllDocsWithPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey(4)

	for _, id := range []string{"session:1", "session:2", "form:1"} {
		if _, err := s.Put(ctx, id, []byte(id), key, "key-1"); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	docs, err := s.AllDocsWithPrefix(ctx, "session:", key, "key-1")
	if err != nil {
		t.Fatalf("AllDocsWithPrefix failed: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("expected 2 session documents, got %d", len(docs))
	}
}

func TestRotateAndMigrateCompleteness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	oldKey, newKey := testKey(1), testKey(2)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		if _, err := s.Put(ctx, id, []byte("doc-"+id), oldKey, "key-old"); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	before, err := s.AllDocs(ctx, oldKey, "key-old")
	if err != nil {
		t.Fatalf("AllDocs failed: %v", err)
	}

	report, err := s.RotateAndMigrate(ctx, oldKey, "key-old", newKey, "key-new")
	if err != nil {
		t.Fatalf("RotateAndMigrate failed: %v", err)
	}
	if report.Migrated != len(ids) {
		t.Errorf("expected %d migrated, got %d", len(ids), report.Migrated)
	}

	after, err := s.AllDocs(ctx, newKey, "key-new")
	if err != nil {
		t.Fatalf("AllDocs after rotation failed: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("rotation lost documents: %d -> %d", len(before), len(after))
	}

	// The old key can no longer read anything.
	remnants, err := s.AllDocs(ctx, oldKey, "key-old")
	if err != nil {
		t.Fatalf("AllDocs with old key failed: %v", err)
	}
	if len(remnants) != 0 {
		t.Errorf("old key still reads %d documents", len(remnants))
	}
}

func TestRotateAndMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	oldKey, newKey := testKey(1), testKey(2)

	if _, err := s.Put(ctx, "a", []byte("doc"), oldKey, "key-old"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := s.RotateAndMigrate(ctx, oldKey, "key-old", newKey, "key-new"); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	// A retry skips everything already tagged with the new key.
	report, err := s.RotateAndMigrate(ctx, oldKey, "key-old", newKey, "key-new")
	if err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if report.Migrated != 0 || report.Skipped != 1 {
		t.Errorf("expected retry to skip, got %+v", report)
	}
}

func TestVerifyAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey(9)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Put(ctx, id, []byte("doc"), key, "key-1"); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if _, err := s.db.Exec(`UPDATE documents SET ciphertext = X'00' WHERE id = 'b'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := s.VerifyAll(ctx, key, "key-1", 0)
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if report.Verified != 2 || report.Failed != 1 {
		t.Errorf("expected 2 verified, 1 failed; got %+v", report)
	}
	if len(report.FailedIDs) != 1 || report.FailedIDs[0] != "b" {
		t.Errorf("expected failed id b, got %v", report.FailedIDs)
	}

	// Verification must not mutate documents.
	doc, err := s.Get(ctx, "a", key, "key-1")
	if err != nil || doc == nil {
		t.Fatalf("Get after verify failed: %v", err)
	}
}

func TestDegradedWriteAndReencrypt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey(5)

	if _, err := s.PutPlaintext(ctx, "d1", []byte("degraded data")); err != nil {
		t.Fatalf("PutPlaintext failed: %v", err)
	}

	ids, err := s.DegradedDocIDs(ctx)
	if err != nil {
		t.Fatalf("DegradedDocIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "d1" {
		t.Errorf("expected d1 pending, got %v", ids)
	}

	// Degraded rows are readable and tagged.
	doc, err := s.Get(ctx, "d1", key, "key-1")
	if err != nil {
		t.Fatalf("Get degraded failed: %v", err)
	}
	if !doc.Degraded {
		t.Error("expected degraded tag")
	}

	n, err := s.ReencryptDegraded(ctx, key, "key-1")
	if err != nil {
		t.Fatalf("ReencryptDegraded failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 re-encrypted, got %d", n)
	}

	ids, _ = s.DegradedDocIDs(ctx)
	if len(ids) != 0 {
		t.Errorf("expected no pending degraded docs, got %v", ids)
	}

	doc, err = s.Get(ctx, "d1", key, "key-1")
	if err != nil {
		t.Fatalf("Get after reencrypt failed: %v", err)
	}
	if doc.Degraded {
		t.Error("degraded tag should be cleared")
	}
	if string(doc.Plaintext) != "degraded data" {
		t.Error("content lost during re-encryption")
	}
}

func TestClearCorrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "d1", []byte("x"), testKey(1), "key-1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	_, _ = s.Get(ctx, "d1", testKey(2), "key-2") // records corruption

	n, err := s.ClearCorrupted(ctx, "d1")
	if err != nil {
		t.Fatalf("ClearCorrupted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 cleared record, got %d", n)
	}
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey(1)

	if _, err := s.Put(ctx, "d1", []byte("x"), key, "key-1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Purge(ctx, "d1"); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	doc, err := s.Get(ctx, "d1", key, "key-1")
	if err != nil || doc != nil {
		t.Error("purged document should be gone")
	}
}

func TestLoadOrCreateSaltStable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	gen := func() ([]byte, error) { return []byte("generated-salt-material"), nil }

	s1, err := s.LoadOrCreateSalt(ctx, "session-key", gen)
	if err != nil {
		t.Fatalf("LoadOrCreateSalt failed: %v", err)
	}

	calls := 0
	s2, err := s.LoadOrCreateSalt(ctx, "session-key", func() ([]byte, error) {
		calls++
		return []byte("different"), nil
	})
	if err != nil {
		t.Fatalf("LoadOrCreateSalt failed: %v", err)
	}
	if calls != 0 {
		t.Error("generator should not run when a salt exists")
	}
	if !bytes.Equal(s1, s2) {
		t.Error("salt must be stable across loads")
	}
}

func TestKeyVersionHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendKeyVersion(ctx, KeyVersion{KeyID: "key-1", KeyHash: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AppendKeyVersion failed: %v", err)
	}
	if err := s.AppendKeyVersion(ctx, KeyVersion{KeyID: "key-2", KeyHash: "h2", CreatedAt: time.Now(), RotatedBy: "nurse-1"}); err != nil {
		t.Fatalf("AppendKeyVersion failed: %v", err)
	}

	active, err := s.ActiveKeyVersion(ctx)
	if err != nil {
		t.Fatalf("ActiveKeyVersion failed: %v", err)
	}
	if active == nil || active.KeyID != "key-2" {
		t.Fatalf("expected key-2 active, got %+v", active)
	}

	versions, err := s.KeyVersions(ctx)
	if err != nil {
		t.Fatalf("KeyVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Version != 1 || versions[1].Version != 2 {
		t.Error("versions must be monotonic")
	}
	if versions[0].IsActive {
		t.Error("old version should be inactive")
	}
	if versions[0].RotatedAt == nil {
		t.Error("deactivated version should carry rotated_at")
	}

	// Re-deriving the same key keeps the history append-only.
	if err := s.AppendKeyVersion(ctx, KeyVersion{KeyID: "key-1", KeyHash: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AppendKeyVersion failed: %v", err)
	}
	versions, _ = s.KeyVersions(ctx)
	if len(versions) != 2 {
		t.Errorf("re-derivation must not append a duplicate, got %d versions", len(versions))
	}
	active, _ = s.ActiveKeyVersion(ctx)
	if active.KeyID != "key-1" {
		t.Errorf("expected key-1 reactivated, got %s", active.KeyID)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "d1", []byte("x"), testKey(1), "key-1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.PutPlaintext(ctx, "d2", []byte("y")); err != nil {
		t.Fatalf("PutPlaintext failed: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.DocumentCount != 2 {
		t.Errorf("expected 2 documents, got %d", stats.DocumentCount)
	}
	if stats.DegradedCount != 1 {
		t.Errorf("expected 1 degraded, got %d", stats.DegradedCount)
	}
}
