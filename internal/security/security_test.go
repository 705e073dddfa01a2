package security

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	secret := []byte("nurse-pin-123456")
	salt := []byte("per-install-salt-material-32b!!!")

	k1, err := DeriveKeyWithLabel(secret, salt, "session-key-v1", KeySize)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel failed: %v", err)
	}
	k2, err := DeriveKeyWithLabel(secret, salt, "session-key-v1", KeySize)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel failed: %v", err)
	}

	if !bytes.Equal(k1, k2) {
		t.Error("same secret and salt should derive the same key")
	}
	if len(k1) != KeySize {
		t.Errorf("expected %d byte key, got %d", KeySize, len(k1))
	}
}

func TestDeriveKeySaltChangesKey(t *testing.T) {
	secret := []byte("nurse-pin-123456")

	k1, err := DeriveKeyWithLabel(secret, []byte("salt-one"), "session-key-v1", KeySize)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveKeyWithLabel(secret, []byte("salt-two"), "session-key-v1", KeySize)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if bytes.Equal(k1, k2) {
		t.Error("different salts must derive different keys")
	}
}

func TestDeriveKeyRejectsEmptySecret(t *testing.T) {
	if _, err := DeriveKey(nil, []byte("salt"), []byte("info"), KeySize); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestDeriveKeyRejectsSmallKeySize(t *testing.T) {
	if _, err := DeriveKey([]byte("secret"), nil, nil, 8); err == nil {
		t.Error("expected error for undersized key")
	}
}

func TestFingerprintStable(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	f1 := Fingerprint(key)
	f2 := Fingerprint(key)
	if f1 != f2 {
		t.Error("fingerprint must be deterministic")
	}
	if f1 == Fingerprint([]byte("another-key-another-key-another!")) {
		t.Error("different keys must have different fingerprints")
	}
}

func TestValidateKeyStrength(t *testing.T) {
	if err := ValidateKeyStrength(make([]byte, 8)); err == nil {
		t.Error("short key should fail")
	}
	if err := ValidateKeyStrength(make([]byte, 32)); err == nil {
		t.Error("all-zero key should fail")
	}

	key := make([]byte, 32)
	if err := GenerateSecureRandom(key); err != nil {
		t.Fatalf("GenerateSecureRandom failed: %v", err)
	}
	if err := ValidateKeyStrength(key); err != nil {
		t.Errorf("random key should pass: %v", err)
	}
}

func TestSecureBytesWipesSource(t *testing.T) {
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	sb := NewSecureBytes(src)
	defer sb.Destroy()

	for _, b := range src {
		if b != 0 {
			t.Fatal("source slice was not wiped")
		}
	}

	if sb.Len() != 8 {
		t.Errorf("expected length 8, got %d", sb.Len())
	}
	if sb.Bytes()[0] != 1 {
		t.Error("copy does not hold original data")
	}
}

func TestSecureBytesDestroy(t *testing.T) {
	sb := NewSecureBytes([]byte{9, 9, 9})
	sb.Destroy()

	if sb.Bytes() != nil {
		t.Error("Bytes after Destroy should be nil")
	}
	if sb.Len() != 0 {
		t.Error("Len after Destroy should be 0")
	}

	// Repeated destroy must not panic.
	sb.Destroy()
}

func TestWriteAndReadSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "salt.bin")
	data := []byte("salt-material")

	if err := WriteSecretFile(path, data); err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != PermSecretFile {
		t.Errorf("expected mode %04o, got %04o", PermSecretFile, info.Mode().Perm())
	}

	got, err := ReadSecretFile(path)
	if err != nil {
		t.Fatalf("ReadSecretFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read data mismatch")
	}
}

func TestReadSecretFileRejectsLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "salt.bin")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := ReadSecretFile(path); err == nil {
		t.Error("expected permission error for 0644 file")
	}
}

func TestProcessLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireProcessLock(dir)
	if err != nil {
		t.Fatalf("AcquireProcessLock failed: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}

	// Releasing a nil lock is a no-op.
	var nilLock *ProcessLock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release failed: %v", err)
	}
}
