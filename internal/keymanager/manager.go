// Package keymanager owns the lifecycle of the document encryption key:
// derivation from an operator secret, expiry, rotation, and degraded mode.
//
// Key material never leaves the process. Callers receive the raw key bytes
// only through RequireKey, which gates every use on the key's validity.
package keymanager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"clinicd/internal/logging"
	"clinicd/internal/security"
	"clinicd/internal/store"
)

var (
	// ErrNoKeyAvailable means no key has been derived this session.
	ErrNoKeyAvailable = errors.New("keymanager: no key available")

	// ErrKeyExpired means the key has passed its maximum age and must be
	// re-derived or rotated before further use.
	ErrKeyExpired = errors.New("keymanager: key expired")

	// ErrWeakSecret means the operator secret fails the minimum length policy.
	ErrWeakSecret = errors.New("keymanager: secret too weak")

	// ErrNoKeyMaterial means rotation was requested with no current key.
	ErrNoKeyMaterial = errors.New("keymanager: no key material to rotate")

	// ErrDegradedMode means the operation is blocked while degraded mode
	// is active. Only recovery operations are permitted.
	ErrDegradedMode = errors.New("keymanager: degraded mode active")
)

// Operation classifies what a caller wants the key for.
type Operation string

const (
	OpRead     Operation = "read"
	OpWrite    Operation = "write"
	OpRotate   Operation = "rotate"
	OpRecovery Operation = "recovery"
)

// HKDF domain separation labels. Changing these invalidates every
// derived key, so they are versioned.
const (
	labelSessionKey = "session-key-v1"
	labelRotation   = "rotation-v1"
)

// saltName is the row name for the per-install derivation salt.
const saltName = "session-key"

// deviceIDName is the row name for the persisted device identifier.
const deviceIDName = "device-id"

// Options configures a Manager. Zero values fall back to safe defaults.
type Options struct {
	// MinSecretLength is the minimum operator secret length in bytes.
	MinSecretLength int

	// MaxKeyAge is how long a derived key stays usable.
	MaxKeyAge time.Duration

	// Audit receives key lifecycle events. Defaults to NopAuditor.
	Audit logging.Auditor

	// Clock overrides time.Now for expiry checks.
	Clock func() time.Time
}

// Manager holds the active key and enforces the key lifecycle policy.
type Manager struct {
	mu sync.Mutex

	st    *store.Store
	audit logging.Auditor
	now   func() time.Time

	minSecretLength int
	maxKeyAge       time.Duration

	key       *security.SecureBytes
	keyID     string
	deviceID  string
	derivedAt time.Time

	degraded       bool
	degradedReason string
	degradedSince  time.Time
}

// New creates a Manager backed by the given store for salt and key
// version persistence.
func New(st *store.Store, opts Options) *Manager {
	if opts.MinSecretLength <= 0 {
		opts.MinSecretLength = 6
	}
	if opts.MaxKeyAge <= 0 {
		opts.MaxKeyAge = 24 * time.Hour
	}
	if opts.Audit == nil {
		opts.Audit = logging.NopAuditor{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		st:              st,
		audit:           opts.Audit,
		now:             opts.Clock,
		minSecretLength: opts.MinSecretLength,
		maxKeyAge:       opts.MaxKeyAge,
	}
}

// InitializeFromSecret derives the session key from an operator secret and
// the persisted per-install salt, and returns the stable key identifier.
// The same secret always yields the same key on the same install.
func (m *Manager) InitializeFromSecret(ctx context.Context, secret []byte) (string, error) {
	if len(secret) < m.minSecretLength {
		m.emitKeyEvent(ctx, "key.derive", "", logging.AuditOutcomeFailure, map[string]any{
			"reason": "weak secret",
		})
		return "", fmt.Errorf("%w: need at least %d bytes", ErrWeakSecret, m.minSecretLength)
	}

	salt, err := m.st.LoadOrCreateSalt(ctx, saltName, security.GenerateSalt)
	if err != nil {
		return "", fmt.Errorf("load salt: %w", err)
	}
	device, err := m.st.LoadOrCreateSalt(ctx, deviceIDName, func() ([]byte, error) {
		id := make([]byte, 16)
		if err := security.GenerateSecureRandom(id); err != nil {
			return nil, err
		}
		return id, nil
	})
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}

	raw, err := security.DeriveKeyWithLabel(secret, salt, labelSessionKey, security.KeySize)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}

	keyID := keyIdentifier(raw)
	hash := keyHash(raw)
	derivedAt := m.now()

	// A re-derivation that reuses a recorded key id must reproduce the
	// recorded fingerprint exactly. A truncated-id collision with a
	// different hash would silently mislabel ciphertext otherwise.
	if err := m.checkRecordedHash(ctx, keyID, hash); err != nil {
		security.Wipe(raw)
		m.emitKeyEvent(ctx, "key.derive", keyID, logging.AuditOutcomeFailure, map[string]any{
			"reason": "key hash mismatch",
		})
		return "", err
	}

	m.mu.Lock()
	if m.key != nil {
		m.key.Destroy()
	}
	m.key = security.NewSecureBytes(raw)
	m.keyID = keyID
	m.deviceID = "d-" + hex.EncodeToString(device[:8])
	m.derivedAt = derivedAt
	m.mu.Unlock()

	if err := m.st.AppendKeyVersion(ctx, store.KeyVersion{
		KeyID:     keyID,
		KeyHash:   hash,
		CreatedAt: derivedAt,
	}); err != nil {
		return "", fmt.Errorf("record key version: %w", err)
	}

	m.emitKeyEvent(ctx, "key.derive", keyID, logging.AuditOutcomeSuccess, nil)
	return keyID, nil
}

// RequireKey returns the active key bytes and key id after validating the
// key for the given operation. Callers must not retain the returned slice
// beyond the operation.
func (m *Manager) RequireKey(op Operation) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateLocked(op); err != nil {
		return nil, "", err
	}
	return m.key.Bytes(), m.keyID, nil
}

// ValidateKeyForOperation reports whether the current key may be used for
// the given operation without returning the key itself.
func (m *Manager) ValidateKeyForOperation(op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked(op)
}

func (m *Manager) validateLocked(op Operation) error {
	if m.degraded && op != OpRecovery {
		return fmt.Errorf("%w: %s", ErrDegradedMode, m.degradedReason)
	}
	if m.key == nil {
		return ErrNoKeyAvailable
	}
	// Rotation is the remedy for an expired key, so it stays allowed.
	if op != OpRotate && m.now().Sub(m.derivedAt) > m.maxKeyAge {
		return ErrKeyExpired
	}
	return nil
}

// RotateKey derives a replacement key from the current key material and a
// fresh salt, records the new version, and returns both key identifiers.
// The caller is responsible for migrating stored documents.
func (m *Manager) RotateKey(ctx context.Context, rotatedBy string) (oldKeyID, newKeyID string, err error) {
	m.mu.Lock()
	if m.key == nil {
		m.mu.Unlock()
		return "", "", ErrNoKeyMaterial
	}
	if m.degraded {
		m.mu.Unlock()
		return "", "", fmt.Errorf("%w: %s", ErrDegradedMode, m.degradedReason)
	}
	current := m.key.Bytes()
	oldKeyID = m.keyID

	salt, err := security.GenerateSalt()
	if err != nil {
		m.mu.Unlock()
		return "", "", fmt.Errorf("generate rotation salt: %w", err)
	}
	raw, err := security.DeriveKeyWithLabel(current, salt, labelRotation, security.KeySize)
	if err != nil {
		m.mu.Unlock()
		return "", "", fmt.Errorf("derive rotated key: %w", err)
	}

	newKeyID = keyIdentifier(raw)
	m.key.Destroy()
	m.key = security.NewSecureBytes(raw)
	m.keyID = newKeyID
	m.derivedAt = m.now()
	createdAt := m.derivedAt
	keyHashStr := keyHash(m.key.Bytes())
	m.mu.Unlock()

	if err := m.st.AppendKeyVersion(ctx, store.KeyVersion{
		KeyID:     newKeyID,
		KeyHash:   keyHashStr,
		CreatedAt: createdAt,
		RotatedBy: rotatedBy,
	}); err != nil {
		return "", "", fmt.Errorf("record key version: %w", err)
	}

	m.emitKeyEvent(ctx, "key.rotate", newKeyID, logging.AuditOutcomeSuccess, map[string]any{
		"old_key_id": oldKeyID,
		"rotated_by": rotatedBy,
	})
	return oldKeyID, newKeyID, nil
}

// EnterDegradedMode blocks all key use except recovery operations until
// ExitDegradedMode is called. Entering twice updates the reason.
func (m *Manager) EnterDegradedMode(ctx context.Context, reason string) {
	m.mu.Lock()
	m.degraded = true
	m.degradedReason = reason
	m.degradedSince = m.now()
	m.mu.Unlock()

	m.audit.Emit(ctx, logging.AuditEvent{
		Category: logging.AuditCategoryKey,
		Severity: logging.AuditSeverityWarning,
		Action:   "key.degraded_enter",
		Details:  map[string]any{"reason": reason},
		Outcome:  logging.AuditOutcomeSuccess,
	})
}

// ExitDegradedMode restores normal operation. It does not re-encrypt
// documents written while degraded; callers run that recovery first.
func (m *Manager) ExitDegradedMode(ctx context.Context) {
	m.mu.Lock()
	wasDegraded := m.degraded
	m.degraded = false
	m.degradedReason = ""
	m.degradedSince = time.Time{}
	m.mu.Unlock()

	if wasDegraded {
		m.emitKeyEvent(ctx, "key.degraded_exit", "", logging.AuditOutcomeSuccess, nil)
	}
}

// DegradedState reports whether degraded mode is active, with the reason
// and entry time.
func (m *Manager) DegradedState() (active bool, reason string, since time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded, m.degradedReason, m.degradedSince
}

// Status summarizes the key state for display.
type Status struct {
	HasKey    bool      `json:"hasKey"`
	KeyID     string    `json:"keyId,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	DerivedAt time.Time `json:"derivedAt,omitzero"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	Expired   bool      `json:"expired"`
	Degraded  bool      `json:"degraded"`
	Reason    string    `json:"degradedReason,omitempty"`
}

// Status returns the current key state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Degraded: m.degraded,
		Reason:   m.degradedReason,
	}
	if m.key != nil {
		s.HasKey = true
		s.KeyID = m.keyID
		s.DeviceID = m.deviceID
		s.DerivedAt = m.derivedAt
		s.ExpiresAt = m.derivedAt.Add(m.maxKeyAge)
		s.Expired = m.now().After(s.ExpiresAt)
	}
	return s
}

// KeyID returns the active key identifier, or "" when no key is loaded.
func (m *Manager) KeyID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyID
}

// Clear destroys the in-memory key material. The persisted salt and key
// version history survive, so the same secret re-derives the same key.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key != nil {
		m.key.Destroy()
		m.key = nil
	}
	m.keyID = ""
	m.derivedAt = time.Time{}
}

func (m *Manager) emitKeyEvent(ctx context.Context, action, keyID, outcome string, details map[string]any) {
	m.audit.Emit(ctx, logging.AuditEvent{
		Category: logging.AuditCategoryKey,
		Severity: logging.AuditSeverityInfo,
		Action:   action,
		Resource: keyID,
		Details:  details,
		Outcome:  outcome,
	})
}

// checkRecordedHash verifies a derived key against the fingerprint stored
// for its key id, if one exists.
func (m *Manager) checkRecordedHash(ctx context.Context, keyID, hash string) error {
	versions, err := m.st.KeyVersions(ctx)
	if err != nil {
		return fmt.Errorf("load key versions: %w", err)
	}
	for _, v := range versions {
		if v.KeyID != keyID {
			continue
		}
		if !security.SecureCompare([]byte(v.KeyHash), []byte(hash)) {
			return fmt.Errorf("keymanager: key %s does not match its recorded fingerprint", keyID)
		}
	}
	return nil
}

// keyIdentifier is a stable public identifier derived from the key
// fingerprint. It is safe to store next to ciphertext.
func keyIdentifier(key []byte) string {
	fp := security.Fingerprint(key)
	return "k-" + hex.EncodeToString(fp[:8])
}

// keyHash is the full fingerprint, recorded in the key version history.
func keyHash(key []byte) string {
	fp := security.Fingerprint(key)
	return hex.EncodeToString(fp[:])
}
