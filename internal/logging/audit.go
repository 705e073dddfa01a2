package logging

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditCategory groups audit events by subsystem.
type AuditCategory string

// Audit categories.
const (
	AuditCategoryKey      AuditCategory = "key"
	AuditCategoryDocument AuditCategory = "document"
	AuditCategorySession  AuditCategory = "session"
	AuditCategoryForm     AuditCategory = "form"
	AuditCategoryConfig   AuditCategory = "config"
)

// AuditSeverity ranks an audit event.
type AuditSeverity string

// Audit severities.
const (
	AuditSeverityInfo    AuditSeverity = "info"
	AuditSeverityWarning AuditSeverity = "warning"
	AuditSeverityError   AuditSeverity = "error"
)

// Audit outcomes.
const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
)

// AuditEvent is a structured record of a state-changing operation.
// Events carry identifiers and outcomes, never secrets or field values.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Category  AuditCategory  `json:"category"`
	Severity  AuditSeverity  `json:"severity"`
	Actor     string         `json:"actor,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Outcome   string         `json:"outcome"`
}

// Auditor receives audit events. Implementations must never fail the
// triggering operation: Emit is fire-and-forget from the caller's view.
type Auditor interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NopAuditor discards all events.
type NopAuditor struct{}

// Emit implements Auditor.
func (NopAuditor) Emit(ctx context.Context, event AuditEvent) {}

// AuditLogger writes audit events as JSON lines to a rotating file.
type AuditLogger struct {
	mu      sync.Mutex
	w       io.Writer
	rotator *FileRotator
	actor   string
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		homeDir, _ := os.UserHomeDir()
		stateHome = filepath.Join(homeDir, ".local", "state")
	}
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(stateHome, "clinicd", "audit.log"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
	}
}

// NewAuditLogger creates a file-backed audit logger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, err
	}

	return &AuditLogger{w: rotator, rotator: rotator}, nil
}

// NewAuditWriter creates an audit logger over an arbitrary writer.
// Used by tests and by collaborators that own their sink.
func NewAuditWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{w: w}
}

// SetActor sets the default actor attached to subsequent events.
func (a *AuditLogger) SetActor(actor string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actor = actor
}

// Emit writes an audit event. Write failures are swallowed: the audit
// trail is a sink, not a gate, and must not block clinical operations.
func (a *AuditLogger) Emit(ctx context.Context, event AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = AuditSeverityInfo
	}
	if event.Actor == "" {
		event.Actor = a.actor
	}
	if event.Outcome == "" {
		event.Outcome = AuditOutcomeSuccess
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = a.w.Write(data)
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}
