package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLoggerStderrDefault(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	if l.Logger == nil {
		t.Fatal("expected non-nil slog logger")
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinicd.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path
	cfg.Format = FormatJSON

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.Info("store opened", "path", "/tmp/x.db")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "store opened") {
		t.Error("log file missing expected entry")
	}
}

func TestRedaction(t *testing.T) {
	cases := map[string]bool{
		"pin":          true,
		"secret":       true,
		"patient_name": true,
		"answers":      true,
		"doc_id":       false,
		"stage":        false,
	}
	for key, want := range cases {
		if got := shouldRedact(key); got != want {
			t.Errorf("shouldRedact(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	if ParseLevel("debug") != LevelDebug {
		t.Error("debug level")
	}
	if ParseLevel("bogus") != LevelInfo {
		t.Error("unknown level should default to info")
	}
	if ParseFormat("JSON") != FormatJSON {
		t.Error("json format")
	}
	if ParseFormat("") != FormatText {
		t.Error("default format should be text")
	}
}

func TestAuditWriterEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditWriter(&buf)
	a.SetActor("nurse-7")

	a.Emit(context.Background(), AuditEvent{
		Category: AuditCategoryKey,
		Action:   "key.derive",
		Resource: "key-abc",
	})
	a.Emit(context.Background(), AuditEvent{
		Category: AuditCategorySession,
		Severity: AuditSeverityWarning,
		Action:   "degraded.enter",
		Outcome:  AuditOutcomeFailure,
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(lines))
	}

	var first AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first event: %v", err)
	}
	if first.Actor != "nurse-7" {
		t.Errorf("expected default actor, got %q", first.Actor)
	}
	if first.Outcome != AuditOutcomeSuccess {
		t.Errorf("expected default outcome success, got %q", first.Outcome)
	}
	if first.Severity != AuditSeverityInfo {
		t.Errorf("expected default severity info, got %q", first.Severity)
	}
	if first.Timestamp.IsZero() {
		t.Error("timestamp should be stamped")
	}

	var second AuditEvent
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second event: %v", err)
	}
	if second.Severity != AuditSeverityWarning {
		t.Error("explicit severity should be preserved")
	}
	if second.Outcome != AuditOutcomeFailure {
		t.Error("explicit outcome should be preserved")
	}
}

func TestAuditLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := NewAuditLogger(&AuditLoggerConfig{FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}

	a.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now(),
		Category:  AuditCategoryDocument,
		Action:    "document.corrupted",
		Resource:  "doc-1",
	})
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), "document.corrupted") {
		t.Error("audit file missing event")
	}
}
