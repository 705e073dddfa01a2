// Package session implements the clinical encounter state machine.
// A session moves forward through fixed stages, one step at a time, and
// ends in exactly one terminal status. Session documents are persisted
// through the encrypted store under key-gated operations.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clinicd/internal/keymanager"
	"clinicd/internal/logging"
	"clinicd/internal/store"
)

// Stage is a phase of a clinical encounter. Stages are ordered and a
// session only advances to the next adjacent stage.
type Stage string

const (
	StageRegistration Stage = "registration"
	StageAssessment   Stage = "assessment"
	StageTreatment    Stage = "treatment"
	StageDischarge    Stage = "discharge"
)

// stageOrder defines the forward path. Index is the stage's position.
var stageOrder = []Stage{StageRegistration, StageAssessment, StageTreatment, StageDischarge}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusOpen Status = "open"

	// Terminal statuses. A terminal session never changes again.
	StatusCompleted Status = "completed"
	StatusReferred  Status = "referred"
	StatusCancelled Status = "cancelled"
)

// Triage is the session-level acuity classification.
type Triage string

const (
	TriageRed     Triage = "red"
	TriageYellow  Triage = "yellow"
	TriageGreen   Triage = "green"
	TriageUnknown Triage = "unknown"
)

func validTriage(t Triage) bool {
	switch t {
	case TriageRed, TriageYellow, TriageGreen, TriageUnknown:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the session.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusReferred, StatusCancelled:
		return true
	}
	return false
}

var (
	// ErrInvalidTransition means the requested stage or status change is
	// not allowed from the session's current state.
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrAssessmentRequired means the session cannot enter treatment
	// before at least one form instance is linked.
	ErrAssessmentRequired = errors.New("session: assessment form required before treatment")
)

// docPrefix namespaces session documents in the shared store.
const docPrefix = "session:"

// Session is a clinical encounter record.
type Session struct {
	ID              string            `json:"id"`
	PatientRef      string            `json:"patientRef,omitempty"`
	Triage          Triage            `json:"triage"`
	Stage           Stage             `json:"stage"`
	Status          Status            `json:"status"`
	FormInstanceIDs []string          `json:"formInstanceIds,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

// Engine runs session operations against the encrypted store. Every
// operation obtains the key through the key manager, so degraded mode
// and key expiry gate sessions the same way they gate raw documents.
type Engine struct {
	st    *store.Store
	keys  *keymanager.Manager
	audit logging.Auditor
	now   func() time.Time
}

// Options configures an Engine.
type Options struct {
	Audit logging.Auditor
	Clock func() time.Time
}

// NewEngine creates a session engine.
func NewEngine(st *store.Store, keys *keymanager.Manager, opts Options) *Engine {
	if opts.Audit == nil {
		opts.Audit = logging.NopAuditor{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{st: st, keys: keys, audit: opts.Audit, now: opts.Clock}
}

// CreateSession opens a new encounter at the registration stage.
func (e *Engine) CreateSession(ctx context.Context, patientRef string, metadata map[string]string) (*Session, error) {
	now := e.now()
	s := &Session{
		ID:         docPrefix + uuid.NewString(),
		PatientRef: patientRef,
		Triage:     TriageUnknown,
		Stage:      StageRegistration,
		Status:     StatusOpen,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	e.emit(ctx, "session.create", s.ID, logging.AuditOutcomeSuccess, nil)
	return s, nil
}

// LoadSession returns the session, or (nil, nil) when it does not exist.
func (e *Engine) LoadSession(ctx context.Context, id string) (*Session, error) {
	key, keyID, err := e.keys.RequireKey(keymanager.OpRead)
	if err != nil {
		return nil, err
	}
	doc, err := e.st.Get(ctx, id, key, keyID)
	if err != nil || doc == nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(doc.Plaintext, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

// Update is a partial session mutation. Nil fields are left unchanged.
// Stage and status move only through AdvanceStage and CompleteSession.
type Update struct {
	PatientRef *string
	Triage     *Triage
	Metadata   map[string]string
}

// UpdateSession merges the given fields and bumps updatedAt.
func (e *Engine) UpdateSession(ctx context.Context, id string, u Update) (*Session, error) {
	s, err := e.mustLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, s.Status)
	}

	if u.PatientRef != nil {
		s.PatientRef = *u.PatientRef
	}
	if u.Triage != nil {
		if !validTriage(*u.Triage) {
			return nil, fmt.Errorf("unknown triage level %q", *u.Triage)
		}
		s.Triage = *u.Triage
	}
	if u.Metadata != nil {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			s.Metadata[k] = v
		}
	}
	s.UpdatedAt = e.now()
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// AdvanceStage moves the session to next, which must be the immediate
// successor of the current stage. Entering treatment requires at least
// one linked form instance.
func (e *Engine) AdvanceStage(ctx context.Context, id string, next Stage) (*Session, error) {
	s, err := e.mustLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, s.Status)
	}

	successor, err := nextStage(s.Stage)
	if err != nil {
		return nil, err
	}
	if next != successor {
		return nil, fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidTransition, s.Stage, next)
	}
	if next == StageTreatment && len(s.FormInstanceIDs) == 0 {
		e.emit(ctx, "session.advance", s.ID, logging.AuditOutcomeFailure, map[string]any{
			"from":   string(s.Stage),
			"reason": "no linked forms",
		})
		return nil, ErrAssessmentRequired
	}

	from := s.Stage
	s.Stage = next
	s.UpdatedAt = e.now()
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	e.emit(ctx, "session.advance", s.ID, logging.AuditOutcomeSuccess, map[string]any{
		"from": string(from),
		"to":   string(next),
	})
	return s, nil
}

// CompleteSession closes the session with a terminal status and moves it
// to the discharge stage. Completing an already-terminal session with the
// same status is a no-op; with a different status it is an error.
func (e *Engine) CompleteSession(ctx context.Context, id string, outcome Status) (*Session, error) {
	if !outcome.IsTerminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal status", ErrInvalidTransition, outcome)
	}

	s, err := e.mustLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		if s.Status == outcome {
			return s, nil
		}
		return nil, fmt.Errorf("%w: session %s already %s", ErrInvalidTransition, id, s.Status)
	}

	now := e.now()
	s.Status = outcome
	s.Stage = StageDischarge
	s.CompletedAt = &now
	s.UpdatedAt = now
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	e.emit(ctx, "session.complete", s.ID, logging.AuditOutcomeSuccess, map[string]any{
		"outcome": string(outcome),
	})
	return s, nil
}

// LinkFormToSession attaches a form instance to the session. Linking the
// same instance twice keeps a single entry.
func (e *Engine) LinkFormToSession(ctx context.Context, id, formInstanceID string) (*Session, error) {
	s, err := e.mustLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, s.Status)
	}

	for _, existing := range s.FormInstanceIDs {
		if existing == formInstanceID {
			return s, nil
		}
	}
	// Links keep the order the forms were attached in.
	s.FormInstanceIDs = append(s.FormInstanceIDs, formInstanceID)
	s.UpdatedAt = e.now()
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	e.emit(ctx, "session.link_form", s.ID, logging.AuditOutcomeSuccess, map[string]any{
		"form_instance": formInstanceID,
	})
	return s, nil
}

// ListSessions returns every readable session document.
func (e *Engine) ListSessions(ctx context.Context) ([]Session, error) {
	key, keyID, err := e.keys.RequireKey(keymanager.OpRead)
	if err != nil {
		return nil, err
	}
	docs, err := e.st.AllDocsWithPrefix(ctx, docPrefix, key, keyID)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(docs))
	for _, doc := range docs {
		var s Session
		if err := json.Unmarshal(doc.Plaintext, &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", doc.ID, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// mustLoad fetches a session and converts a missing row into an error,
// for operations that require the session to exist.
func (e *Engine) mustLoad(ctx context.Context, id string) (*Session, error) {
	s, err := e.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return s, nil
}

func (e *Engine) save(ctx context.Context, s *Session) error {
	key, keyID, err := e.keys.RequireKey(keymanager.OpWrite)
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	if _, err := e.st.Put(ctx, s.ID, data, key, keyID); err != nil {
		return fmt.Errorf("store session %s: %w", s.ID, err)
	}
	return nil
}

func nextStage(from Stage) (Stage, error) {
	for i, st := range stageOrder {
		if st == from {
			if i == len(stageOrder)-1 {
				return "", fmt.Errorf("%w: %s is the final stage", ErrInvalidTransition, from)
			}
			return stageOrder[i+1], nil
		}
	}
	return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, from)
}

func (e *Engine) emit(ctx context.Context, action, resource, outcome string, details map[string]any) {
	e.audit.Emit(ctx, logging.AuditEvent{
		Category: logging.AuditCategorySession,
		Severity: logging.AuditSeverityInfo,
		Action:   action,
		Resource: resource,
		Details:  details,
		Outcome:  outcome,
	})
}
