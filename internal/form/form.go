// Package form manages schema-driven form instances: field values with
// fail-closed validation, workflow transitions, and calculated triage
// outputs. Instances are persisted through the encrypted store.
package form

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinicd/internal/keymanager"
	"clinicd/internal/logging"
	"clinicd/internal/schema"
	"clinicd/internal/store"
)

var (
	// ErrUnknownSchema means no registered schema matches the id.
	ErrUnknownSchema = errors.New("form: unknown schema")

	// ErrInstanceNotFound means an operation targeted a missing instance.
	ErrInstanceNotFound = errors.New("form: instance not found")
)

// docPrefix namespaces form instance documents in the shared store.
const docPrefix = "form:"

// InstanceStatus tracks the form lifecycle.
type InstanceStatus string

const (
	StatusDraft     InstanceStatus = "draft"
	StatusCompleted InstanceStatus = "completed"

	// StatusError marks an instance whose persisted body no longer
	// matches its schema, for example after a schema was withdrawn.
	StatusError InstanceStatus = "error"
)

// Instance is a filled (or partially filled) form.
type Instance struct {
	ID            string         `json:"id"`
	SchemaID      string         `json:"schemaId"`
	SchemaVersion int            `json:"schemaVersion"`
	SessionID     string         `json:"sessionId,omitempty"`
	State         string         `json:"state"`
	Status        InstanceStatus `json:"status"`
	Values        map[string]any `json:"values"`
	Calculated    map[string]any `json:"calculated,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

// Problem is one validation failure tied to a field.
type Problem struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationResult reports whether an input or transition is acceptable.
// Validation failures are expected outcomes, not errors.
type ValidationResult struct {
	Valid    bool      `json:"valid"`
	Problems []Problem `json:"problems,omitempty"`
}

func invalid(field, message string) *ValidationResult {
	return &ValidationResult{Problems: []Problem{{Field: field, Message: message}}}
}

// Validator is an extra check applied after the schema's own constraints.
// It returns human-readable problems, or nil when the value passes.
type Validator func(value any) []string

// Engine runs form operations against the registry and encrypted store.
type Engine struct {
	st       *store.Store
	keys     *keymanager.Manager
	registry *schema.Registry
	audit    logging.Auditor
	now      func() time.Time

	mu         sync.RWMutex
	validators map[string][]Validator // schemaID/fieldID
}

// Options configures an Engine.
type Options struct {
	Audit logging.Auditor
	Clock func() time.Time
}

// NewEngine creates a form engine.
func NewEngine(st *store.Store, keys *keymanager.Manager, registry *schema.Registry, opts Options) *Engine {
	if opts.Audit == nil {
		opts.Audit = logging.NopAuditor{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		st:         st,
		keys:       keys,
		registry:   registry,
		audit:      opts.Audit,
		now:        opts.Clock,
		validators: make(map[string][]Validator),
	}
}

// RegisterValidator adds a custom check for one field of one schema. It
// runs on every SaveFieldValue after the schema constraints pass.
func (e *Engine) RegisterValidator(schemaID, fieldID string, v Validator) {
	key := schemaID + "/" + fieldID
	e.mu.Lock()
	e.validators[key] = append(e.validators[key], v)
	e.mu.Unlock()
}

// CreateInstance starts a new form at the schema's initial workflow state.
func (e *Engine) CreateInstance(ctx context.Context, schemaID, sessionID string) (*Instance, error) {
	s := e.registry.Get(schemaID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, schemaID)
	}

	now := e.now()
	inst := &Instance{
		ID:            docPrefix + uuid.NewString(),
		SchemaID:      s.ID,
		SchemaVersion: s.Version,
		SessionID:     sessionID,
		State:         s.Workflow.Initial,
		Status:        StatusDraft,
		Values:        make(map[string]any),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.save(ctx, inst); err != nil {
		return nil, err
	}
	e.emit(ctx, "form.create", inst.ID, logging.AuditOutcomeSuccess, map[string]any{
		"schema":  s.ID,
		"session": sessionID,
	})
	return inst, nil
}

// GetInstance returns the instance, or (nil, nil) when it does not exist.
func (e *Engine) GetInstance(ctx context.Context, id string) (*Instance, error) {
	key, keyID, err := e.keys.RequireKey(keymanager.OpRead)
	if err != nil {
		return nil, err
	}
	doc, err := e.st.Get(ctx, id, key, keyID)
	if err != nil || doc == nil {
		return nil, err
	}
	var inst Instance
	if err := json.Unmarshal(doc.Plaintext, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	// An instance whose schema is no longer registered is reported in
	// the error status; it stays readable but accepts no mutations.
	if inst.Status != StatusCompleted && e.registry.Get(inst.SchemaID) == nil {
		inst.Status = StatusError
	}
	return &inst, nil
}

// SaveFieldValue validates and stores one field value. An invalid value
// is reported in the result and never persisted. Setting a value to nil
// clears it, which fails for required fields.
func (e *Engine) SaveFieldValue(ctx context.Context, instanceID, fieldID string, value any) (*ValidationResult, error) {
	inst, s, err := e.mustLoad(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == StatusCompleted {
		return invalid("", "form is completed and read-only"), nil
	}

	field := s.Field(fieldID)
	if field == nil {
		return invalid(fieldID, fmt.Sprintf("%s is not a field of schema %s", fieldID, s.ID)), nil
	}

	result := &ValidationResult{Valid: true}
	for _, msg := range field.Validate(value) {
		result.Problems = append(result.Problems, Problem{Field: fieldID, Message: msg})
	}
	if len(result.Problems) == 0 && value != nil {
		for _, v := range e.fieldValidators(s.ID, fieldID) {
			for _, msg := range v(value) {
				result.Problems = append(result.Problems, Problem{Field: fieldID, Message: msg})
			}
		}
	}
	if len(result.Problems) > 0 {
		result.Valid = false
		return result, nil
	}

	if value == nil {
		delete(inst.Values, fieldID)
	} else {
		// Instances written before any value was set decode with a nil map.
		if inst.Values == nil {
			inst.Values = make(map[string]any)
		}
		inst.Values[fieldID] = value
	}
	inst.UpdatedAt = e.now()
	if err := e.save(ctx, inst); err != nil {
		return nil, err
	}
	return result, nil
}

// ValidateTransition checks whether the instance may move to the target
// state, without moving it. The transition must be allowed by the
// workflow and every field the target state requires must hold a
// non-empty valid value. Unknown states fail.
func (e *Engine) ValidateTransition(ctx context.Context, instanceID, toState string) (*ValidationResult, error) {
	inst, s, err := e.mustLoad(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return e.validateTransition(inst, s, toState), nil
}

func (e *Engine) validateTransition(inst *Instance, s *schema.FormSchema, toState string) *ValidationResult {
	if inst.Status == StatusCompleted {
		return invalid("", "form is completed and read-only")
	}
	if s.State(toState) == nil {
		return invalid("", fmt.Sprintf("unknown state %q", toState))
	}
	if !s.CanTransition(inst.State, toState) {
		return invalid("", fmt.Sprintf("cannot move from %q to %q", inst.State, toState))
	}

	result := &ValidationResult{Valid: true}
	target := s.State(toState)
	for _, fid := range target.RequiredFields {
		field := s.Field(fid)
		value, ok := inst.Values[fid]
		if !ok || isEmptyValue(value) {
			result.Problems = append(result.Problems, Problem{Field: fid, Message: fmt.Sprintf("%s is required", fid)})
			continue
		}
		for _, msg := range field.Validate(value) {
			result.Problems = append(result.Problems, Problem{Field: fid, Message: msg})
		}
	}
	if len(result.Problems) > 0 {
		result.Valid = false
	}
	return result
}

// isEmptyValue reports whether a stored value counts as absent for the
// purpose of a transition's required fields.
func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

// TransitionState moves the instance to the target state when validation
// passes; the result reports why when it does not. Entering a completion
// state stamps the instance completed and computes the triage output.
func (e *Engine) TransitionState(ctx context.Context, instanceID, toState string) (*Instance, *ValidationResult, error) {
	inst, s, err := e.mustLoad(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	result := e.validateTransition(inst, s, toState)
	if !result.Valid {
		e.emit(ctx, "form.transition", inst.ID, logging.AuditOutcomeFailure, map[string]any{
			"from": inst.State,
			"to":   toState,
		})
		return nil, result, nil
	}

	from := inst.State
	now := e.now()
	inst.State = toState
	inst.UpdatedAt = now

	if s.State(toState).Completion {
		inst.Status = StatusCompleted
		inst.CompletedAt = &now
		if s.Triage != nil {
			score, band := s.Triage.Evaluate(inst.Values)
			if inst.Calculated == nil {
				inst.Calculated = make(map[string]any)
			}
			inst.Calculated[s.Triage.Output] = band
			inst.Calculated[s.Triage.Output+"_score"] = score
		}
	}

	if err := e.save(ctx, inst); err != nil {
		return nil, nil, err
	}
	e.emit(ctx, "form.transition", inst.ID, logging.AuditOutcomeSuccess, map[string]any{
		"from": from,
		"to":   toState,
	})
	return inst, result, nil
}

// Schema returns the registered schema for the given id, or nil.
func (e *Engine) Schema(schemaID string) *schema.FormSchema {
	return e.registry.Get(schemaID)
}

// LatestInstanceBySession returns the most recently updated instance of
// the given schema linked to the session, or (nil, nil) when none
// exists. Multiple matches should not normally occur; the newest
// updatedAt wins deterministically when they do.
func (e *Engine) LatestInstanceBySession(ctx context.Context, schemaID, sessionID string) (*Instance, error) {
	instances, err := e.InstancesBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var latest *Instance
	for i := range instances {
		inst := &instances[i]
		if inst.SchemaID != schemaID {
			continue
		}
		if latest == nil || inst.UpdatedAt.After(latest.UpdatedAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest, nil
}

// InstancesBySession returns every instance linked to the session.
func (e *Engine) InstancesBySession(ctx context.Context, sessionID string) ([]Instance, error) {
	key, keyID, err := e.keys.RequireKey(keymanager.OpRead)
	if err != nil {
		return nil, err
	}
	docs, err := e.st.AllDocsWithPrefix(ctx, docPrefix, key, keyID)
	if err != nil {
		return nil, err
	}
	var instances []Instance
	for _, doc := range docs {
		var inst Instance
		if err := json.Unmarshal(doc.Plaintext, &inst); err != nil {
			return nil, fmt.Errorf("decode instance %s: %w", doc.ID, err)
		}
		if inst.SessionID == sessionID {
			instances = append(instances, inst)
		}
	}
	return instances, nil
}

func (e *Engine) fieldValidators(schemaID, fieldID string) []Validator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.validators[schemaID+"/"+fieldID]
}

func (e *Engine) mustLoad(ctx context.Context, id string) (*Instance, *schema.FormSchema, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if inst == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	s := e.registry.Get(inst.SchemaID)
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSchema, inst.SchemaID)
	}
	return inst, s, nil
}

func (e *Engine) save(ctx context.Context, inst *Instance) error {
	key, keyID, err := e.keys.RequireKey(keymanager.OpWrite)
	if err != nil {
		return err
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	if _, err := e.st.Put(ctx, inst.ID, data, key, keyID); err != nil {
		return fmt.Errorf("store instance %s: %w", inst.ID, err)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, action, resource, outcome string, details map[string]any) {
	e.audit.Emit(ctx, logging.AuditEvent{
		Category: logging.AuditCategoryForm,
		Severity: logging.AuditSeverityInfo,
		Action:   action,
		Resource: resource,
		Details:  details,
		Outcome:  outcome,
	})
}
