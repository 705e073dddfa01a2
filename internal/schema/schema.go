// Package schema defines clinical form schemas: typed fields grouped in
// sections, a workflow state machine, and triage scoring rules. Schemas
// are loaded from JSON files and validated fail-closed at load time.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// FieldKind is the data type of a form field.
type FieldKind string

const (
	KindText    FieldKind = "text"
	KindNumber  FieldKind = "number"
	KindInteger FieldKind = "integer"
	KindBoolean FieldKind = "boolean"
	KindSelect  FieldKind = "select"
	KindDate    FieldKind = "date"
)

// Field is a single form input with its validation constraints.
type Field struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Kind      FieldKind `json:"kind"`
	Required  bool      `json:"required,omitempty"`
	Min       *float64  `json:"min,omitempty"`
	Max       *float64  `json:"max,omitempty"`
	MinLength int       `json:"minLength,omitempty"`
	MaxLength int       `json:"maxLength,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	Options   []string  `json:"options,omitempty"`

	compiledPattern *regexp.Regexp
}

// Section groups related fields for display.
type Section struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

// WorkflowState is one node of a form's state machine.
type WorkflowState struct {
	ID string `json:"id"`

	// AllowedTransitions lists the state ids reachable from this state.
	AllowedTransitions []string `json:"allowedTransitions,omitempty"`

	// RequiredFields must hold non-empty valid values before a form may
	// enter this state.
	RequiredFields []string `json:"requiredFields,omitempty"`

	// Completion marks a terminal state that completes the form.
	Completion bool `json:"completion,omitempty"`
}

// Workflow is the form state machine.
type Workflow struct {
	Initial string          `json:"initial"`
	States  []WorkflowState `json:"states"`
}

// TriageRule adds a score when a field value matches the condition.
type TriageRule struct {
	Field string  `json:"field"`
	Op    string  `json:"op"` // eq, ne, gt, gte, lt, lte
	Value any     `json:"value"`
	Score float64 `json:"score"`
}

// TriageBand labels a score range. Bands are matched highest min first.
type TriageBand struct {
	Min   float64 `json:"min"`
	Label string  `json:"label"`
}

// TriageRules compute a calculated triage output from field values.
type TriageRules struct {
	Rules  []TriageRule `json:"rules"`
	Bands  []TriageBand `json:"bands"`
	Output string       `json:"output"`
}

// FormSchema is a complete clinical form definition.
type FormSchema struct {
	ID       string       `json:"id"`
	Version  int          `json:"version"`
	Title    string       `json:"title"`
	Sections []Section    `json:"sections"`
	Workflow Workflow     `json:"workflow"`
	Triage   *TriageRules `json:"triage,omitempty"`

	fieldsByID map[string]*Field
	statesByID map[string]*WorkflowState
}

// Field returns the field with the given id, or nil.
func (s *FormSchema) Field(id string) *Field {
	return s.fieldsByID[id]
}

// FieldIDs returns every field id in section order.
func (s *FormSchema) FieldIDs() []string {
	var ids []string
	for _, sec := range s.Sections {
		for _, f := range sec.Fields {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// State returns the workflow state with the given id, or nil.
func (s *FormSchema) State(id string) *WorkflowState {
	return s.statesByID[id]
}

// CanTransition reports whether the workflow allows moving from one state
// to another. Unknown states never allow anything.
func (s *FormSchema) CanTransition(from, to string) bool {
	st := s.statesByID[from]
	if st == nil {
		return false
	}
	for _, next := range st.AllowedTransitions {
		if next == to {
			return true
		}
	}
	return false
}

// index builds the lookup maps and compiles field patterns. It runs once
// at load time and rejects malformed schemas.
func (s *FormSchema) index() error {
	if s.ID == "" {
		return fmt.Errorf("schema missing id")
	}
	if len(s.Workflow.States) == 0 {
		return fmt.Errorf("schema %s: workflow has no states", s.ID)
	}

	s.fieldsByID = make(map[string]*Field)
	for si := range s.Sections {
		for fi := range s.Sections[si].Fields {
			f := &s.Sections[si].Fields[fi]
			if _, dup := s.fieldsByID[f.ID]; dup {
				return fmt.Errorf("schema %s: duplicate field %q", s.ID, f.ID)
			}
			if f.Pattern != "" {
				re, err := regexp.Compile(f.Pattern)
				if err != nil {
					return fmt.Errorf("schema %s: field %q pattern: %w", s.ID, f.ID, err)
				}
				f.compiledPattern = re
			}
			s.fieldsByID[f.ID] = f
		}
	}

	s.statesByID = make(map[string]*WorkflowState)
	for i := range s.Workflow.States {
		st := &s.Workflow.States[i]
		if _, dup := s.statesByID[st.ID]; dup {
			return fmt.Errorf("schema %s: duplicate state %q", s.ID, st.ID)
		}
		s.statesByID[st.ID] = st
	}
	if s.statesByID[s.Workflow.Initial] == nil {
		return fmt.Errorf("schema %s: initial state %q not defined", s.ID, s.Workflow.Initial)
	}
	for _, st := range s.Workflow.States {
		for _, next := range st.AllowedTransitions {
			if s.statesByID[next] == nil {
				return fmt.Errorf("schema %s: state %q transitions to unknown state %q", s.ID, st.ID, next)
			}
		}
		for _, fid := range st.RequiredFields {
			if s.fieldsByID[fid] == nil {
				return fmt.Errorf("schema %s: state %q requires unknown field %q", s.ID, st.ID, fid)
			}
		}
	}

	if s.Triage != nil {
		for _, r := range s.Triage.Rules {
			if s.fieldsByID[r.Field] == nil {
				return fmt.Errorf("schema %s: triage rule references unknown field %q", s.ID, r.Field)
			}
			switch r.Op {
			case "eq", "ne", "gt", "gte", "lt", "lte":
			default:
				return fmt.Errorf("schema %s: triage rule has unknown op %q", s.ID, r.Op)
			}
		}
		if s.Triage.Output == "" {
			return fmt.Errorf("schema %s: triage rules need an output name", s.ID)
		}
	}
	return nil
}

// Validate checks a value against the field's constraints and returns
// human-readable problems. An empty slice means the value is acceptable.
// A nil value is only a problem for required fields.
func (f *Field) Validate(value any) []string {
	if value == nil {
		if f.Required {
			return []string{fmt.Sprintf("%s is required", f.ID)}
		}
		return nil
	}

	var problems []string
	switch f.Kind {
	case KindText:
		s, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("%s must be text", f.ID)}
		}
		if f.MinLength > 0 && len(s) < f.MinLength {
			problems = append(problems, fmt.Sprintf("%s must be at least %d characters", f.ID, f.MinLength))
		}
		if f.MaxLength > 0 && len(s) > f.MaxLength {
			problems = append(problems, fmt.Sprintf("%s must be at most %d characters", f.ID, f.MaxLength))
		}
		if f.compiledPattern != nil && !f.compiledPattern.MatchString(s) {
			problems = append(problems, fmt.Sprintf("%s does not match the expected format", f.ID))
		}

	case KindNumber, KindInteger:
		n, ok := asNumber(value)
		if !ok {
			return []string{fmt.Sprintf("%s must be a number", f.ID)}
		}
		if f.Kind == KindInteger && n != float64(int64(n)) {
			problems = append(problems, fmt.Sprintf("%s must be a whole number", f.ID))
		}
		if f.Min != nil && n < *f.Min {
			problems = append(problems, fmt.Sprintf("%s must be at least %v", f.ID, *f.Min))
		}
		if f.Max != nil && n > *f.Max {
			problems = append(problems, fmt.Sprintf("%s must be at most %v", f.ID, *f.Max))
		}

	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return []string{fmt.Sprintf("%s must be true or false", f.ID)}
		}

	case KindSelect:
		s, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("%s must be one of the listed options", f.ID)}
		}
		found := false
		for _, opt := range f.Options {
			if opt == s {
				found = true
				break
			}
		}
		if !found {
			problems = append(problems, fmt.Sprintf("%s must be one of the listed options", f.ID))
		}

	case KindDate:
		s, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("%s must be a date", f.ID)}
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			problems = append(problems, fmt.Sprintf("%s must be a date in YYYY-MM-DD form", f.ID))
		}

	default:
		problems = append(problems, fmt.Sprintf("%s has unknown kind %q", f.ID, f.Kind))
	}
	return problems
}

// Evaluate applies the triage rules to the given field values and returns
// the total score and the matching band label.
func (t *TriageRules) Evaluate(values map[string]any) (float64, string) {
	var score float64
	for _, r := range t.Rules {
		v, ok := values[r.Field]
		if !ok || v == nil {
			continue
		}
		if ruleMatches(r, v) {
			score += r.Score
		}
	}

	label := ""
	best := -1.0
	for _, b := range t.Bands {
		if score >= b.Min && b.Min > best {
			best = b.Min
			label = b.Label
		}
	}
	return score, label
}

func ruleMatches(r TriageRule, v any) bool {
	if n, ok := asNumber(v); ok {
		want, ok := asNumber(r.Value)
		if !ok {
			return false
		}
		switch r.Op {
		case "eq":
			return n == want
		case "ne":
			return n != want
		case "gt":
			return n > want
		case "gte":
			return n >= want
		case "lt":
			return n < want
		case "lte":
			return n <= want
		}
		return false
	}

	// Non-numeric values only support equality checks.
	got := fmt.Sprintf("%v", v)
	want := fmt.Sprintf("%v", r.Value)
	switch r.Op {
	case "eq":
		return got == want
	case "ne":
		return got != want
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
