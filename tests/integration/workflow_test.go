//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicd/internal/form"
	"clinicd/internal/keymanager"
	"clinicd/internal/schema"
	"clinicd/internal/session"
	"clinicd/internal/store"
)

const intakeSchema = `{
  "id": "triage-intake",
  "version": 1,
  "title": "Triage Intake",
  "sections": [
    {
      "id": "vitals",
      "fields": [
        {"id": "heart_rate", "kind": "integer", "required": true, "min": 0, "max": 300},
        {"id": "conscious", "kind": "boolean", "required": true}
      ]
    }
  ],
  "workflow": {
    "initial": "draft",
    "states": [
      {"id": "draft", "allowedTransitions": ["submitted"]},
      {"id": "submitted", "completion": true, "requiredFields": ["heart_rate", "conscious"]}
    ]
  },
  "triage": {
    "rules": [{"field": "heart_rate", "op": "gt", "value": 120, "score": 2}],
    "bands": [{"min": 0, "label": "routine"}, {"min": 2, "label": "urgent"}],
    "output": "triage_level"
  }
}`

type env struct {
	store    *store.Store
	keys     *keymanager.Manager
	sessions *session.Engine
	forms    *form.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "clinicd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	keys := keymanager.New(st, keymanager.Options{})
	_, err = keys.InitializeFromSecret(context.Background(), []byte("integration secret"))
	require.NoError(t, err)

	registry, err := schema.NewRegistry()
	require.NoError(t, err)
	_, err = registry.Register([]byte(intakeSchema))
	require.NoError(t, err)

	return &env{
		store:    st,
		keys:     keys,
		sessions: session.NewEngine(st, keys, session.Options{}),
		forms:    form.NewEngine(st, keys, registry, form.Options{}),
	}
}

// TestEncounterWorkflow walks a full encounter: open a session, fill a
// triage form, link it, advance through every stage, and close out.
func TestEncounterWorkflow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.sessions.CreateSession(ctx, "patient-42", map[string]string{"ward": "ER"})
	require.NoError(t, err)
	require.Equal(t, session.StageRegistration, s.Stage)

	s, err = e.sessions.AdvanceStage(ctx, s.ID, session.StageAssessment)
	require.NoError(t, err)
	require.Equal(t, session.StageAssessment, s.Stage)

	// Treatment is blocked until an assessment form is linked, and
	// moving backward is never allowed.
	_, err = e.sessions.AdvanceStage(ctx, s.ID, session.StageTreatment)
	require.ErrorIs(t, err, session.ErrAssessmentRequired)
	_, err = e.sessions.AdvanceStage(ctx, s.ID, session.StageRegistration)
	require.ErrorIs(t, err, session.ErrInvalidTransition)

	inst, err := e.forms.CreateInstance(ctx, "triage-intake", s.ID)
	require.NoError(t, err)

	result, err := e.forms.SaveFieldValue(ctx, inst.ID, "heart_rate", float64(135))
	require.NoError(t, err)
	require.True(t, result.Valid)
	result, err = e.forms.SaveFieldValue(ctx, inst.ID, "conscious", true)
	require.NoError(t, err)
	require.True(t, result.Valid)

	inst, result, err = e.forms.TransitionState(ctx, inst.ID, "submitted")
	require.NoError(t, err)
	require.True(t, result.Valid)
	assert.Equal(t, form.StatusCompleted, inst.Status)
	assert.Equal(t, "urgent", inst.Calculated["triage_level"])

	s, err = e.sessions.LinkFormToSession(ctx, s.ID, inst.ID)
	require.NoError(t, err)

	s, err = e.sessions.AdvanceStage(ctx, s.ID, session.StageTreatment)
	require.NoError(t, err)
	require.Equal(t, session.StageTreatment, s.Stage)

	latest, err := e.forms.LatestInstanceBySession(ctx, "triage-intake", s.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, inst.ID, latest.ID)

	// The form's calculated triage carries onto the session record.
	triage := session.TriageYellow
	s, err = e.sessions.UpdateSession(ctx, s.ID, session.Update{Triage: &triage})
	require.NoError(t, err)
	assert.Equal(t, session.TriageYellow, s.Triage)

	s, err = e.sessions.AdvanceStage(ctx, s.ID, session.StageDischarge)
	require.NoError(t, err)

	s, err = e.sessions.CompleteSession(ctx, s.ID, session.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, session.StageDischarge, s.Stage)
	require.NotNil(t, s.CompletedAt)

	// Everything verifies cleanly with the active key.
	key, keyID, err := e.keys.RequireKey(keymanager.OpRead)
	require.NoError(t, err)
	report, err := e.store.VerifyAll(ctx, key, keyID, 0)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
}

// TestRotationPreservesWorkflowData rotates the key mid-encounter and
// checks every document remains readable under the new key only.
func TestRotationPreservesWorkflowData(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.sessions.CreateSession(ctx, "patient-7", nil)
	require.NoError(t, err)
	inst, err := e.forms.CreateInstance(ctx, "triage-intake", s.ID)
	require.NoError(t, err)
	_, err = e.sessions.LinkFormToSession(ctx, s.ID, inst.ID)
	require.NoError(t, err)

	oldKey, oldKeyID, err := e.keys.RequireKey(keymanager.OpRotate)
	require.NoError(t, err)
	oldKeyCopy := append([]byte(nil), oldKey...)

	_, newKeyID, err := e.keys.RotateKey(ctx, "integration")
	require.NoError(t, err)
	newKey, _, err := e.keys.RequireKey(keymanager.OpRotate)
	require.NoError(t, err)

	migration, err := e.store.RotateAndMigrate(ctx, oldKeyCopy, oldKeyID, newKey, newKeyID)
	require.NoError(t, err)
	assert.Zero(t, migration.Failed)

	// The engines keep working through the rotated key.
	loaded, err := e.sessions.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "patient-7", loaded.PatientRef)

	reloaded, err := e.forms.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded)

	// The old key reads nothing.
	remnants, err := e.store.AllDocs(ctx, oldKeyCopy, oldKeyID)
	require.NoError(t, err)
	assert.Empty(t, remnants)
}

// TestDegradedModeCycle enters degraded mode, captures plaintext data,
// and recovers it through re-encryption on exit.
func TestDegradedModeCycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.sessions.CreateSession(ctx, "patient-9", nil)
	require.NoError(t, err)

	e.keys.EnterDegradedMode(ctx, "storage fault")

	// Normal engine operations are gated.
	_, err = e.sessions.AdvanceStage(ctx, s.ID, session.StageAssessment)
	require.ErrorIs(t, err, keymanager.ErrDegradedMode)
	_, err = e.forms.CreateInstance(ctx, "triage-intake", s.ID)
	require.ErrorIs(t, err, keymanager.ErrDegradedMode)

	// Urgent capture goes through the plaintext path.
	_, err = e.store.PutPlaintext(ctx, "note:urgent-1", []byte("patient unresponsive, escalated"))
	require.NoError(t, err)

	// Recovery: re-encrypt under the session key, then lift the gate.
	key, keyID, err := e.keys.RequireKey(keymanager.OpRecovery)
	require.NoError(t, err)
	n, err := e.store.ReencryptDegraded(ctx, key, keyID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e.keys.ExitDegradedMode(ctx)

	ids, err := e.store.DegradedDocIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	doc, err := e.store.Get(ctx, "note:urgent-1", key, keyID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.False(t, doc.Degraded)
	assert.Equal(t, "patient unresponsive, escalated", string(doc.Plaintext))

	_, err = e.sessions.AdvanceStage(ctx, s.ID, session.StageAssessment)
	require.NoError(t, err)
}

// TestRestartRederivesSameKey simulates a process restart: a new key
// manager over the same store and secret reads existing documents.
func TestRestartRederivesSameKey(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "clinicd.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	keys1 := keymanager.New(st, keymanager.Options{})
	_, err = keys1.InitializeFromSecret(ctx, []byte("stable secret"))
	require.NoError(t, err)

	sessions1 := session.NewEngine(st, keys1, session.Options{})
	s, err := sessions1.CreateSession(ctx, "patient-1", nil)
	require.NoError(t, err)
	keys1.Clear()

	keys2 := keymanager.New(st, keymanager.Options{})
	_, err = keys2.InitializeFromSecret(ctx, []byte("stable secret"))
	require.NoError(t, err)

	sessions2 := session.NewEngine(st, keys2, session.Options{})
	loaded, err := sessions2.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "patient-1", loaded.PatientRef)

	// The wrong secret derives a different key and reads corruption,
	// never silent garbage.
	keys3 := keymanager.New(st, keymanager.Options{})
	_, err = keys3.InitializeFromSecret(ctx, []byte("wrong secret"))
	require.NoError(t, err)

	sessions3 := session.NewEngine(st, keys3, session.Options{})
	_, err = sessions3.LoadSession(ctx, s.ID)
	require.ErrorIs(t, err, store.ErrDocumentCorrupted)
}
