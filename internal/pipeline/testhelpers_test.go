package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resolver"
	"github.com/sells-group/retention-cli/internal/signals"
	"github.com/sells-group/retention-cli/internal/stage"
	"github.com/sells-group/retention-cli/internal/store"
)

// memStore is a goroutine-free in-memory entity store.
type memStore struct {
	mu            sync.Mutex
	subjects      map[string]*model.Subject
	risks         map[string]*model.RiskProfile
	interventions []*model.Intervention
	failRiskReads bool
}

func newMemStore() *memStore {
	return &memStore{
		subjects: make(map[string]*model.Subject),
		risks:    make(map[string]*model.RiskProfile),
	}
}

func (m *memStore) ensure(id string) *model.Subject {
	s, ok := m.subjects[id]
	if !ok {
		s = model.NewSubject(id, time.Now())
		m.subjects[id] = s
	}
	return s
}

func (m *memStore) UpsertSubjectProfile(_ context.Context, id string, patch model.SubjectPatch) (*model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.ensure(id)
	patch.Apply(s)
	cp := *s
	return &cp, nil
}

func (m *memStore) UpsertRiskProfile(_ context.Context, id string, score float64, _ model.RiskLevel, factors []string) (*model.RiskProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &model.RiskProfile{SubjectID: id}
	if err := p.UpdateScore(score, factors, time.Now()); err != nil {
		return nil, err
	}
	m.ensure(id)
	m.risks[id] = p
	cp := *p
	return &cp, nil
}

func (m *memStore) GetRiskProfile(_ context.Context, id string) (*model.RiskProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRiskReads {
		return nil, errors.New("connection refused")
	}
	p, ok := m.risks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) CreateIntervention(_ context.Context, subjectID string, typ model.InterventionType, description string) (string, error) {
	if err := model.ValidateDescription(description); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(subjectID)
	now := time.Now()
	iv := &model.Intervention{
		ID: uuid.NewString(), SubjectID: subjectID, Type: typ,
		Status: model.InterventionPending, Description: description, CreatedAt: now, UpdatedAt: now,
	}
	m.interventions = append(m.interventions, iv)
	return iv.ID, nil
}

func (m *memStore) TransitionIntervention(_ context.Context, id string, status model.InterventionStatus) (*model.Intervention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, iv := range m.interventions {
		if iv.ID == id {
			if err := iv.Transition(status, time.Now()); err != nil {
				return nil, err
			}
			cp := *iv
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *memStore) ListInterventions(_ context.Context, subjectID string) ([]model.Intervention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Intervention
	for _, iv := range m.interventions {
		if iv.SubjectID == subjectID {
			out = append(out, *iv)
		}
	}
	return out, nil
}

func (m *memStore) LoadSubjectHistory(ctx context.Context, subjectID string) (*model.SubjectHistory, error) {
	m.mu.Lock()
	s, ok := m.subjects[subjectID]
	var subj model.Subject
	if ok {
		subj = *s
	}
	var risk *model.RiskProfile
	if p, ok := m.risks[subjectID]; ok {
		cp := *p
		risk = &cp
	}
	m.mu.Unlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	ivs, _ := m.ListInterventions(ctx, subjectID)
	return &model.SubjectHistory{Subject: subj, RiskProfile: risk, Interventions: ivs}, nil
}

// recorder notes every stage invocation in order.
type recorder struct {
	mu    sync.Mutex
	calls map[string][]stage.Kind
}

func (r *recorder) note(subjectID string, kind stage.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][]stage.Kind)
	}
	r.calls[subjectID] = append(r.calls[subjectID], kind)
}

func (r *recorder) kinds(subjectID string) []stage.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stage.Kind(nil), r.calls[subjectID]...)
}

// scriptedBackend records invocations, saves the scripted risk score and
// fails the stages listed in fail.
func scriptedBackend(rec *recorder, scores map[string]float64, fail map[stage.Kind]error) stage.Func {
	return func(ctx context.Context, s *stage.Session, _ string) (string, error) {
		rec.note(s.SubjectID, s.Kind)
		if err := fail[s.Kind]; err != nil {
			return "", err
		}
		switch s.Kind {
		case stage.KindRisk:
			score, ok := scores[s.SubjectID]
			if !ok {
				return "no data", nil
			}
			if _, err := s.Tools.SaveRiskAssessment(ctx, score, "", []string{"scripted"}); err != nil {
				return "", err
			}
		case stage.KindIntervention:
			if _, err := s.Tools.CreateIntervention(ctx, model.InterventionAcademic, "weekly tutoring"); err != nil {
				return "", err
			}
		case stage.KindSummary:
			cc, _ := s.Input[stage.InputContext].(*model.CombinedContext)
			incomplete, _ := s.Input[stage.InputIncomplete].([]string)
			if cc == nil {
				return "summary without context", nil
			}
			return stage.RenderSummary(cc, incomplete), nil
		}
		return string(s.Kind) + " done", nil
	}
}

func newMemController(backend stage.Backend, st *memStore, opts ...Option) *Controller {
	res := resolver.New(st)
	return New(stage.NewExecutor(backend, st, res), st, res, opts...)
}

// newSQLiteController wires a controller over a real SQLite store. A nil
// backend uses the rules backend over the built-in signals.
func newSQLiteController(t *testing.T, backend stage.Backend) (*Controller, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	fixture, err := signals.Default()
	require.NoError(t, err)

	if backend == nil {
		backend = stage.NewRulesBackend(fixture)
	}
	res := resolver.New(st)
	return New(stage.NewExecutor(backend, st, res), st, res), st
}
