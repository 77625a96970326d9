package stage

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resultcache"
)

// Persistence is the part of the entity store a stage may write through.
type Persistence interface {
	UpsertSubjectProfile(ctx context.Context, id string, patch model.SubjectPatch) (*model.Subject, error)
	UpsertRiskProfile(ctx context.Context, id string, score float64, level model.RiskLevel, factors []string) (*model.RiskProfile, error)
	CreateIntervention(ctx context.Context, subjectID string, typ model.InterventionType, description string) (string, error)
	TransitionIntervention(ctx context.Context, interventionID string, status model.InterventionStatus) (*model.Intervention, error)
	ListInterventions(ctx context.Context, subjectID string) ([]model.Intervention, error)
}

// ContextResolver answers "what is known about this subject right now".
type ContextResolver interface {
	Resolve(ctx context.Context, cache resultcache.Cache, subjectID string) (*model.CombinedContext, error)
}

// Toolbox is the set of callbacks a stage uses to persist and read state.
// Every call is bound to the session's subject.
type Toolbox struct {
	subjectID string
	store     Persistence
	cache     resultcache.Cache
	resolver  ContextResolver

	mu   sync.Mutex
	data map[string]any
}

func newToolbox(subjectID string, store Persistence, cache resultcache.Cache, resolver ContextResolver) *Toolbox {
	return &Toolbox{
		subjectID: subjectID,
		store:     store,
		cache:     cache,
		resolver:  resolver,
		data:      make(map[string]any),
	}
}

// SubjectID returns the subject every tool call is bound to.
func (t *Toolbox) SubjectID() string { return t.subjectID }

// SaveRiskAssessment persists the risk profile and records the stored values.
func (t *Toolbox) SaveRiskAssessment(ctx context.Context, score float64, level model.RiskLevel, factors []string) (*model.RiskProfile, error) {
	if t.store == nil {
		return nil, eris.New("stage: no store bound to toolbox")
	}
	p, err := t.store.UpsertRiskProfile(ctx, t.subjectID, score, level, factors)
	if err != nil {
		return nil, err
	}
	t.Record("risk_score", p.Score)
	t.Record("risk_level", string(p.Level))
	t.Record("risk_factors", append([]string(nil), p.Factors...))
	return p, nil
}

// CreateIntervention persists a new Pending intervention and records its id.
func (t *Toolbox) CreateIntervention(ctx context.Context, typ model.InterventionType, description string) (string, error) {
	if t.store == nil {
		return "", eris.New("stage: no store bound to toolbox")
	}
	id, err := t.store.CreateIntervention(ctx, t.subjectID, typ, description)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	ids, _ := t.data["intervention_ids"].([]string)
	t.data["intervention_ids"] = append(ids, id)
	t.mu.Unlock()
	return id, nil
}

// TransitionIntervention moves one of this subject's interventions to status.
func (t *Toolbox) TransitionIntervention(ctx context.Context, interventionID string, status model.InterventionStatus) (*model.Intervention, error) {
	if t.store == nil {
		return nil, eris.New("stage: no store bound to toolbox")
	}
	owned, err := t.ListInterventions(ctx)
	if err != nil {
		return nil, err
	}
	for _, iv := range owned {
		if iv.ID == interventionID {
			return t.store.TransitionIntervention(ctx, interventionID, status)
		}
	}
	return nil, eris.Wrapf(model.ErrNotFound, "stage: intervention %s for %s", interventionID, t.subjectID)
}

// ListInterventions returns the subject's interventions in creation order.
func (t *Toolbox) ListInterventions(ctx context.Context) ([]model.Intervention, error) {
	if t.store == nil {
		return nil, eris.New("stage: no store bound to toolbox")
	}
	return t.store.ListInterventions(ctx, t.subjectID)
}

// UpdateProfile applies a profile patch to the subject.
func (t *Toolbox) UpdateProfile(ctx context.Context, patch model.SubjectPatch) (*model.Subject, error) {
	if t.store == nil {
		return nil, eris.New("stage: no store bound to toolbox")
	}
	return t.store.UpsertSubjectProfile(ctx, t.subjectID, patch)
}

// Context resolves the subject's current context from the run cache or the store.
func (t *Toolbox) Context(ctx context.Context) (*model.CombinedContext, error) {
	if t.resolver == nil {
		return nil, eris.New("stage: no resolver bound to toolbox")
	}
	return t.resolver.Resolve(ctx, t.cache, t.subjectID)
}

// Record stores a structured value in the stage's result data.
func (t *Toolbox) Record(key string, value any) {
	t.mu.Lock()
	t.data[key] = value
	t.mu.Unlock()
}

// Data returns a copy of everything recorded so far.
func (t *Toolbox) Data() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.data))
	for k, v := range t.data {
		if ids, ok := v.([]string); ok {
			v = append([]string(nil), ids...)
		}
		out[k] = v
	}
	return out
}
