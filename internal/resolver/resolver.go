// Package resolver assembles the context a summary sees for a subject,
// preferring live results of the current run over persisted history.
package resolver

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resultcache"
)

// HistoryLoader is the slice of the entity store the resolver reads.
type HistoryLoader interface {
	LoadSubjectHistory(ctx context.Context, subjectID string) (*model.SubjectHistory, error)
}

// Resolver answers context queries from the cache first, then the store.
type Resolver struct {
	store HistoryLoader
}

// New returns a Resolver reading history from store.
func New(store HistoryLoader) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the cache-sourced context when the cache holds any result
// for subjectID, otherwise the persisted history. It returns an error
// wrapping model.ErrNotFound when neither tier knows the subject.
func (r *Resolver) Resolve(ctx context.Context, cache resultcache.Cache, subjectID string) (*model.CombinedContext, error) {
	if err := model.ValidateSubjectID(subjectID); err != nil {
		return nil, err
	}

	if cache != nil {
		all, err := cache.GetAll(ctx)
		if err != nil {
			zap.L().Warn("resolver: cache read failed, falling back to store",
				zap.String("student_id", subjectID),
				zap.Error(err),
			)
		}
		results := make(map[string]model.AgentResult, len(all))
		for stage, res := range all {
			if res.SubjectID == subjectID {
				results[stage] = res
			}
		}
		if len(results) > 0 {
			return &model.CombinedContext{
				SubjectID: subjectID,
				Source:    model.SourceCache,
				Results:   results,
			}, nil
		}
	}

	h, err := r.store.LoadSubjectHistory(ctx, subjectID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(model.ErrNotFound, "resolver: no history for %s", subjectID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "resolver: load history %s", subjectID)
	}
	return &model.CombinedContext{
		SubjectID: subjectID,
		Source:    model.SourceStore,
		History:   h,
	}, nil
}
