// Package pipeline drives one student through the analysis stages, branches
// on the persisted risk level and finishes with a summary.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resultcache"
	"github.com/sells-group/retention-cli/internal/stage"
)

// RiskReader is the slice of the entity store the controller branches on.
type RiskReader interface {
	GetRiskProfile(ctx context.Context, id string) (*model.RiskProfile, error)
}

// Controller sequences stages for a subject.
type Controller struct {
	exec          *stage.Executor
	store         RiskReader
	resolver      stage.ContextResolver
	maxConcurrent int
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxConcurrent bounds how many subjects RunBatch processes at once.
func WithMaxConcurrent(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// New creates a Controller.
func New(exec *stage.Executor, store RiskReader, resolver stage.ContextResolver, opts ...Option) *Controller {
	c := &Controller{
		exec:          exec,
		store:         store,
		resolver:      resolver,
		maxConcurrent: 4,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run executes the full pipeline for subjectID using cache as the run's
// result cache. A stage failure does not fail Run: the remaining analysis
// stages are skipped, a summary is still produced and the outcome is
// partial. Run returns an error only if the run could not start.
func (c *Controller) Run(ctx context.Context, cache resultcache.Cache, subjectID string) (*model.Outcome, error) {
	if err := model.ValidateSubjectID(subjectID); err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, eris.New("pipeline: nil result cache")
	}

	runID := uuid.NewString()
	log := zap.L().With(zap.String("student_id", subjectID), zap.String("run_id", runID))
	log.Info("pipeline: starting run")

	if err := cache.Clear(ctx); err != nil {
		return nil, eris.Wrap(err, "pipeline: clear result cache")
	}

	start := time.Now()
	outcome := &model.Outcome{
		RunID:     runID,
		SubjectID: subjectID,
		State:     model.StateInit,
		Status:    model.RunStatusComplete,
		StartedAt: start.UTC(),
	}

	var failed bool
	skip := func(kinds ...stage.Kind) {
		for _, k := range kinds {
			outcome.Stages = append(outcome.Stages, model.StageRecord{Stage: string(k), Status: model.StageStatusSkipped})
		}
	}
	abort := func(kinds ...stage.Kind) {
		skip(kinds...)
		for _, k := range kinds {
			outcome.Incomplete = append(outcome.Incomplete, string(k))
		}
	}

	// trackStage runs one stage, records its outcome and caches its result.
	trackStage := func(kind stage.Kind, opts ...stage.RunOption) bool {
		rec := model.StageRecord{Stage: string(kind)}
		res, err := c.runAndCache(ctx, cache, kind, subjectID, opts...)
		rec.Duration = res.Duration.Milliseconds()
		if err != nil {
			rec.Status = model.StageStatusFailed
			rec.Error = err.Error()
			outcome.Incomplete = append(outcome.Incomplete, string(kind))
			log.Error("pipeline: stage failed", zap.String("stage", string(kind)), zap.Error(err))
		} else {
			rec.Status = model.StageStatusComplete
		}
		outcome.Stages = append(outcome.Stages, rec)
		return err == nil
	}

	// Init -> RiskAssessed -> EmotionalAssessed
	if trackStage(stage.KindRisk) {
		outcome.State = model.StateRiskAssessed
		if trackStage(stage.KindEmotional) {
			outcome.State = model.StateEmotionalAssessed
		} else {
			failed = true
		}
	} else {
		failed = true
		abort(stage.KindEmotional)
	}

	// Branch
	if failed {
		abort(stage.SupportKinds()...)
	} else {
		outcome.State = model.StateBranch
		level, err := c.branchLevel(ctx, subjectID, log)
		if err != nil {
			log.Error("pipeline: read risk profile", zap.Error(err))
			failed = true
			abort(stage.SupportKinds()...)
		} else {
			outcome.RiskLevel = level
			if level.NeedsSupport() {
				outcome.Branch = model.BranchSupported
				kinds := stage.SupportKinds()
				for i, k := range kinds {
					if !trackStage(k) {
						failed = true
						abort(kinds[i+1:]...)
						break
					}
				}
				if !failed {
					outcome.State = model.StateSupported
				}
			} else {
				outcome.Branch = model.BranchSkipped
				outcome.State = model.StateSkipped
				skip(stage.SupportKinds()...)
				log.Info("pipeline: support stages skipped", zap.String("risk_level", string(level)))
			}
		}
	}

	// Summarized
	cc, err := c.resolver.Resolve(ctx, cache, subjectID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		log.Warn("pipeline: resolve context", zap.Error(err))
	}
	outcome.Context = cc

	incomplete := append([]string(nil), outcome.Incomplete...)
	summaryOpts := []stage.RunOption{stage.WithInput(stage.InputIncomplete, incomplete)}
	if cc != nil {
		summaryOpts = append(summaryOpts, stage.WithInput(stage.InputContext, cc))
	}
	summaryStart := time.Now()
	res, err := c.runAndCache(ctx, cache, stage.KindSummary, subjectID, summaryOpts...)
	rec := model.StageRecord{Stage: string(stage.KindSummary), Duration: time.Since(summaryStart).Milliseconds()}
	if err != nil {
		rec.Status = model.StageStatusFailed
		rec.Error = err.Error()
		outcome.Incomplete = append(outcome.Incomplete, string(stage.KindSummary))
		outcome.Summary = FormatSummary(subjectID, cc, incomplete)
		failed = true
		log.Warn("pipeline: summary stage failed, using local report", zap.Error(err))
	} else {
		rec.Status = model.StageStatusComplete
		outcome.Summary = res.Text
	}
	outcome.Stages = append(outcome.Stages, rec)
	outcome.State = model.StateSummarized

	if failed {
		outcome.Status = model.RunStatusPartial
	}
	outcome.State = model.StateDone
	outcome.Duration = time.Since(start).Milliseconds()

	log.Info("pipeline: run complete",
		zap.String("status", string(outcome.Status)),
		zap.String("branch", string(outcome.Branch)),
		zap.Strings("incomplete", outcome.Incomplete),
		zap.Int64("duration_ms", outcome.Duration),
	)
	return outcome, nil
}

// branchLevel returns the persisted risk level. A missing profile counts
// as Low.
func (c *Controller) branchLevel(ctx context.Context, subjectID string, log *zap.Logger) (model.RiskLevel, error) {
	p, err := c.store.GetRiskProfile(ctx, subjectID)
	if errors.Is(err, model.ErrNotFound) {
		log.Warn("pipeline: risk stage left no profile, treating as Low")
		return model.RiskLow, nil
	}
	if err != nil {
		return "", eris.Wrap(err, "pipeline: branch on risk level")
	}
	return p.Level, nil
}

// RunStage runs a single stage on demand and caches its result.
func (c *Controller) RunStage(ctx context.Context, cache resultcache.Cache, subjectID string, kind stage.Kind) (stage.Result, error) {
	if cache == nil {
		return stage.Result{}, eris.New("pipeline: nil result cache")
	}
	return c.runAndCache(ctx, cache, kind, subjectID)
}

func (c *Controller) runAndCache(ctx context.Context, cache resultcache.Cache, kind stage.Kind, subjectID string, opts ...stage.RunOption) (stage.Result, error) {
	res, err := c.exec.Adapter(kind, cache).Run(ctx, subjectID, "", opts...)
	if err != nil {
		return res, err
	}
	if err := cache.Save(ctx, string(kind), res.AgentResult(subjectID)); err != nil {
		return res, &stage.StageError{Kind: kind, SubjectID: subjectID, Err: eris.Wrap(err, "pipeline: cache stage result")}
	}
	return res, nil
}
