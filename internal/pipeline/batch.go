package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resultcache"
)

// BatchItem is the result of one subject in a batch.
type BatchItem struct {
	SubjectID string         `json:"student_id"`
	Outcome   *model.Outcome `json:"outcome,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// RunBatch runs the pipeline for independent subjects concurrently, each
// with its own cache from newCache. Items are returned in input order. A
// failing subject does not stop the others.
func (c *Controller) RunBatch(ctx context.Context, subjectIDs []string, newCache resultcache.Factory) ([]BatchItem, error) {
	if newCache == nil {
		return nil, eris.New("pipeline: nil cache factory")
	}
	seen := make(map[string]bool, len(subjectIDs))
	for _, id := range subjectIDs {
		if err := model.ValidateSubjectID(id); err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, &model.ValidationError{Field: "student_id", Reason: "duplicate " + id + " in batch"}
		}
		seen[id] = true
	}

	zap.L().Info("pipeline: processing batch",
		zap.Int("students", len(subjectIDs)),
		zap.Int("concurrency", c.maxConcurrent),
	)

	items := make([]BatchItem, len(subjectIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)

	var succeeded, partial, failed atomic.Int64

	for i, id := range subjectIDs {
		g.Go(func() error {
			items[i].SubjectID = id
			outcome, err := c.Run(gctx, newCache(id), id)
			if err != nil {
				failed.Add(1)
				items[i].Error = err.Error()
				zap.L().Error("pipeline: batch item failed", zap.String("student_id", id), zap.Error(err))
				return nil // one subject never aborts the batch
			}
			items[i].Outcome = outcome
			if outcome.Status == model.RunStatusPartial {
				partial.Add(1)
			} else {
				succeeded.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return items, eris.Wrap(err, "pipeline: batch")
	}

	zap.L().Info("pipeline: batch complete",
		zap.Int64("complete", succeeded.Load()),
		zap.Int64("partial", partial.Load()),
		zap.Int64("failed", failed.Load()),
	)
	if err := ctx.Err(); err != nil {
		return items, eris.Wrap(err, "pipeline: batch cancelled")
	}
	return items, nil
}
