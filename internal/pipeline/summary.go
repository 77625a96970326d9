package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resultcache"
	"github.com/sells-group/retention-cli/internal/stage"
)

// Report is the answer to a context query.
type Report struct {
	SubjectID string                 `json:"student_id"`
	Source    model.ContextSource    `json:"source"`
	RiskLevel model.RiskLevel        `json:"risk_level,omitempty"`
	Summary   string                 `json:"summary"`
	Context   *model.CombinedContext `json:"context"`
}

// Summary answers "what is the current state of subjectID" without running
// any analysis stage. It prefers the results cached in cache and falls back
// to persisted history. The error wraps model.ErrNotFound when the subject
// is unknown to both.
func (c *Controller) Summary(ctx context.Context, cache resultcache.Cache, subjectID string) (*Report, error) {
	cc, err := c.resolver.Resolve(ctx, cache, subjectID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		SubjectID: subjectID,
		Source:    cc.Source,
		RiskLevel: cc.RiskLevel(),
		Context:   cc,
	}

	res, err := c.exec.Adapter(stage.KindSummary, cache).
		Run(ctx, subjectID, "", stage.WithInput(stage.InputContext, cc))
	if err != nil {
		zap.L().Warn("pipeline: summary stage failed, using local report",
			zap.String("student_id", subjectID),
			zap.Error(err),
		)
		report.Summary = FormatSummary(subjectID, cc, nil)
		return report, nil
	}
	report.Summary = res.Text
	return report, nil
}
