package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
)

// SubjectFilter specifies criteria for listing subjects.
type SubjectFilter struct {
	MinRiskLevel model.RiskLevel        `json:"min_risk_level,omitempty"`
	Status       model.EnrollmentStatus `json:"status,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
	Offset       int                    `json:"offset,omitempty"`
}

// Store defines the durable persistence interface for students, risk
// profiles and interventions. Writes for one subject run in a single
// transaction; different subjects are independent.
type Store interface {
	// Subjects
	UpsertSubjectProfile(ctx context.Context, id string, patch model.SubjectPatch) (*model.Subject, error)
	GetSubject(ctx context.Context, id string) (*model.Subject, error)
	ListSubjects(ctx context.Context, filter SubjectFilter) ([]model.Subject, error)

	// Risk profiles
	UpsertRiskProfile(ctx context.Context, id string, score float64, level model.RiskLevel, factors []string) (*model.RiskProfile, error)
	GetRiskProfile(ctx context.Context, id string) (*model.RiskProfile, error)

	// Interventions
	CreateIntervention(ctx context.Context, subjectID string, typ model.InterventionType, description string) (string, error)
	TransitionIntervention(ctx context.Context, interventionID string, status model.InterventionStatus) (*model.Intervention, error)
	ListInterventions(ctx context.Context, subjectID string) ([]model.Intervention, error)

	// History
	LoadSubjectHistory(ctx context.Context, subjectID string) (*model.SubjectHistory, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func validateRiskWrite(id string, score float64, level model.RiskLevel) error {
	if err := model.ValidateSubjectID(id); err != nil {
		return err
	}
	if err := model.ValidateScore(score); err != nil {
		return err
	}
	if level != "" {
		if _, err := model.ParseRiskLevel(string(level)); err != nil {
			return err
		}
	}
	return nil
}

func validateInterventionWrite(subjectID string, typ model.InterventionType, description string) error {
	if err := model.ValidateSubjectID(subjectID); err != nil {
		return err
	}
	if _, err := model.ParseInterventionType(string(typ)); err != nil {
		return err
	}
	return model.ValidateDescription(description)
}

// warnLevelOverride logs when a caller's claimed level disagrees with the
// level derived from its score. The derived level is what gets stored.
func warnLevelOverride(id string, claimed model.RiskLevel, p *model.RiskProfile) {
	if claimed == "" {
		return
	}
	lvl, _ := model.ParseRiskLevel(string(claimed))
	if lvl != p.Level {
		zap.L().Warn("store: risk level does not match score, using derived level",
			zap.String("student_id", id),
			zap.String("claimed", string(claimed)),
			zap.String("derived", string(p.Level)),
			zap.Float64("score", p.Score),
		)
	}
}
