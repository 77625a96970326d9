package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/retention-cli/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func strPtr(s string) *string { return &s }

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertSubjectProfile_CreateThenPatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		subj, err := s.UpsertSubjectProfile(ctx, "S001", model.SubjectPatch{
			FirstName: strPtr("Ada"),
			LastName:  strPtr("Lovelace"),
			Email:     strPtr("ada@example.edu"),
		})
		require.NoError(t, err)
		assert.Equal(t, "S001", subj.ID)
		assert.Equal(t, model.EnrollmentActive, subj.EnrollmentStatus)

		status := model.EnrollmentProbation
		subj, err = s.UpsertSubjectProfile(ctx, "S001", model.SubjectPatch{
			EnrollmentStatus: &status,
			Metadata:         map[string]any{"cohort": "2026"},
		})
		require.NoError(t, err)
		assert.Equal(t, "Ada", subj.FirstName, "unpatched fields are preserved")
		assert.Equal(t, model.EnrollmentProbation, subj.EnrollmentStatus)

		got, err := s.GetSubject(ctx, "S001")
		require.NoError(t, err)
		assert.Equal(t, "Lovelace", got.LastName)
		assert.Equal(t, "ada@example.edu", got.Email)
		assert.Equal(t, model.EnrollmentProbation, got.EnrollmentStatus)
		assert.Equal(t, "2026", got.Metadata["cohort"])
	})

	t.Run("UpsertSubjectProfile_SamePatchTwice", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		status := model.EnrollmentProbation
		patch := model.SubjectPatch{
			FirstName:        strPtr("Ada"),
			EnrollmentStatus: &status,
			Metadata:         map[string]any{"cohort": "2026", "advisor": "Kim"},
		}
		_, err := s.UpsertSubjectProfile(ctx, "S001", patch)
		require.NoError(t, err)
		first, err := s.GetSubject(ctx, "S001")
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		_, err = s.UpsertSubjectProfile(ctx, "S001", patch)
		require.NoError(t, err)
		second, err := s.GetSubject(ctx, "S001")
		require.NoError(t, err)

		assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt), "no-op patch keeps updated_at")
		assert.Equal(t, first.Metadata, second.Metadata)
		assert.Equal(t, first.FirstName, second.FirstName)
		assert.Equal(t, first.EnrollmentStatus, second.EnrollmentStatus)
	})

	t.Run("UpsertSubjectProfile_InvalidID", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertSubjectProfile(context.Background(), "", model.SubjectPatch{})
		var ve *model.ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "student_id", ve.Field)
	})

	t.Run("GetSubject_NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetSubject(context.Background(), "missing")
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("UpsertRiskProfile_Thresholds", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		tests := []struct {
			score float64
			want  model.RiskLevel
		}{
			{0.0, model.RiskLow},
			{0.29, model.RiskLow},
			{0.3, model.RiskMedium},
			{0.69, model.RiskMedium},
			{0.7, model.RiskHigh},
			{1.0, model.RiskHigh},
		}
		for i, tt := range tests {
			id := fmt.Sprintf("T%d", i)
			p, err := s.UpsertRiskProfile(ctx, id, tt.score, "", []string{"low_attendance"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Level, "score %v", tt.score)

			stored, err := s.GetRiskProfile(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Level)
			assert.InDelta(t, tt.score, stored.Score, 1e-9)
		}
	})

	t.Run("UpsertRiskProfile_DerivedLevelWins", func(t *testing.T) {
		s := newStore(t)
		p, err := s.UpsertRiskProfile(context.Background(), "S002", 0.85, model.RiskLow, nil)
		require.NoError(t, err)
		assert.Equal(t, model.RiskHigh, p.Level)
		assert.Equal(t, []string{}, p.Factors)
	})

	t.Run("UpsertRiskProfile_Idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		factors := []string{"gpa_drop", "missed_payments"}

		_, err := s.UpsertRiskProfile(ctx, "S003", 0.5, model.RiskMedium, factors)
		require.NoError(t, err)
		_, err = s.UpsertRiskProfile(ctx, "S003", 0.5, model.RiskMedium, factors)
		require.NoError(t, err)

		h, err := s.LoadSubjectHistory(ctx, "S003")
		require.NoError(t, err)
		require.NotNil(t, h.RiskProfile)
		assert.Equal(t, model.RiskMedium, h.RiskProfile.Level)
		assert.Equal(t, factors, h.RiskProfile.Factors)
	})

	t.Run("UpsertRiskProfile_RejectsBadScore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, score := range []float64{-0.1, 1.01} {
			_, err := s.UpsertRiskProfile(ctx, "S004", score, "", nil)
			var ve *model.ValidationError
			assert.True(t, errors.As(err, &ve), "score %v", score)
		}
		_, err := s.GetRiskProfile(ctx, "S004")
		assert.True(t, errors.Is(err, model.ErrNotFound), "rejected writes leave nothing behind")
	})

	t.Run("UpsertRiskProfile_RejectsUnknownLevel", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertRiskProfile(context.Background(), "S005", 0.2, model.RiskLevel("Severe"), nil)
		var ve *model.ValidationError
		assert.True(t, errors.As(err, &ve))
	})

	t.Run("CreateIntervention_DistinctIDsInOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		seen := map[string]bool{}
		var ids []string
		for i := 0; i < 5; i++ {
			id, err := s.CreateIntervention(ctx, "S006", model.InterventionAcademic, fmt.Sprintf("tutoring block %d", i))
			require.NoError(t, err)
			assert.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
			ids = append(ids, id)
		}

		list, err := s.ListInterventions(ctx, "S006")
		require.NoError(t, err)
		require.Len(t, list, 5)
		for i, iv := range list {
			assert.Equal(t, ids[i], iv.ID)
			assert.Equal(t, model.InterventionPending, iv.Status)
			assert.Equal(t, model.InterventionAcademic, iv.Type)
		}
	})

	t.Run("CreateIntervention_Validation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateIntervention(ctx, "S007", model.InterventionType("Spiritual"), "x")
		var ve *model.ValidationError
		assert.True(t, errors.As(err, &ve))

		_, err = s.CreateIntervention(ctx, "S007", model.InterventionFamily, "  ")
		assert.True(t, errors.As(err, &ve))
		assert.Equal(t, "description", ve.Field)
	})

	t.Run("TransitionIntervention", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.CreateIntervention(ctx, "S008", model.InterventionEmotional, "counseling referral")
		require.NoError(t, err)

		iv, err := s.TransitionIntervention(ctx, id, model.InterventionActive)
		require.NoError(t, err)
		assert.Equal(t, model.InterventionActive, iv.Status)

		iv, err = s.TransitionIntervention(ctx, id, model.InterventionResolved)
		require.NoError(t, err)
		assert.Equal(t, model.InterventionResolved, iv.Status)

		_, err = s.TransitionIntervention(ctx, id, model.InterventionActive)
		var ve *model.ValidationError
		assert.True(t, errors.As(err, &ve), "resolved is terminal")

		_, err = s.TransitionIntervention(ctx, "no-such-id", model.InterventionActive)
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("LoadSubjectHistory_NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadSubjectHistory(context.Background(), "nobody")
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("LoadSubjectHistory_ImplicitSubject", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.UpsertRiskProfile(ctx, "S009", 0.82, model.RiskHigh, []string{"attendance_below_60"})
		require.NoError(t, err)
		id, err := s.CreateIntervention(ctx, "S009", model.InterventionAcademic, "weekly tutoring")
		require.NoError(t, err)

		h, err := s.LoadSubjectHistory(ctx, "S009")
		require.NoError(t, err)
		assert.Equal(t, "S009", h.Subject.ID)
		assert.Equal(t, model.EnrollmentActive, h.Subject.EnrollmentStatus)
		require.NotNil(t, h.RiskProfile)
		assert.Equal(t, model.RiskHigh, h.RiskProfile.Level)
		require.Len(t, h.Interventions, 1)
		assert.Equal(t, id, h.Interventions[0].ID)
	})

	t.Run("LoadSubjectHistory_NoRiskYet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.UpsertSubjectProfile(ctx, "S010", model.SubjectPatch{FirstName: strPtr("Grace")})
		require.NoError(t, err)

		h, err := s.LoadSubjectHistory(ctx, "S010")
		require.NoError(t, err)
		assert.Nil(t, h.RiskProfile)
		assert.Empty(t, h.Interventions)
	})

	t.Run("ListSubjects_Filters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.UpsertRiskProfile(ctx, "A", 0.1, "", nil)
		require.NoError(t, err)
		_, err = s.UpsertRiskProfile(ctx, "B", 0.4, "", nil)
		require.NoError(t, err)
		_, err = s.UpsertRiskProfile(ctx, "C", 0.9, "", nil)
		require.NoError(t, err)
		_, err = s.UpsertSubjectProfile(ctx, "D", model.SubjectPatch{})
		require.NoError(t, err)

		all, err := s.ListSubjects(ctx, SubjectFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		atRisk, err := s.ListSubjects(ctx, SubjectFilter{MinRiskLevel: model.RiskMedium})
		require.NoError(t, err)
		require.Len(t, atRisk, 2)
		assert.Equal(t, "B", atRisk[0].ID)
		assert.Equal(t, "C", atRisk[1].ID)

		page, err := s.ListSubjects(ctx, SubjectFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "B", page[0].ID)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		time.Sleep(time.Millisecond)

		_, err := s.UpsertRiskProfile(ctx, "S011", 0.5, "", nil)
		assert.Error(t, err)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
