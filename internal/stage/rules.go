package stage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/signals"
)

// RulesBackend runs every stage offline with fixed heuristics over the
// student's source-system signals.
type RulesBackend struct {
	signals *signals.Fixture
}

// NewRulesBackend returns a backend reading from fixture.
func NewRulesBackend(fixture *signals.Fixture) *RulesBackend {
	return &RulesBackend{signals: fixture}
}

func (b *RulesBackend) Execute(ctx context.Context, s *Session, _ string) (string, error) {
	rec, _ := b.signals.Lookup(s.SubjectID)
	switch s.Kind {
	case KindRisk:
		return b.risk(ctx, s, rec)
	case KindEmotional:
		return b.emotional(s, rec), nil
	case KindAcademic:
		return b.academic(s, rec), nil
	case KindIntervention:
		return b.intervention(ctx, s, rec)
	case KindFamily:
		return b.family(s, rec), nil
	case KindMonitoring:
		return b.monitoring(ctx, s, rec)
	case KindSummary:
		return b.summary(ctx, s)
	}
	return "", eris.Errorf("stage: rules backend has no handler for %q", s.Kind)
}

type riskRule struct {
	factor string
	weight float64
	hit    func(signals.Record) bool
}

var riskRules = []riskRule{
	{"attendance_below_80", 0.25, func(r signals.Record) bool { return r.Attendance.Rate < 0.8 }},
	{"attendance_slipping", 0.10, func(r signals.Record) bool { return r.Attendance.Rate >= 0.8 && r.Attendance.Rate < 0.95 }},
	{"recent_absences", 0.10, func(r signals.Record) bool { return r.Attendance.RecentAbsences >= 3 }},
	{"gpa_below_2_5", 0.20, func(r signals.Record) bool { return r.Grades.GPA < 2.5 }},
	{"failed_courses", 0.10, func(r signals.Record) bool { return r.Grades.FailedCourses > 0 }},
	{"missing_assignments", 0.05, func(r signals.Record) bool { return r.Grades.MissingAssignments >= 3 }},
	{"lms_inactive", 0.15, func(r signals.Record) bool { return r.LMS.DaysSinceLogin > 7 }},
	{"financial_hold", 0.15, func(r signals.Record) bool { return r.Financial.Hold || !r.Financial.TuitionPaid }},
}

// ScoreRisk returns a score in [0, 1], rounded to two places, and the
// factors that contributed to it in rule order.
func ScoreRisk(r signals.Record) (float64, []string) {
	var score float64
	factors := []string{}
	for _, rule := range riskRules {
		if rule.hit(r) {
			score += rule.weight
			factors = append(factors, rule.factor)
		}
	}
	score = math.Round(math.Min(score, 1)*100) / 100
	return score, factors
}

func (b *RulesBackend) risk(ctx context.Context, s *Session, rec signals.Record) (string, error) {
	score, factors := ScoreRisk(rec)
	p, err := s.Tools.SaveRiskAssessment(ctx, score, model.LevelForScore(score), factors)
	if err != nil {
		return "", err
	}
	if len(factors) == 0 {
		return fmt.Sprintf("Identified %s risk (%.2f); no risk factors present.", p.Level, p.Score), nil
	}
	return fmt.Sprintf("Identified %s risk (%.2f) due to %s.", p.Level, p.Score, strings.Join(factors, ", ")), nil
}

func (b *RulesBackend) emotional(s *Session, rec signals.Record) string {
	var concerns []string
	concerns = append(concerns, rec.Counseling.ReportedIssues...)
	if rec.Survey.Stress >= 4 {
		concerns = append(concerns, "high stress")
	}
	if rec.Social.PeerInteractionScore > 0 && rec.Social.PeerInteractionScore < 2 {
		concerns = append(concerns, "social isolation")
	}

	wellbeing := "Stable"
	switch {
	case rec.Survey.Stress >= 4 || rec.Counseling.RecentVisits >= 3:
		wellbeing = "At risk"
	case rec.Survey.Stress >= 3 || len(concerns) > 0:
		wellbeing = "Monitor"
	}

	s.Tools.Record("wellbeing", wellbeing)
	s.Tools.Record("stress_level", rec.Survey.Stress)
	s.Tools.Record("concerns", concerns)

	if len(concerns) == 0 {
		return fmt.Sprintf("Wellbeing %s; no concerns reported.", wellbeing)
	}
	return fmt.Sprintf("Wellbeing %s; concerns: %s.", wellbeing, strings.Join(concerns, ", "))
}

func (b *RulesBackend) academic(s *Session, rec signals.Record) string {
	style := rec.Academic.LearningStyle
	if style == "" {
		style = "Visual"
	}
	resource := "study guides"
	if len(rec.Academic.Preferences) > 0 {
		resource = strings.ToLower(rec.Academic.Preferences[0])
	}

	plan := make([]string, 0, len(rec.Academic.WeakSubjects))
	for _, ws := range rec.Academic.WeakSubjects {
		plan = append(plan, fmt.Sprintf("%s: review %s with %s, two sessions per week", ws.Subject, ws.Topic, resource))
	}
	s.Tools.Record("learning_style", style)
	s.Tools.Record("study_plan", plan)

	if len(plan) == 0 {
		return fmt.Sprintf("No weak subjects found; %s learner, keep current routine.", style)
	}
	return fmt.Sprintf("Study plan for a %s learner covering %d subject(s).", style, len(plan))
}

func (b *RulesBackend) intervention(ctx context.Context, s *Session, rec signals.Record) (string, error) {
	type planned struct {
		typ  model.InterventionType
		desc string
	}
	plan := []planned{{model.InterventionAcademic, academicDescription(rec)}}
	if rec.Financial.Hold || !rec.Financial.TuitionPaid {
		plan = append(plan, planned{model.InterventionFinancial,
			fmt.Sprintf("Financial aid review for outstanding balance of $%.2f", rec.Financial.OutstandingBalance)})
	}
	if rec.Survey.Stress >= 4 || rec.Counseling.RecentVisits >= 3 {
		plan = append(plan, planned{model.InterventionEmotional, "Counseling referral for stress and burnout"})
	}

	created := make([]string, 0, len(plan))
	for _, p := range plan {
		if _, err := s.Tools.CreateIntervention(ctx, p.typ, p.desc); err != nil {
			return "", err
		}
		created = append(created, string(p.typ))
	}
	return fmt.Sprintf("Created %d intervention(s): %s.", len(created), strings.Join(created, ", ")), nil
}

func academicDescription(rec signals.Record) string {
	if len(rec.Academic.WeakSubjects) == 0 {
		return "Academic check-in with advisor"
	}
	subjects := make([]string, 0, len(rec.Academic.WeakSubjects))
	for _, ws := range rec.Academic.WeakSubjects {
		subjects = append(subjects, ws.Subject)
	}
	return "Weekly tutoring for " + strings.Join(subjects, " and ")
}

func (b *RulesBackend) family(s *Session, rec signals.Record) string {
	guardian := rec.Family.GuardianName
	if guardian == "" {
		guardian = "Guardian"
	}
	lang := rec.Family.PreferredLanguage
	if lang == "" {
		lang = "English"
	}
	msg := fmt.Sprintf("Dear %s, we would like to partner with you to support %s this term. "+
		"Our advising team will reach out to schedule a short conversation.", guardian, s.SubjectID)
	if !strings.EqualFold(lang, "English") {
		// Translation is delegated to the outreach office; the draft is tagged.
		msg = "[" + lang + "] " + msg
	}

	s.Tools.Record("guardian", guardian)
	s.Tools.Record("language", lang)
	s.Tools.Record("message", msg)
	s.Tools.Record("status", "Drafted")

	return fmt.Sprintf("Drafted guardian message for %s in %s.", guardian, lang)
}

// compareMetrics reports attendance and grade trends against the baseline.
func compareMetrics(rec signals.Record) map[string]string {
	attendance, grades := "Stable", "Stable"
	if rec.Attendance.Rate < 0.8 {
		attendance = "Declining"
	}
	if rec.Grades.FailedCourses > 0 {
		grades = "Declining"
	}
	return map[string]string{"attendance_trend": attendance, "grade_trend": grades}
}

func (b *RulesBackend) monitoring(ctx context.Context, s *Session, rec signals.Record) (string, error) {
	trends := compareMetrics(rec)
	s.Tools.Record("attendance_trend", trends["attendance_trend"])
	s.Tools.Record("grade_trend", trends["grade_trend"])

	ivs, err := s.Tools.ListInterventions(ctx)
	if err != nil {
		return "", err
	}
	var activated []string
	for _, iv := range ivs {
		if iv.Status != model.InterventionPending {
			continue
		}
		if _, err := s.Tools.TransitionIntervention(ctx, iv.ID, model.InterventionActive); err != nil {
			return "", err
		}
		activated = append(activated, iv.ID)
	}
	s.Tools.Record("activated", activated)

	return fmt.Sprintf("Attendance %s, grades %s; %d intervention(s) tracked, %d activated.",
		strings.ToLower(trends["attendance_trend"]), strings.ToLower(trends["grade_trend"]),
		len(ivs), len(activated)), nil
}

func (b *RulesBackend) summary(ctx context.Context, s *Session) (string, error) {
	cc, _ := s.Input[InputContext].(*model.CombinedContext)
	if cc == nil {
		var err error
		if cc, err = s.Tools.Context(ctx); err != nil {
			return "", err
		}
	}
	incomplete, _ := s.Input[InputIncomplete].([]string)
	return RenderSummary(cc, incomplete), nil
}

// Session.Input keys understood by the summary stage.
const (
	InputContext    = "context"
	InputIncomplete = "incomplete"
)

// RenderSummary writes the markdown report for a resolved context.
func RenderSummary(cc *model.CombinedContext, incomplete []string) string {
	var b strings.Builder
	b.WriteString("## Student Analysis Summary\n\n")
	fmt.Fprintf(&b, "**Student:** %s (source: %s)\n", cc.SubjectID, cc.Source)

	level := cc.RiskLevel()
	if level == "" {
		level = "Unknown"
	}
	fmt.Fprintf(&b, "**Risk Level:** %s", level)
	if cc.History != nil && cc.History.RiskProfile != nil {
		p := cc.History.RiskProfile
		fmt.Fprintf(&b, " (Score: %.2f)\n**Key Factors:** %s\n", p.Score, joinOrNone(p.Factors))
	} else if r, ok := cc.Results[string(KindRisk)]; ok {
		if score, ok := r.Data["risk_score"].(float64); ok {
			fmt.Fprintf(&b, " (Score: %.2f)", score)
		}
		b.WriteString("\n")
		if factors := stringList(r.Data["risk_factors"]); len(factors) > 0 {
			fmt.Fprintf(&b, "**Key Factors:** %s\n", strings.Join(factors, ", "))
		}
	} else {
		b.WriteString("\n")
	}

	if len(cc.Results) > 0 {
		b.WriteString("\n### Actions Taken\n\n")
		stages := make([]string, 0, len(cc.Results))
		for name := range cc.Results {
			stages = append(stages, name)
		}
		sort.Slice(stages, func(i, j int) bool { return kindOrder(stages[i]) < kindOrder(stages[j]) })
		for _, name := range stages {
			fmt.Fprintf(&b, "- **%s:** %s\n", titleCase(name), cc.Results[name].Text)
		}
	}

	if cc.History != nil {
		fmt.Fprintf(&b, "\n### Interventions (%d)\n\n", len(cc.History.Interventions))
		for _, iv := range cc.History.Interventions {
			fmt.Fprintf(&b, "- %s [%s]: %s\n", iv.Type, iv.Status, iv.Description)
		}
	} else if ids := cc.InterventionIDs(); len(ids) > 0 {
		fmt.Fprintf(&b, "\n### Interventions (%d)\n\n", len(ids))
		for _, id := range ids {
			fmt.Fprintf(&b, "- %s\n", id)
		}
	}

	if len(incomplete) > 0 {
		fmt.Fprintf(&b, "\n**Incomplete stages:** %s\n", strings.Join(incomplete, ", "))
	}

	b.WriteString("\n### Next Steps\n\n")
	if level.NeedsSupport() {
		b.WriteString("Follow up on open interventions and review progress with the monitoring stage.\n")
	} else {
		b.WriteString("No support needed at this time; re-assess next term.\n")
	}
	return b.String()
}

func kindOrder(name string) int {
	for i, k := range allKinds {
		if string(k) == name {
			return i
		}
	}
	return len(allKinds)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
