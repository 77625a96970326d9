package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/signals"
)

// Tool is a callable a conversational backend exposes to the model.
type Tool struct {
	Name        string
	Description string
	// Input sketches the JSON object the tool expects.
	Input string
	Kinds []Kind
	run   func(ctx context.Context, s *Session, sig *signals.Fixture, input json.RawMessage) (any, error)
}

func (t Tool) availableTo(kind Kind) bool {
	for _, k := range t.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

var everyKind = allKinds

func signalTool(name, desc string, kinds []Kind, pick func(signals.Record) any) Tool {
	return Tool{
		Name:        name,
		Description: desc,
		Input:       "{}",
		Kinds:       kinds,
		run: func(_ context.Context, s *Session, sig *signals.Fixture, _ json.RawMessage) (any, error) {
			if sig == nil {
				return nil, eris.Errorf("stage: %s has no signal source", name)
			}
			rec, _ := sig.Lookup(s.SubjectID)
			return pick(rec), nil
		},
	}
}

var toolRegistry = []Tool{
	signalTool("get_attendance", "Attendance records: classes, absences and rate.",
		[]Kind{KindRisk, KindMonitoring}, func(r signals.Record) any { return r.Attendance }),
	signalTool("get_grades", "Current GPA, failed courses, missing assignments and recent grades.",
		[]Kind{KindRisk, KindAcademic, KindMonitoring}, func(r signals.Record) any { return r.Grades }),
	signalTool("get_lms_activity", "Learning management system engagement.",
		[]Kind{KindRisk}, func(r signals.Record) any { return r.LMS }),
	signalTool("get_financial_status", "Tuition payment, holds and outstanding balance.",
		[]Kind{KindRisk, KindIntervention}, func(r signals.Record) any { return r.Financial }),
	signalTool("get_counseling_visits", "Counseling visit history and reported issues.",
		[]Kind{KindEmotional}, func(r signals.Record) any { return r.Counseling }),
	signalTool("get_survey_responses", "Satisfaction, stress and workload survey scores (1-5).",
		[]Kind{KindEmotional}, func(r signals.Record) any { return r.Survey }),
	signalTool("get_social_engagement", "Club memberships, event attendance and peer interaction.",
		[]Kind{KindEmotional}, func(r signals.Record) any { return r.Social }),
	signalTool("get_weak_subjects", "Subjects and topics where the student struggles.",
		[]Kind{KindAcademic}, func(r signals.Record) any { return r.Academic.WeakSubjects }),
	signalTool("get_learning_style", "Preferred learning style and resource preferences.",
		[]Kind{KindAcademic}, func(r signals.Record) any {
			return map[string]any{"learning_style": r.Academic.LearningStyle, "preferences": r.Academic.Preferences}
		}),
	signalTool("get_parent_contact", "Guardian name, contact details and preferred language.",
		[]Kind{KindFamily}, func(r signals.Record) any { return r.Family }),
	signalTool("compare_metrics", "Attendance and grade trends against the baseline.",
		[]Kind{KindMonitoring}, func(r signals.Record) any { return compareMetrics(r) }),
	{
		Name:        "save_risk_assessment",
		Description: "Persist the risk score (0.0-1.0), level and ordered risk factors.",
		Input:       `{"risk_score": 0.82, "risk_level": "High", "risk_factors": ["..."]}`,
		Kinds:       []Kind{KindRisk},
		run: func(ctx context.Context, s *Session, _ *signals.Fixture, input json.RawMessage) (any, error) {
			var in struct {
				Score   *float64 `json:"risk_score"`
				Level   string   `json:"risk_level"`
				Factors []string `json:"risk_factors"`
			}
			if err := decodeInput(input, &in); err != nil {
				return nil, err
			}
			if in.Score == nil {
				return nil, &model.ValidationError{Field: "risk_score", Reason: "is required"}
			}
			level, err := model.ParseRiskLevel(in.Level)
			if err != nil {
				return nil, err
			}
			return s.Tools.SaveRiskAssessment(ctx, *in.Score, level, in.Factors)
		},
	},
	{
		Name:        "create_intervention",
		Description: "Create a Pending intervention. type is Academic, Emotional, Financial, Behavioral or Family.",
		Input:       `{"type": "Academic", "description": "..."}`,
		Kinds:       []Kind{KindIntervention},
		run: func(ctx context.Context, s *Session, _ *signals.Fixture, input json.RawMessage) (any, error) {
			var in struct {
				Type        string `json:"type"`
				Description string `json:"description"`
			}
			if err := decodeInput(input, &in); err != nil {
				return nil, err
			}
			typ, err := model.ParseInterventionType(in.Type)
			if err != nil {
				return nil, err
			}
			id, err := s.Tools.CreateIntervention(ctx, typ, in.Description)
			if err != nil {
				return nil, err
			}
			return map[string]any{"intervention_id": id, "status": model.InterventionPending}, nil
		},
	},
	{
		Name:        "list_interventions",
		Description: "List the student's interventions in creation order.",
		Input:       "{}",
		Kinds:       []Kind{KindIntervention, KindMonitoring, KindSummary},
		run: func(ctx context.Context, s *Session, _ *signals.Fixture, _ json.RawMessage) (any, error) {
			return s.Tools.ListInterventions(ctx)
		},
	},
	{
		Name:        "transition_intervention",
		Description: "Move an intervention to Active, Resolved or Cancelled.",
		Input:       `{"intervention_id": "...", "status": "Active"}`,
		Kinds:       []Kind{KindMonitoring},
		run: func(ctx context.Context, s *Session, _ *signals.Fixture, input json.RawMessage) (any, error) {
			var in struct {
				ID     string `json:"intervention_id"`
				Status string `json:"status"`
			}
			if err := decodeInput(input, &in); err != nil {
				return nil, err
			}
			status, err := model.ParseInterventionStatus(in.Status)
			if err != nil {
				return nil, err
			}
			return s.Tools.TransitionIntervention(ctx, in.ID, status)
		},
	},
	{
		Name:        "get_context",
		Description: "Results of earlier stages in this run, or the persisted history.",
		Input:       "{}",
		Kinds:       everyKind,
		run: func(ctx context.Context, s *Session, _ *signals.Fixture, _ json.RawMessage) (any, error) {
			cc, err := s.Tools.Context(ctx)
			if errors.Is(err, model.ErrNotFound) {
				return map[string]any{"student_id": s.SubjectID, "found": false}, nil
			}
			return cc, err
		},
	},
	{
		Name:        "record",
		Description: "Record a structured value in this stage's result.",
		Input:       `{"key": "wellbeing", "value": "..."}`,
		Kinds:       everyKind,
		run: func(_ context.Context, s *Session, _ *signals.Fixture, input json.RawMessage) (any, error) {
			var in struct {
				Key   string `json:"key"`
				Value any    `json:"value"`
			}
			if err := decodeInput(input, &in); err != nil {
				return nil, err
			}
			if strings.TrimSpace(in.Key) == "" {
				return nil, &model.ValidationError{Field: "key", Reason: "must not be empty"}
			}
			s.Tools.Record(in.Key, in.Value)
			return map[string]any{"recorded": in.Key}, nil
		},
	},
}

// ToolsFor returns the tools a stage kind may call, sorted by name.
func ToolsFor(kind Kind) []Tool {
	var out []Tool
	for _, t := range toolRegistry {
		if t.availableTo(kind) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// dispatch runs the named tool for the session's stage kind.
func dispatch(ctx context.Context, s *Session, sig *signals.Fixture, name string, input json.RawMessage) (any, error) {
	for _, t := range toolRegistry {
		if t.Name == name {
			if !t.availableTo(s.Kind) {
				return nil, &model.ValidationError{Field: "tool", Reason: fmt.Sprintf("%s is not available to the %s stage", name, s.Kind)}
			}
			return t.run(ctx, s, sig, input)
		}
	}
	return nil, &model.ValidationError{Field: "tool", Reason: fmt.Sprintf("unknown tool %q", name)}
}

func decodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, v); err != nil {
		return &model.ValidationError{Field: "input", Reason: err.Error()}
	}
	return nil
}
