package stage

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Prompt is the text a stage receives: a system prompt describing its role
// and a default instruction. "{student_id}" in the instruction is replaced.
type Prompt struct {
	System      string `yaml:"system"`
	Instruction string `yaml:"instruction"`
}

// Catalog maps stage kinds to prompts.
type Catalog struct {
	prompts map[Kind]Prompt
}

// DefaultCatalog returns the built-in prompts.
func DefaultCatalog() *Catalog {
	return &Catalog{prompts: map[Kind]Prompt{
		KindRisk: {
			System: "You are the risk assessment stage of a university dropout prevention system. " +
				"Review attendance, grades, LMS engagement and financial status. Risk factors include " +
				"attendance below 80%, recent absences, GPA below 2.5, failing grades, no LMS login in over " +
				"7 days and unpaid tuition or financial holds. Score risk from 0.0 to 1.0 and save it with " +
				"save_risk_assessment. Finish with a one-sentence summary.",
			Instruction: "Assess dropout risk for student {student_id}.",
		},
		KindEmotional: {
			System: "You are the emotional wellbeing stage. Review counseling visits, survey responses and " +
				"social engagement. Record wellbeing, stress_level and concerns. Be supportive and " +
				"non-judgmental. Finish with a short summary.",
			Instruction: "Assess emotional wellbeing for student {student_id}.",
		},
		KindAcademic: {
			System: "You are the academic support stage. Identify weak subjects and the learning style, then " +
				"record a study_plan tailored to them. Finish with a short summary.",
			Instruction: "Build a study plan for student {student_id}.",
		},
		KindIntervention: {
			System: "You are the intervention coordination stage. Based on the context, create the " +
				"interventions the student needs with create_intervention. Always include an Academic " +
				"intervention. Finish by listing what was created.",
			Instruction: "Coordinate interventions for student {student_id}.",
		},
		KindFamily: {
			System: "You are the family engagement stage. Look up guardian contact details and draft a " +
				"short, warm message in the guardian's preferred language. Record the message. " +
				"Finish with the communication status.",
			Instruction: "Draft a guardian update for student {student_id}.",
		},
		KindMonitoring: {
			System: "You are the monitoring stage. Review the student's interventions and compare current " +
				"metrics with the baseline. Activate pending interventions that have started and record " +
				"trends.",
			Instruction: "Review progress for student {student_id}.",
		},
		KindSummary: {
			System: "You are the final summary stage. Read the student's context with get_context and " +
				"write a markdown report with the risk level and score, key factors, actions taken " +
				"(emotional, academic, interventions, family) and next steps. Mention any incomplete stages.",
			Instruction: "Summarize the current state of student {student_id}.",
		},
	}}
}

// LoadCatalog returns the default catalog with overrides from a YAML file.
// Empty fields in the file keep their defaults.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: read catalog %s", path)
	}
	var wrapper struct {
		Stages map[string]Prompt `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "stage: parse catalog")
	}
	for name, p := range wrapper.Stages {
		kind, err := ParseKind(name)
		if err != nil {
			return nil, eris.Wrapf(err, "stage: catalog entry %q", name)
		}
		cur := c.prompts[kind]
		if p.System != "" {
			cur.System = p.System
		}
		if p.Instruction != "" {
			cur.Instruction = p.Instruction
		}
		c.prompts[kind] = cur
	}
	return c, nil
}

// System returns the system prompt for kind.
func (c *Catalog) System(kind Kind) string {
	return c.prompts[kind].System
}

// Instruction returns the default instruction for kind and subjectID.
func (c *Catalog) Instruction(kind Kind, subjectID string) string {
	return strings.ReplaceAll(c.prompts[kind].Instruction, "{student_id}", subjectID)
}
