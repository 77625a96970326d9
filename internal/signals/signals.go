// Package signals loads the per-student source-system signals (attendance,
// grades, LMS activity, finances, wellbeing, family contacts) that the
// offline stage backend reasons over.
package signals

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultFixture []byte

// Fixture maps student ids to their signal records.
type Fixture struct {
	Defaults Record            `yaml:"defaults"`
	Students map[string]Record `yaml:"students"`
}

// Record is everything known about one student from the source systems.
type Record struct {
	Profile    Profile    `yaml:"profile"`
	Attendance Attendance `yaml:"attendance"`
	Grades     Grades     `yaml:"grades"`
	LMS        LMS        `yaml:"lms"`
	Financial  Financial  `yaml:"financial"`
	Counseling Counseling `yaml:"counseling"`
	Survey     Survey     `yaml:"survey"`
	Social     Social     `yaml:"social"`
	Academic   Academic   `yaml:"academic"`
	Family     Family     `yaml:"family"`
}

type Profile struct {
	FirstName string `yaml:"first_name" json:"first_name"`
	LastName  string `yaml:"last_name" json:"last_name"`
	Email     string `yaml:"email" json:"email,omitempty"`
	Program   string `yaml:"program" json:"program,omitempty"`
}

type Attendance struct {
	TotalClasses   int     `yaml:"total_classes" json:"total_classes"`
	MissedClasses  int     `yaml:"missed_classes" json:"missed_classes"`
	Rate           float64 `yaml:"attendance_rate" json:"attendance_rate"`
	RecentAbsences int     `yaml:"recent_absences" json:"recent_absences"`
}

type CourseGrade struct {
	Course string `yaml:"course" json:"course"`
	Grade  string `yaml:"grade" json:"grade"`
}

type Grades struct {
	GPA                float64       `yaml:"current_gpa" json:"current_gpa"`
	FailedCourses      int           `yaml:"failed_courses" json:"failed_courses"`
	MissingAssignments int           `yaml:"missing_assignments" json:"missing_assignments"`
	Recent             []CourseGrade `yaml:"recent_grades" json:"recent_grades,omitempty"`
}

type LMS struct {
	DaysSinceLogin        int `yaml:"days_since_login" json:"days_since_login"`
	AverageDailyMinutes   int `yaml:"average_daily_minutes" json:"average_daily_minutes"`
	ResourcesViewedLastWk int `yaml:"resources_viewed_last_week" json:"resources_viewed_last_week"`
}

type Financial struct {
	TuitionPaid        bool    `yaml:"tuition_paid" json:"tuition_paid"`
	Hold               bool    `yaml:"financial_hold" json:"financial_hold"`
	OutstandingBalance float64 `yaml:"outstanding_balance" json:"outstanding_balance"`
}

type Counseling struct {
	TotalVisits    int      `yaml:"total_visits" json:"total_visits"`
	RecentVisits   int      `yaml:"recent_visits" json:"recent_visits"`
	ReportedIssues []string `yaml:"reported_issues" json:"reported_issues,omitempty"`
}

// Survey scores are on a 1-5 scale.
type Survey struct {
	Satisfaction float64 `yaml:"satisfaction_score" json:"satisfaction_score"`
	Stress       float64 `yaml:"stress_level" json:"stress_level"`
	Workload     float64 `yaml:"workload_rating" json:"workload_rating"`
	Comments     string  `yaml:"comments" json:"comments,omitempty"`
}

type Social struct {
	ClubMemberships      int     `yaml:"club_memberships" json:"club_memberships"`
	EventsLastMonth      int     `yaml:"event_attendance_last_month" json:"event_attendance_last_month"`
	PeerInteractionScore float64 `yaml:"peer_interaction_score" json:"peer_interaction_score"`
}

type WeakSubject struct {
	Subject string `yaml:"subject" json:"subject"`
	Grade   string `yaml:"grade" json:"grade"`
	Topic   string `yaml:"topic" json:"topic"`
}

type Academic struct {
	WeakSubjects  []WeakSubject `yaml:"weak_subjects" json:"weak_subjects,omitempty"`
	LearningStyle string        `yaml:"learning_style" json:"learning_style"`
	Preferences   []string      `yaml:"preferences" json:"preferences,omitempty"`
}

type Family struct {
	GuardianName      string `yaml:"guardian_name" json:"guardian_name"`
	Email             string `yaml:"email" json:"email,omitempty"`
	Phone             string `yaml:"phone" json:"phone,omitempty"`
	PreferredLanguage string `yaml:"preferred_language" json:"preferred_language"`
}

// Load reads a fixture from a YAML file. An empty path loads the built-in fixture.
func Load(path string) (*Fixture, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "signals: read fixture %s", path)
	}
	return Parse(data)
}

// Default returns the built-in fixture.
func Default() (*Fixture, error) {
	return Parse(defaultFixture)
}

// Parse decodes a fixture from YAML bytes.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "signals: parse fixture")
	}
	if f.Students == nil {
		f.Students = make(map[string]Record)
	}
	return &f, nil
}

// Lookup returns the record for id. Unknown students get the defaults and ok=false.
func (f *Fixture) Lookup(id string) (Record, bool) {
	if r, ok := f.Students[id]; ok {
		return r, true
	}
	return f.Defaults, false
}
