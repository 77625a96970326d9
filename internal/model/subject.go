package model

import (
	"reflect"
	"strings"
	"time"
	"unicode"
)

// MaxSubjectIDLen bounds caller-supplied subject identifiers.
const MaxSubjectIDLen = 128

// EnrollmentStatus is the enrollment state of a student.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "Active"
	EnrollmentProbation EnrollmentStatus = "Probation"
	EnrollmentWithdrawn EnrollmentStatus = "Withdrawn"
)

// ParseEnrollmentStatus matches s case-insensitively against the known statuses.
func ParseEnrollmentStatus(s string) (EnrollmentStatus, error) {
	for _, st := range []EnrollmentStatus{EnrollmentActive, EnrollmentProbation, EnrollmentWithdrawn} {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", invalid("enrollment_status", "unknown status %q", s)
}

// Subject is the student being tracked. The ID is caller-supplied and immutable.
type Subject struct {
	ID               string           `json:"student_id"`
	FirstName        string           `json:"first_name"`
	LastName         string           `json:"last_name"`
	Email            string           `json:"email,omitempty"`
	EnrollmentStatus EnrollmentStatus `json:"enrollment_status"`
	Program          string           `json:"program,omitempty"`
	EnrollmentDate   *time.Time       `json:"enrollment_date,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// SubjectPatch names the profile fields to write. Nil fields are left untouched.
type SubjectPatch struct {
	FirstName        *string           `json:"first_name,omitempty"`
	LastName         *string           `json:"last_name,omitempty"`
	Email            *string           `json:"email,omitempty"`
	EnrollmentStatus *EnrollmentStatus `json:"enrollment_status,omitempty"`
	Program          *string           `json:"program,omitempty"`
	EnrollmentDate   *time.Time        `json:"enrollment_date,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// Validate checks the enum fields of the patch.
func (p SubjectPatch) Validate() error {
	if p.EnrollmentStatus != nil {
		if _, err := ParseEnrollmentStatus(string(*p.EnrollmentStatus)); err != nil {
			return err
		}
	}
	return nil
}

// Apply writes the non-nil patch fields onto s and reports whether anything changed.
func (p SubjectPatch) Apply(s *Subject) bool {
	changed := false
	setString := func(dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = true
		}
	}
	setString(&s.FirstName, p.FirstName)
	setString(&s.LastName, p.LastName)
	setString(&s.Email, p.Email)
	setString(&s.Program, p.Program)
	if p.EnrollmentStatus != nil {
		st, _ := ParseEnrollmentStatus(string(*p.EnrollmentStatus))
		if s.EnrollmentStatus != st {
			s.EnrollmentStatus = st
			changed = true
		}
	}
	if p.EnrollmentDate != nil {
		d := p.EnrollmentDate.UTC()
		if s.EnrollmentDate == nil || !s.EnrollmentDate.Equal(d) {
			s.EnrollmentDate = &d
			changed = true
		}
	}
	if p.Metadata != nil && !sameMetadata(s.Metadata, p.Metadata) {
		s.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			s.Metadata[k] = v
		}
		changed = true
	}
	return changed
}

func sameMetadata(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// NewSubject returns a subject with default fields for id.
func NewSubject(id string, now time.Time) *Subject {
	return &Subject{
		ID:               id,
		EnrollmentStatus: EnrollmentActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// ValidateSubjectID rejects identifiers that are not stable, non-empty tokens.
func ValidateSubjectID(id string) error {
	if id == "" {
		return invalid("student_id", "must not be empty")
	}
	if len(id) > MaxSubjectIDLen {
		return invalid("student_id", "longer than %d characters", MaxSubjectIDLen)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return invalid("student_id", "contains whitespace or control characters")
		}
	}
	return nil
}
