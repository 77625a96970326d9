package model

import (
	"strings"
	"time"
)

// InterventionType classifies the kind of support an intervention provides.
type InterventionType string

const (
	InterventionAcademic   InterventionType = "Academic"
	InterventionEmotional  InterventionType = "Emotional"
	InterventionFinancial  InterventionType = "Financial"
	InterventionBehavioral InterventionType = "Behavioral"
	InterventionFamily     InterventionType = "Family"
)

// InterventionTypes lists every intervention type.
var InterventionTypes = []InterventionType{
	InterventionAcademic,
	InterventionEmotional,
	InterventionFinancial,
	InterventionBehavioral,
	InterventionFamily,
}

// ParseInterventionType matches s case-insensitively.
func ParseInterventionType(s string) (InterventionType, error) {
	for _, t := range InterventionTypes {
		if strings.EqualFold(strings.TrimSpace(s), string(t)) {
			return t, nil
		}
	}
	return "", invalid("type", "unknown intervention type %q", s)
}

// InterventionStatus is the lifecycle state of an intervention.
type InterventionStatus string

const (
	InterventionPending   InterventionStatus = "Pending"
	InterventionActive    InterventionStatus = "Active"
	InterventionResolved  InterventionStatus = "Resolved"
	InterventionCancelled InterventionStatus = "Cancelled"
)

// ParseInterventionStatus matches s case-insensitively.
func ParseInterventionStatus(s string) (InterventionStatus, error) {
	for _, st := range []InterventionStatus{InterventionPending, InterventionActive, InterventionResolved, InterventionCancelled} {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, nil
		}
	}
	return "", invalid("status", "unknown intervention status %q", s)
}

// Terminal reports whether no further transitions are allowed.
func (s InterventionStatus) Terminal() bool {
	return s == InterventionResolved || s == InterventionCancelled
}

// CanTransition reports whether from -> to moves toward Resolved/Cancelled.
func CanTransition(from, to InterventionStatus) bool {
	switch from {
	case InterventionPending:
		return to == InterventionActive || to == InterventionResolved || to == InterventionCancelled
	case InterventionActive:
		return to == InterventionResolved || to == InterventionCancelled
	default:
		return false
	}
}

// Intervention is a support action created for a subject.
type Intervention struct {
	ID          string             `json:"intervention_id"`
	SubjectID   string             `json:"student_id"`
	Type        InterventionType   `json:"type"`
	Status      InterventionStatus `json:"status"`
	Description string             `json:"description"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Transition moves the intervention to status and stamps updated_at.
func (i *Intervention) Transition(status InterventionStatus, now time.Time) error {
	if !CanTransition(i.Status, status) {
		return invalid("status", "cannot move intervention %s from %s to %s", i.ID, i.Status, status)
	}
	i.Status = status
	i.UpdatedAt = now.UTC()
	return nil
}

// ValidateDescription rejects empty intervention descriptions.
func ValidateDescription(desc string) error {
	if strings.TrimSpace(desc) == "" {
		return invalid("description", "must not be empty")
	}
	return nil
}
