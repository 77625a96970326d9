package model

import (
	"time"
)

// AgentResult is the latest output of one stage in the current run.
type AgentResult struct {
	Stage     string         `json:"stage"`
	SubjectID string         `json:"student_id"`
	Text      string         `json:"text"`
	Data      map[string]any `json:"data,omitempty"`
	SavedAt   time.Time      `json:"saved_at"`
}

// SubjectHistory is a point-in-time snapshot of everything persisted for a subject.
type SubjectHistory struct {
	Subject       Subject        `json:"student"`
	RiskProfile   *RiskProfile   `json:"risk_profile"`
	Interventions []Intervention `json:"interventions"`
}

// ContextSource records which tier answered a context query.
type ContextSource string

const (
	SourceCache ContextSource = "cache"
	SourceStore ContextSource = "store"
)

// CombinedContext is what the summary path sees for a subject.
type CombinedContext struct {
	SubjectID string                 `json:"student_id"`
	Source    ContextSource          `json:"source"`
	Results   map[string]AgentResult `json:"results,omitempty"`
	History   *SubjectHistory        `json:"history,omitempty"`
}

// RiskLevel returns the risk level visible in the context, or "" if none.
func (c *CombinedContext) RiskLevel() RiskLevel {
	if c == nil {
		return ""
	}
	if c.History != nil && c.History.RiskProfile != nil {
		return c.History.RiskProfile.Level
	}
	if r, ok := c.Results["risk"]; ok {
		if s, ok := r.Data["risk_level"].(string); ok {
			lvl, err := ParseRiskLevel(s)
			if err == nil {
				return lvl
			}
		}
	}
	return ""
}

// InterventionIDs returns the intervention ids visible in the context.
func (c *CombinedContext) InterventionIDs() []string {
	if c == nil {
		return nil
	}
	if c.History != nil {
		ids := make([]string, 0, len(c.History.Interventions))
		for _, iv := range c.History.Interventions {
			ids = append(ids, iv.ID)
		}
		return ids
	}
	r, ok := c.Results["intervention"]
	if !ok {
		return nil
	}
	switch v := r.Data["intervention_ids"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		ids := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	}
	return nil
}
