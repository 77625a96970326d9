package model

import "time"

// RunState is a pipeline run's position in the stage state machine.
type RunState string

const (
	StateInit              RunState = "init"
	StateRiskAssessed      RunState = "risk_assessed"
	StateEmotionalAssessed RunState = "emotional_assessed"
	StateBranch            RunState = "branch"
	StateSupported         RunState = "supported"
	StateSkipped           RunState = "skipped"
	StateSummarized        RunState = "summarized"
	StateDone              RunState = "done"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
)

// Branch records which path the controller took after the emotional stage.
type Branch string

const (
	BranchSupported Branch = "supported"
	BranchSkipped   Branch = "skipped"
	// BranchNone means the run aborted before the branch was evaluated.
	BranchNone Branch = ""
)

// StageStatus represents the outcome of a single stage invocation.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageRecord holds the outcome of one stage within a run.
type StageRecord struct {
	Stage    string      `json:"stage"`
	Status   StageStatus `json:"status"`
	Duration int64       `json:"duration_ms"`
	Error    string      `json:"error,omitempty"`
}

// Outcome is the final output of a pipeline run.
type Outcome struct {
	RunID      string           `json:"run_id"`
	SubjectID  string           `json:"student_id"`
	State      RunState         `json:"state"`
	Status     RunStatus        `json:"status"`
	Branch     Branch           `json:"branch"`
	RiskLevel  RiskLevel        `json:"risk_level"`
	Stages     []StageRecord    `json:"stages"`
	Incomplete []string         `json:"incomplete,omitempty"`
	Summary    string           `json:"summary"`
	Context    *CombinedContext `json:"context,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   int64            `json:"duration_ms"`
}

// Invoked returns the names of stages that actually ran, in order.
func (o *Outcome) Invoked() []string {
	var names []string
	for _, s := range o.Stages {
		if s.Status != StageStatusSkipped {
			names = append(names, s.Stage)
		}
	}
	return names
}
