package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/stage"
)

// FormatSummary renders a report locally, without a stage, for when the
// summary stage fails or is unavailable.
func FormatSummary(subjectID string, cc *model.CombinedContext, incomplete []string) string {
	if cc == nil {
		var b strings.Builder
		b.WriteString("## Student Analysis Summary\n\n")
		fmt.Fprintf(&b, "**Student:** %s\n\nNo history is available for this student.\n", subjectID)
		if len(incomplete) > 0 {
			fmt.Fprintf(&b, "\n**Incomplete stages:** %s\n", strings.Join(incomplete, ", "))
		}
		return b.String()
	}
	return stage.RenderSummary(cc, incomplete)
}

// FormatOutcome renders the stage table of a run for terminal output.
func FormatOutcome(o *model.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s: %s\n", o.RunID, o.SubjectID)
	fmt.Fprintf(&b, "Status: %s  Branch: %s  Risk: %s  (%dms)\n\n", o.Status, branchLabel(o.Branch), levelLabel(o.RiskLevel), o.Duration)

	b.WriteString("## Stages\n")
	for _, s := range o.Stages {
		fmt.Fprintf(&b, "- %s: %s (%dms)\n", s.Stage, s.Status, s.Duration)
		if s.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", s.Error)
		}
	}
	b.WriteString("\n")
	b.WriteString(o.Summary)
	return b.String()
}

func branchLabel(b model.Branch) string {
	if b == model.BranchNone {
		return "none"
	}
	return string(b)
}

func levelLabel(l model.RiskLevel) string {
	if l == "" {
		return "unknown"
	}
	return string(l)
}
