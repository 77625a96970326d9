// Package stage runs one analysis stage for one student behind a uniform
// adapter, whatever backend actually produces the result.
package stage

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Kind names a stage. The set is closed.
type Kind string

const (
	KindRisk         Kind = "risk"
	KindEmotional    Kind = "emotional"
	KindAcademic     Kind = "academic"
	KindIntervention Kind = "intervention"
	KindFamily       Kind = "family"
	KindMonitoring   Kind = "monitoring"
	KindSummary      Kind = "summary"
)

var allKinds = []Kind{
	KindRisk, KindEmotional, KindAcademic, KindIntervention, KindFamily, KindMonitoring, KindSummary,
}

// Kinds returns every stage kind.
func Kinds() []Kind { return append([]Kind(nil), allKinds...) }

// AnalysisKinds returns the pipeline's analysis stages in execution order.
func AnalysisKinds() []Kind {
	return []Kind{KindRisk, KindEmotional, KindAcademic, KindIntervention, KindFamily}
}

// SupportKinds returns the stages that run only for Medium or High risk.
func SupportKinds() []Kind {
	return []Kind{KindAcademic, KindIntervention, KindFamily}
}

func (k Kind) Valid() bool {
	for _, v := range allKinds {
		if k == v {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ParseKind matches s case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", eris.Errorf("stage: unknown kind %q", s)
	}
	return k, nil
}
