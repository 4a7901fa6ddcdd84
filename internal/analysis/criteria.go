package analysis

import (
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

const (
	CriterionDepth   = "depth"
	CriterionLockout = "lockout"
)

// PushupCriteria returns the default pushup checks: depth is reached when the
// elbow→shoulder direction points below horizontal at the bottom of the rep,
// lockout when the elbow→wrist direction stays under 180° at the end.
func PushupCriteria() []Criterion {
	return []Criterion{
		{
			Name:       CriterionDepth,
			Phase:      PhaseMiddle,
			From:       types.LeftElbow,
			To:         types.LeftShoulder,
			Comparison: Below,
			Threshold:  0,
		},
		{
			Name:       CriterionLockout,
			Phase:      PhaseEnd,
			From:       types.LeftElbow,
			To:         types.LeftWrist,
			Comparison: Below,
			Threshold:  180,
		},
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
