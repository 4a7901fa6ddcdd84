// Package analysis scores the form of each segmented rep.
//
// Every Criterion measures one angle on one phase frame of a rep and compares
// it against a named threshold. A criterion whose joints are missing on that
// frame is reported as Indeterminate rather than pass or fail.
package analysis

import (
	"fmt"
	"math"

	"github.com/dj-oyu/formcheck/analysis-server/internal/geometry"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// Phase selects which frame of a rep a criterion is measured on.
type Phase string

const (
	PhaseStart  Phase = "start"
	PhaseMiddle Phase = "middle"
	PhaseEnd    Phase = "end"
)

// Index returns the track index of the phase frame.
func (p Phase) Index(rep types.Rep) (int, error) {
	switch p {
	case PhaseStart:
		return rep.Start, nil
	case PhaseMiddle:
		return rep.Middle, nil
	case PhaseEnd:
		return rep.End, nil
	default:
		return 0, fmt.Errorf("unknown phase: %q", string(p))
	}
}

// Comparison is the direction a measured angle must satisfy to pass.
type Comparison string

const (
	Below Comparison = "below" // pass iff angle < threshold
	Above Comparison = "above" // pass iff angle > threshold
)

// Verdict is the tri-state outcome of one criterion.
type Verdict int

const (
	Indeterminate Verdict = iota
	Pass
	Fail
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "indeterminate"
	}
}

// Symbol is the short marker used in overlay text.
func (v Verdict) Symbol() string {
	switch v {
	case Pass:
		return "OK"
	case Fail:
		return "X"
	default:
		return "?"
	}
}

// MarshalText encodes the verdict by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText decodes a verdict name.
func (v *Verdict) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pass":
		*v = Pass
	case "fail":
		*v = Fail
	case "indeterminate":
		*v = Indeterminate
	default:
		return fmt.Errorf("unknown verdict: %q", string(text))
	}
	return nil
}

// Criterion is one named form check.
//
// Without a Vertex the measured value is the direction of From→To
// (geometry.AngleBetweenKeypoints); with a Vertex it is the signed joint angle
// From–Vertex–To.
type Criterion struct {
	Name       string
	Phase      Phase
	From       types.Keypoint
	To         types.Keypoint
	Vertex     *types.Keypoint
	Comparison Comparison
	Threshold  float64
	Coarse     bool // compare on the integer-rounded angle instead of one decimal
}

// Measure returns the raw angle on frame.
func (c Criterion) Measure(frame types.PoseFrame) (float64, bool) {
	if c.Vertex != nil {
		return geometry.JointAngle(frame, c.From, *c.Vertex, c.To)
	}
	return geometry.AngleBetweenKeypoints(frame, c.From, c.To)
}

// Classify compares an angle against the criterion's threshold after rounding
// it the same way it is displayed. NaN is Indeterminate.
func (c Criterion) Classify(degrees float64) Verdict {
	if math.IsNaN(degrees) {
		return Indeterminate
	}
	v := geometry.Round(degrees, 1)
	if c.Coarse {
		v = geometry.Round(degrees, 0)
	}

	var pass bool
	switch c.Comparison {
	case Above:
		pass = v > c.Threshold
	default:
		pass = v < c.Threshold
	}
	if pass {
		return Pass
	}
	return Fail
}

// Exceeds reports whether the unrounded angle lies strictly on the failing side
// of the threshold. The threshold itself is not a failure here, unlike Classify.
func (c Criterion) Exceeds(degrees float64) bool {
	if math.IsNaN(degrees) {
		return false
	}
	if c.Comparison == Above {
		return degrees < c.Threshold
	}
	return degrees > c.Threshold
}

// Result is one criterion evaluated on one rep.
type Result struct {
	Criterion string   `json:"criterion"`
	Phase     Phase    `json:"phase"`
	Frame     int      `json:"frame"`
	Degrees   *float64 `json:"degrees"` // One decimal, nil when indeterminate
	Rounded   *int     `json:"rounded"` // Nearest integer, nil when indeterminate
	Verdict   Verdict  `json:"verdict"`
}

// Evaluate measures the criterion on its phase frame of rep.
func (c Criterion) Evaluate(track []types.PoseFrame, rep types.Rep) Result {
	res := Result{Criterion: c.Name, Phase: c.Phase, Frame: -1}

	idx, err := c.Phase.Index(rep)
	if err != nil || idx < 0 || idx >= len(track) {
		return res
	}
	res.Frame = idx

	raw, ok := c.Measure(track[idx])
	if !ok {
		return res
	}

	degrees := geometry.Round(raw, 1)
	rounded := int(geometry.Round(raw, 0))
	res.Degrees = &degrees
	res.Rounded = &rounded
	res.Verdict = c.Classify(raw)
	return res
}

// FormMetrics holds every criterion result for one rep.
type FormMetrics struct {
	Rep      int      `json:"rep"` // Zero-based rep index
	StartMs  float64  `json:"start_ms"`
	MiddleMs float64  `json:"middle_ms"`
	EndMs    float64  `json:"end_ms"`
	Results  []Result `json:"criteria"`
}

// Result returns the named criterion result.
func (m FormMetrics) Result(name string) (Result, bool) {
	for _, r := range m.Results {
		if r.Criterion == name {
			return r, true
		}
	}
	return Result{}, false
}

// Summary counts verdicts across all criteria of the rep.
func (m FormMetrics) Summary() (pass, fail, indeterminate int) {
	for _, r := range m.Results {
		switch r.Verdict {
		case Pass:
			pass++
		case Fail:
			fail++
		default:
			indeterminate++
		}
	}
	return pass, fail, indeterminate
}

// Analyzer evaluates a fixed list of criteria on every rep.
type Analyzer struct {
	Criteria []Criterion
}

// NewAnalyzer returns an analyzer over criteria.
func NewAnalyzer(criteria []Criterion) *Analyzer {
	return &Analyzer{Criteria: criteria}
}

// Analyze returns one FormMetrics per rep, index-aligned with reps.
// It reads the track only and is deterministic for fixed rep boundaries.
func (a *Analyzer) Analyze(track []types.PoseFrame, reps []types.Rep) []FormMetrics {
	out := make([]FormMetrics, len(reps))
	for i, rep := range reps {
		m := FormMetrics{
			Rep:      i,
			StartMs:  millis(rep.StartAt),
			MiddleMs: millis(rep.MiddleAt),
			EndMs:    millis(rep.EndAt),
			Results:  make([]Result, len(a.Criteria)),
		}
		for j, c := range a.Criteria {
			m.Results[j] = c.Evaluate(track, rep)
		}
		out[i] = m
	}
	return out
}
