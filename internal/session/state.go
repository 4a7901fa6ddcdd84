// Package session owns the per-subject pipeline: ingest a pose, segment the
// track into reps, analyze each rep, and render overlays from the result.
//
// State is a plain record. Accept and Recompute operate on it without side
// effects; Session is the host wrapper that serializes ingestion and hands
// out read-only snapshots to renderers.
package session

import (
	"github.com/google/uuid"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/internal/segment"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// State is everything derived from one bounded exercise set.
// Reps and Analysis are index-aligned.
type State struct {
	ID       string
	Track    []types.PoseFrame
	Reps     []types.Rep
	Analysis []analysis.FormMetrics
}

// NewState returns an empty state with a fresh session ID.
func NewState() State {
	return State{ID: uuid.NewString()}
}

// AcceptResult reports what Accept did with a pose.
type AcceptResult int

const (
	Appended AcceptResult = iota
	Absent                // no subject detected this tick
	Rejected              // timestamp not after the last frame
)

func (r AcceptResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Absent:
		return "absent"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Accept appends pose to the track. A nil pose is a valid tick without a
// detected subject and leaves the state unchanged, as does a pose whose
// timestamp does not advance the track.
func Accept(st State, pose *types.PoseFrame) (State, AcceptResult) {
	if pose == nil {
		return st, Absent
	}
	if n := len(st.Track); n > 0 && pose.Timestamp <= st.Track[n-1].Timestamp {
		return st, Rejected
	}
	st.Track = append(st.Track, *pose)
	return st, Appended
}

// Pipeline bundles the segmentation strategy and rep analyzer.
type Pipeline struct {
	Segmenter segment.Strategy
	Analyzer  *analysis.Analyzer
}

// Recompute re-derives reps and their analysis from the track.
func Recompute(st State, p Pipeline) State {
	st.Reps = p.Segmenter.Segment(st.Track)
	st.Analysis = p.Analyzer.Analyze(st.Track, st.Reps)
	return st
}

// Verdicts counts criterion verdicts over every analyzed rep.
func (st State) Verdicts() (pass, fail, indeterminate int) {
	for _, m := range st.Analysis {
		p, f, u := m.Summary()
		pass += p
		fail += f
		indeterminate += u
	}
	return pass, fail, indeterminate
}
