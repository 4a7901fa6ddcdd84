package segment

import (
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// Incremental keeps the scan state between calls and only visits frames
// appended since the previous call. The track must be append-only; a track
// that shrank or whose first frame changed restarts the scan.
type Incremental struct {
	signal Signal
	opts   Options

	state  scanner
	cursor int
	origin types.PoseFrame
	reps   []types.Rep
}

// NewIncremental returns an empty incremental segmenter.
func NewIncremental(signal Signal, opts Options) *Incremental {
	return &Incremental{
		signal: signal,
		opts:   opts,
		state:  scanner{opts: opts},
	}
}

// Segment implements Strategy.
func (s *Incremental) Segment(track []types.PoseFrame) []types.Rep {
	if len(track) < s.cursor || (s.cursor > 0 && track[0].Timestamp != s.origin.Timestamp) {
		s.Reset()
	}
	if len(track) > 0 && s.cursor == 0 {
		s.origin = track[0]
	}

	for ; s.cursor < len(track); s.cursor++ {
		if rep, ok := s.state.step(track, s.cursor, s.signal); ok {
			s.reps = append(s.reps, rep)
		}
	}

	out := make([]types.Rep, len(s.reps))
	copy(out, s.reps)
	return out
}

// Reset discards all scan state.
func (s *Incremental) Reset() {
	s.state = scanner{opts: s.opts}
	s.cursor = 0
	s.origin = types.PoseFrame{}
	s.reps = nil
}
