// Package segment splits a pose track into closed repetitions.
//
// A scalar signal is computed per frame (for example the distance between two
// joints). A rep starts on the last frame above the threshold before the signal
// drops below it, its middle is the lowest sample while below, and it ends on
// the first frame that rises above threshold+hysteresis. A dip that stays below
// for fewer than MinFrames samples is discarded as jitter. Frames where the
// signal cannot be computed neither open nor close a rep.
//
// Consecutive reps may share a boundary frame (end of one, start of the next)
// but never overlap otherwise.
package segment

import (
	"fmt"
	"math"

	"github.com/dj-oyu/formcheck/analysis-server/internal/geometry"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// Signal maps a frame to the scalar being segmented. ok is false when the
// required joints are missing.
type Signal func(frame types.PoseFrame) (value float64, ok bool)

// KeypointDistance segments on the distance between two joints.
func KeypointDistance(a, b types.Keypoint) Signal {
	return func(frame types.PoseFrame) (float64, bool) {
		return geometry.Distance(frame, a, b)
	}
}

// KeypointAngle segments on the direction of the a→b segment.
func KeypointAngle(a, b types.Keypoint) Signal {
	return func(frame types.PoseFrame) (float64, bool) {
		return geometry.AngleBetweenKeypoints(frame, a, b)
	}
}

// Options tunes boundary detection.
type Options struct {
	Threshold  float64 // Signal value below which a rep is entered
	Hysteresis float64 // Extra margin above Threshold required to close a rep
	MinFrames  int     // Minimum samples below Threshold for a dip to count (default 1)
}

// DefaultOptions tunes the pushup elbow-shoulder distance: a sample must rise
// 0.02 past the threshold before a rep closes.
func DefaultOptions() Options {
	return Options{Threshold: 0.1, Hysteresis: 0.02, MinFrames: 1}
}

func (o Options) minFrames() int {
	if o.MinFrames < 1 {
		return 1
	}
	return o.MinFrames
}

// Strategy produces the ordered, closed reps of a track. Implementations may
// keep state between calls but must return the same reps a full scan of the
// same track would.
type Strategy interface {
	Segment(track []types.PoseFrame) []types.Rep
}

const (
	StrategyRescan      = "rescan"
	StrategyIncremental = "incremental"
)

// New builds the named strategy.
func New(kind string, signal Signal, opts Options) (Strategy, error) {
	switch kind {
	case StrategyRescan, "":
		return &Rescan{Signal: signal, Options: opts}, nil
	case StrategyIncremental:
		return NewIncremental(signal, opts), nil
	default:
		return nil, fmt.Errorf("unknown segmentation strategy: %q", kind)
	}
}

// RepsByKeypointDistance scans the whole track using the a–b distance signal.
func RepsByKeypointDistance(track []types.PoseFrame, a, b types.Keypoint, opts Options) []types.Rep {
	r := Rescan{Signal: KeypointDistance(a, b), Options: opts}
	return r.Segment(track)
}

// Series evaluates signal over the track, with NaN for frames it cannot be
// computed on.
func Series(track []types.PoseFrame, signal Signal) []float64 {
	out := make([]float64, len(track))
	for i, f := range track {
		v, ok := signal(f)
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

// Rescan recomputes every rep from the start of the track on each call.
// Cost is O(len(track)) per call.
type Rescan struct {
	Signal  Signal
	Options Options
}

// Segment implements Strategy.
func (r *Rescan) Segment(track []types.PoseFrame) []types.Rep {
	s := scanner{opts: r.Options}
	var reps []types.Rep
	for i := range track {
		if rep, ok := s.step(track, i, r.Signal); ok {
			reps = append(reps, rep)
		}
	}
	return reps
}

// scanner is the boundary state machine shared by both strategies.
type scanner struct {
	opts Options

	armed     bool // an above-threshold sample has been seen
	lastAbove int  // index of the latest above-threshold sample

	inside  bool
	start   int
	middle  int
	extreme float64
	below   int
}

func (s *scanner) step(track []types.PoseFrame, i int, signal Signal) (types.Rep, bool) {
	v, ok := signal(track[i])
	if !ok || math.IsNaN(v) {
		return types.Rep{}, false
	}

	if !s.inside {
		switch {
		case v >= s.opts.Threshold:
			s.armed = true
			s.lastAbove = i
		case s.armed:
			s.inside = true
			s.start = s.lastAbove
			s.middle = i
			s.extreme = v
			s.below = 1
		}
		return types.Rep{}, false
	}

	if v > s.opts.Threshold+s.opts.Hysteresis {
		s.inside = false
		s.lastAbove = i
		if s.below < s.opts.minFrames() {
			return types.Rep{}, false
		}
		return types.NewRep(track, s.start, s.middle, i), true
	}

	if v < s.opts.Threshold {
		s.below++
	}
	if v < s.extreme {
		s.extreme = v
		s.middle = i
	}
	return types.Rep{}, false
}
