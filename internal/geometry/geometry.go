// Package geometry computes distances and signed angles between pose keypoints.
//
// Positions are normalized image coordinates with y growing downward. All
// angles flip the y axis first, so a vector pointing "up" in the image has a
// positive angle. Results are degrees in (-180, 180].
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

func vec(p types.Position) r2.Vec {
	return r2.Vec{X: p.X, Y: -p.Y}
}

func lookup(frame types.PoseFrame, joints ...types.Keypoint) ([]r2.Vec, bool) {
	out := make([]r2.Vec, len(joints))
	for i, k := range joints {
		p, ok := frame.Keypoint(k)
		if !ok || math.IsNaN(p.X) || math.IsNaN(p.Y) {
			return nil, false
		}
		out[i] = vec(p)
	}
	return out, true
}

// Distance returns the euclidean distance between two joints.
// ok is false when either joint is missing from the frame.
func Distance(frame types.PoseFrame, a, b types.Keypoint) (float64, bool) {
	v, ok := lookup(frame, a, b)
	if !ok {
		return math.NaN(), false
	}
	return r2.Norm(r2.Sub(v[1], v[0])), true
}

// AngleBetweenKeypoints returns the direction of the segment a→b relative to
// the positive x axis.
func AngleBetweenKeypoints(frame types.PoseFrame, a, b types.Keypoint) (float64, bool) {
	v, ok := lookup(frame, a, b)
	if !ok {
		return math.NaN(), false
	}
	d := r2.Sub(v[1], v[0])
	return normalize(degrees(math.Atan2(d.Y, d.X))), true
}

// JointAngle returns the signed rotation from vertex→a to vertex→b,
// counter-clockwise positive.
func JointAngle(frame types.PoseFrame, a, vertex, b types.Keypoint) (float64, bool) {
	v, ok := lookup(frame, a, vertex, b)
	if !ok {
		return math.NaN(), false
	}
	u := r2.Sub(v[0], v[1])
	w := r2.Sub(v[2], v[1])
	if r2.Norm(u) == 0 || r2.Norm(w) == 0 {
		return math.NaN(), false
	}
	return normalize(degrees(math.Atan2(r2.Cross(u, w), r2.Dot(u, w)))), true
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func normalize(deg float64) float64 {
	if deg <= -180 {
		return deg + 360
	}
	return deg
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	if math.IsNaN(v) {
		return v
	}
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
