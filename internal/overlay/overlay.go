// Package overlay turns a display timestamp into drawing instructions.
//
// Rendering reads the track, reps and rep analyses and never mutates them.
// One resolution rule is used throughout: the frame drawn for a display
// timestamp is the earliest track frame at or after it, else the last frame.
// That frame feeds the box, the skeleton and the live feedback triangle.
package overlay

import (
	"fmt"
	"image/color"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// Locate returns the rep whose [start, end] contains ts. A timestamp after the
// last rep's end resolves to the last rep. ok is false for an empty rep list,
// a timestamp before the first rep, or a gap between two reps.
func Locate(ts time.Duration, reps []types.Rep) (int, bool) {
	if len(reps) == 0 {
		return -1, false
	}
	if last := len(reps) - 1; ts > reps[last].EndAt {
		return last, true
	}
	for i, r := range reps {
		if r.Contains(ts) {
			return i, true
		}
	}
	return -1, false
}

// Progress is 1 at the rep's middle and falls off linearly with the distance
// from it, scaled by the rep duration. The result is clamped to [0, 1]; a
// zero-length rep gives 1 exactly at its middle and 0 elsewhere.
func Progress(ts time.Duration, rep types.Rep) float64 {
	span := rep.Duration()
	off := ts - rep.MiddleAt
	if off < 0 {
		off = -off
	}
	if span <= 0 {
		if off == 0 {
			return 1
		}
		return 0
	}
	p := 1 - float64(off)/float64(span)
	return math.Max(0, math.Min(1, p))
}

// SelectFrame returns the index of the earliest frame with a timestamp at or
// after ts, or the last frame when ts is past the end of the track. Track
// timestamps must be strictly increasing.
func SelectFrame(ts time.Duration, track []types.PoseFrame) (int, bool) {
	if len(track) == 0 {
		return -1, false
	}
	i := sort.Search(len(track), func(i int) bool { return track[i].Timestamp >= ts })
	if i == len(track) {
		i = len(track) - 1
	}
	return i, true
}

// Kind discriminates Instruction.
type Kind int

const (
	KindBox Kind = iota
	KindSkeleton
	KindPolygon
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindBox:
		return "box"
	case KindSkeleton:
		return "skeleton"
	case KindPolygon:
		return "polygon"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Instruction is one draw call. Only the fields relevant to Kind are set.
type Instruction struct {
	Kind Kind

	Box    types.BoundingBox // KindBox
	Pose   types.PoseFrame   // KindSkeleton
	Points []types.Position  // KindPolygon
	Text   string            // KindText
	At     types.Position    // KindText anchor

	Color     color.RGBA // Stroke, fill or text color
	Secondary color.RGBA // Skeleton joints or text background
	Alpha     float64    // Polygon fill opacity
	FontSize  float64
	Padding   float64
}

// TextStyle carries the text panel attributes handed to a surface.
type TextStyle struct {
	Color      color.RGBA
	Background color.RGBA
	FontSize   float64
	Padding    float64
}

// DrawSurface is the sink that performs the drawing.
type DrawSurface interface {
	DrawBox(box types.BoundingBox, c color.RGBA)
	DrawSkeleton(frame types.PoseFrame, line, joint color.RGBA)
	DrawPolygon(points []types.Position, fill color.RGBA, alpha float64)
	DrawText(text string, at types.Position, style TextStyle)
}

// Apply replays instructions on a surface in order.
func Apply(surface DrawSurface, instructions []Instruction) {
	for _, in := range instructions {
		switch in.Kind {
		case KindBox:
			surface.DrawBox(in.Box, in.Color)
		case KindSkeleton:
			surface.DrawSkeleton(in.Pose, in.Color, in.Secondary)
		case KindPolygon:
			surface.DrawPolygon(in.Points, in.Color, in.Alpha)
		case KindText:
			surface.DrawText(in.Text, in.At, TextStyle{
				Color:      in.Color,
				Background: in.Secondary,
				FontSize:   in.FontSize,
				Padding:    in.Padding,
			})
		}
	}
}

// RenderState is what was resolved for one display timestamp.
type RenderState struct {
	Timestamp    time.Duration
	Frame        int     // Selected track frame, -1 when the track is empty
	Rep          int     // Located rep, -1 when none
	Progress     float64 // Emphasis of the located rep, 0 when none
	Triangle     analysis.Verdict
	Instructions []Instruction
}

// Scheduler renders overlays with a fixed configuration.
type Scheduler struct {
	cfg Config
}

// NewScheduler returns a scheduler for cfg.
func NewScheduler(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg}
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Render resolves ts against the session data and emits draw instructions.
// analyses must be index-aligned with reps.
func (s *Scheduler) Render(ts time.Duration, track []types.PoseFrame, reps []types.Rep, analyses []analysis.FormMetrics) RenderState {
	rs := RenderState{Timestamp: ts, Frame: -1, Rep: -1}

	idx, ok := SelectFrame(ts, track)
	if !ok {
		return rs
	}
	rs.Frame = idx
	frame := track[idx]
	style := s.cfg.Style

	if frame.Box != nil {
		rs.Instructions = append(rs.Instructions, Instruction{
			Kind:  KindBox,
			Box:   *frame.Box,
			Color: style.Box,
		})
	}
	rs.Instructions = append(rs.Instructions, Instruction{
		Kind:      KindSkeleton,
		Pose:      frame,
		Color:     style.SkeletonLine,
		Secondary: style.SkeletonJoint,
	})

	// Emphasis follows progress only inside a rep.
	emphasis := 1.0
	if i, ok := Locate(ts, reps); ok && i < len(analyses) {
		rs.Rep = i
		rs.Progress = Progress(ts, reps[i])
		if reps[i].Contains(ts) {
			emphasis = rs.Progress
		}
	}

	if tri, verdict, ok := s.triangle(frame, emphasis); ok {
		rs.Triangle = verdict
		rs.Instructions = append(rs.Instructions, tri)
	}

	if rs.Rep >= 0 {
		rs.Instructions = append(rs.Instructions, Instruction{
			Kind:      KindText,
			Text:      PanelText(rs.Rep, analyses[rs.Rep]),
			At:        style.TextAt,
			Color:     style.Text,
			Secondary: style.TextBackground,
			FontSize:  style.FontSize,
			Padding:   style.Padding,
		})
	}
	return rs
}

// triangle builds the live feedback triangle between the criterion's two
// joints, right-angled at (from.x, to.y). It turns bad only when the raw angle
// is past the threshold. Nothing is drawn when the joints are missing.
func (s *Scheduler) triangle(frame types.PoseFrame, emphasis float64) (Instruction, analysis.Verdict, bool) {
	c := s.cfg.Triangle
	if c == nil {
		return Instruction{}, analysis.Indeterminate, false
	}
	from, okFrom := frame.Keypoint(c.From)
	to, okTo := frame.Keypoint(c.To)
	if !okFrom || !okTo {
		return Instruction{}, analysis.Indeterminate, false
	}

	raw, ok := c.Measure(frame)
	if !ok {
		return Instruction{}, analysis.Indeterminate, false
	}
	verdict, fill := analysis.Pass, s.cfg.Style.Good
	if c.Exceeds(raw) {
		verdict, fill = analysis.Fail, s.cfg.Style.Bad
	}
	return Instruction{
		Kind:   KindPolygon,
		Points: []types.Position{from, to, {X: from.X, Y: to.Y}},
		Color:  fill,
		Alpha:  s.cfg.Style.TriangleAlpha * emphasis,
	}, verdict, true
}

// PanelText summarizes every criterion of one rep, one line each.
func PanelText(rep int, m analysis.FormMetrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rep %d", rep+1)
	for _, r := range m.Results {
		b.WriteString("\n")
		b.WriteString(label(r.Criterion))
		b.WriteString(": ")
		b.WriteString(r.Verdict.Symbol())
		if r.Degrees != nil {
			fmt.Fprintf(&b, " %.1f°", *r.Degrees)
		}
	}
	return b.String()
}

func label(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + strings.ReplaceAll(name[1:], "_", " ")
}
