package types

import (
	"fmt"
	"time"
)

// Keypoint identifies an anatomical joint produced by pose detection.
// Values follow the COCO 17-keypoint ordering.
type Keypoint int

const (
	Nose Keypoint = iota
	LeftEye
	RightEye
	LeftEar
	RightEar
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle

	KeypointCount = 17
)

var keypointNames = [KeypointCount]string{
	"nose",
	"leftEye",
	"rightEye",
	"leftEar",
	"rightEar",
	"leftShoulder",
	"rightShoulder",
	"leftElbow",
	"rightElbow",
	"leftWrist",
	"rightWrist",
	"leftHip",
	"rightHip",
	"leftKnee",
	"rightKnee",
	"leftAnkle",
	"rightAnkle",
}

// String returns the camelCase joint name (e.g. "leftElbow").
func (k Keypoint) String() string {
	if k < 0 || int(k) >= KeypointCount {
		return fmt.Sprintf("keypoint(%d)", int(k))
	}
	return keypointNames[k]
}

// Valid reports whether k is one of the known joints.
func (k Keypoint) Valid() bool {
	return k >= 0 && int(k) < KeypointCount
}

// ParseKeypoint parses a joint name as produced by String.
func ParseKeypoint(s string) (Keypoint, error) {
	for i, name := range keypointNames {
		if name == s {
			return Keypoint(i), nil
		}
	}
	return 0, fmt.Errorf("unknown keypoint: %q", s)
}

// MarshalText encodes the keypoint by name so it can be used as a JSON map key.
func (k Keypoint) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid keypoint: %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a keypoint name.
func (k *Keypoint) UnmarshalText(text []byte) error {
	parsed, err := ParseKeypoint(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Skeleton lists the joint pairs connected when drawing a pose.
var Skeleton = [][2]Keypoint{
	{LeftAnkle, LeftKnee},
	{LeftKnee, LeftHip},
	{RightAnkle, RightKnee},
	{RightKnee, RightHip},
	{LeftHip, RightHip},
	{LeftShoulder, LeftHip},
	{RightShoulder, RightHip},
	{LeftShoulder, RightShoulder},
	{LeftShoulder, LeftElbow},
	{RightShoulder, RightElbow},
	{LeftElbow, LeftWrist},
	{RightElbow, RightWrist},
	{LeftEye, RightEye},
	{Nose, LeftEye},
	{Nose, RightEye},
	{LeftEye, LeftEar},
	{RightEye, RightEar},
	{LeftEar, LeftShoulder},
	{RightEar, RightShoulder},
}

// Position is a normalized 2D image coordinate (0.0 = left/top, 1.0 = right/bottom).
type Position struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// BoundingBox is a normalized rectangle around the subject.
type BoundingBox struct {
	X      float64 `json:"x" msgpack:"x"`
	Y      float64 `json:"y" msgpack:"y"`
	Width  float64 `json:"width" msgpack:"width"`
	Height float64 `json:"height" msgpack:"height"`
}

// PoseFrame is one timestamped pose of the tracked subject.
// Treat it as immutable once appended to a track.
type PoseFrame struct {
	Timestamp time.Duration         // Offset from the start of the session
	Keypoints map[Keypoint]Position // Missing joints are absent from the map
	Box       *BoundingBox          // Optional
}

// Keypoint returns the position of k and whether it was detected.
func (f PoseFrame) Keypoint(k Keypoint) (Position, bool) {
	p, ok := f.Keypoints[k]
	return p, ok
}

// Person is one subject reported by a detector.
type Person struct {
	TimestampMs float64               `json:"timestamp" msgpack:"timestamp"`
	Keypoints   map[Keypoint]Position `json:"keypoints" msgpack:"keypoints"`
	Box         *BoundingBox          `json:"bbox,omitempty" msgpack:"bbox,omitempty"`
}

// Pose converts a detected person into a track frame.
func (p Person) Pose() PoseFrame {
	keypoints := make(map[Keypoint]Position, len(p.Keypoints))
	for k, v := range p.Keypoints {
		keypoints[k] = v
	}
	var box *BoundingBox
	if p.Box != nil {
		b := *p.Box
		box = &b
	}
	return PoseFrame{
		Timestamp: time.Duration(p.TimestampMs * float64(time.Millisecond)),
		Keypoints: keypoints,
		Box:       box,
	}
}

// VideoFrame is the opaque input handed to a detector each ingestion tick.
type VideoFrame struct {
	Seq       uint64        // Sequential frame number
	Timestamp time.Duration // Offset from the start of the session
	Width     int
	Height    int
	Data      []byte // Encoded image, may be empty for replayed detections
}

// Rep is one closed movement cycle. Indices point into the track the rep was
// segmented from; the timestamps are copied from those frames.
type Rep struct {
	Start  int `json:"start_frame"`
	Middle int `json:"middle_frame"`
	End    int `json:"end_frame"`

	StartAt  time.Duration `json:"-"`
	MiddleAt time.Duration `json:"-"`
	EndAt    time.Duration `json:"-"`
}

// NewRep builds a rep from three track indices.
func NewRep(track []PoseFrame, start, middle, end int) Rep {
	return Rep{
		Start:    start,
		Middle:   middle,
		End:      end,
		StartAt:  track[start].Timestamp,
		MiddleAt: track[middle].Timestamp,
		EndAt:    track[end].Timestamp,
	}
}

// Contains reports whether ts falls within [StartAt, EndAt].
func (r Rep) Contains(ts time.Duration) bool {
	return ts >= r.StartAt && ts <= r.EndAt
}

// Duration returns EndAt - StartAt.
func (r Rep) Duration() time.Duration {
	return r.EndAt - r.StartAt
}
