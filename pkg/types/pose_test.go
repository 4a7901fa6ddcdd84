package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestKeypointRoundTripNames(t *testing.T) {
	for i := 0; i < KeypointCount; i++ {
		k := Keypoint(i)
		parsed, err := ParseKeypoint(k.String())
		if err != nil {
			t.Fatalf("ParseKeypoint(%q) failed: %v", k.String(), err)
		}
		if parsed != k {
			t.Fatalf("ParseKeypoint(%q) = %v, want %v", k.String(), parsed, k)
		}
	}

	if _, err := ParseKeypoint("leftTail"); err == nil {
		t.Fatal("expected error for unknown keypoint")
	}
}

func TestPersonJSONUsesJointNames(t *testing.T) {
	raw := `{"timestamp": 1500, "keypoints": {"leftElbow": {"x": 0.4, "y": 0.6}}, "bbox": {"x": 0.1, "y": 0.2, "width": 0.5, "height": 0.6}}`

	var p Person
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal person: %v", err)
	}

	pose := p.Pose()
	if pose.Timestamp != 1500*time.Millisecond {
		t.Fatalf("timestamp = %v, want 1.5s", pose.Timestamp)
	}
	pos, ok := pose.Keypoint(LeftElbow)
	if !ok || pos.X != 0.4 || pos.Y != 0.6 {
		t.Fatalf("leftElbow = %+v (ok=%v)", pos, ok)
	}
	if _, ok := pose.Keypoint(LeftWrist); ok {
		t.Fatal("leftWrist should be missing")
	}
	if pose.Box == nil || pose.Box.Width != 0.5 {
		t.Fatalf("box = %+v", pose.Box)
	}

	// Pose must not alias the detector's map.
	p.Keypoints[LeftElbow] = Position{X: 1, Y: 1}
	if pos, _ := pose.Keypoint(LeftElbow); pos.X != 0.4 {
		t.Fatal("pose shares keypoint storage with person")
	}
}

func TestRepContains(t *testing.T) {
	track := []PoseFrame{
		{Timestamp: 0},
		{Timestamp: 100 * time.Millisecond},
		{Timestamp: 200 * time.Millisecond},
	}
	rep := NewRep(track, 0, 1, 2)

	cases := []struct {
		ts   time.Duration
		want bool
	}{
		{0, true},
		{150 * time.Millisecond, true},
		{200 * time.Millisecond, true},
		{201 * time.Millisecond, false},
		{-1, false},
	}
	for _, tc := range cases {
		if got := rep.Contains(tc.ts); got != tc.want {
			t.Errorf("Contains(%v) = %v, want %v", tc.ts, got, tc.want)
		}
	}
	if rep.Duration() != 200*time.Millisecond {
		t.Errorf("Duration() = %v", rep.Duration())
	}
}
