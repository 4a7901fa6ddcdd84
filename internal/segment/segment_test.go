package segment

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// trackFromDistances places the shoulder d to the right of the elbow on each
// frame. NaN produces a frame with the shoulder missing.
func trackFromDistances(series ...float64) []types.PoseFrame {
	track := make([]types.PoseFrame, len(series))
	for i, d := range series {
		kp := map[types.Keypoint]types.Position{
			types.LeftElbow: {X: 0.2, Y: 0.5},
		}
		if !math.IsNaN(d) {
			kp[types.LeftShoulder] = types.Position{X: 0.2 + d, Y: 0.5}
		}
		track[i] = types.PoseFrame{
			Timestamp: time.Duration(i) * 100 * time.Millisecond,
			Keypoints: kp,
		}
	}
	return track
}

func elbowShoulder(opts Options) *Rescan {
	return &Rescan{Signal: KeypointDistance(types.LeftElbow, types.LeftShoulder), Options: opts}
}

func TestSingleDipYieldsOneRep(t *testing.T) {
	track := trackFromDistances(0.5, 0.05, 0.5)

	reps := RepsByKeypointDistance(track, types.LeftElbow, types.LeftShoulder, Options{Threshold: 0.1})
	if len(reps) != 1 {
		t.Fatalf("expected 1 rep, got %d: %+v", len(reps), reps)
	}
	rep := reps[0]
	if rep.Start != 0 || rep.Middle != 1 || rep.End != 2 {
		t.Fatalf("unexpected boundaries: %+v", rep)
	}
	if rep.MiddleAt != 100*time.Millisecond || rep.EndAt != 200*time.Millisecond {
		t.Fatalf("unexpected timestamps: %+v", rep)
	}
}

func TestSegmentBoundaryCases(t *testing.T) {
	cases := []struct {
		name   string
		series []float64
		opts   Options
		want   [][3]int
	}{
		{
			name:   "open dip is not emitted",
			series: []float64{0.5, 0.3, 0.05, 0.04},
			opts:   Options{Threshold: 0.1},
			want:   nil,
		},
		{
			name:   "middle is the lowest sample",
			series: []float64{0.5, 0.2, 0.08, 0.02, 0.06, 0.3},
			opts:   Options{Threshold: 0.1},
			want:   [][3]int{{1, 3, 5}},
		},
		{
			name:   "zero hysteresis closes on any rise above threshold",
			series: []float64{0.5, 0.05, 0.11, 0.05, 0.5},
			opts:   Options{Threshold: 0.1},
			want:   [][3]int{{0, 1, 2}, {2, 3, 4}},
		},
		{
			name:   "hysteresis absorbs jitter",
			series: []float64{0.5, 0.05, 0.11, 0.04, 0.5},
			opts:   Options{Threshold: 0.1, Hysteresis: 0.02},
			want:   [][3]int{{0, 3, 4}},
		},
		{
			name:   "short dip debounced",
			series: []float64{0.5, 0.09, 0.5, 0.05, 0.04, 0.5},
			opts:   Options{Threshold: 0.1, MinFrames: 2},
			want:   [][3]int{{2, 4, 5}},
		},
		{
			name:   "track starting inside a dip waits for an above sample",
			series: []float64{0.05, 0.04, 0.5, 0.05, 0.5},
			opts:   Options{Threshold: 0.1},
			want:   [][3]int{{2, 3, 4}},
		},
		{
			name:   "missing keypoints neither open nor close",
			series: []float64{0.5, math.NaN(), 0.05, math.NaN(), 0.02, 0.5},
			opts:   Options{Threshold: 0.1},
			want:   [][3]int{{0, 4, 5}},
		},
		{
			name:   "two reps",
			series: []float64{0.5, 0.05, 0.5, 0.4, 0.03, 0.5},
			opts:   Options{Threshold: 0.1},
			want:   [][3]int{{0, 1, 2}, {3, 4, 5}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reps := elbowShoulder(tc.opts).Segment(trackFromDistances(tc.series...))
			var got [][3]int
			for _, r := range reps {
				got = append(got, [3]int{r.Start, r.Middle, r.End})
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("reps = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDefaultOptionsKeepWobbleInOneRep(t *testing.T) {
	track := trackFromDistances(0.5, 0.05, 0.101, 0.05, 0.5)
	for _, s := range []Strategy{elbowShoulder(DefaultOptions()), NewIncremental(KeypointDistance(types.LeftElbow, types.LeftShoulder), DefaultOptions())} {
		reps := s.Segment(track)
		if len(reps) != 1 || reps[0].Start != 0 || reps[0].End != 4 {
			t.Fatalf("%T: reps = %+v, want one rep 0-4", s, reps)
		}
	}
}

func TestSegmentIsIdempotent(t *testing.T) {
	track := trackFromDistances(0.5, 0.05, 0.5, 0.4, 0.03, 0.5, 0.07)
	s := elbowShoulder(Options{Threshold: 0.1})

	first := s.Segment(track)
	second := s.Segment(track)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("segment not idempotent: %v vs %v", first, second)
	}
}

func TestAppendingNeverRewritesClosedReps(t *testing.T) {
	series := []float64{0.5, 0.05, 0.5, 0.09, 0.11, 0.02, 0.5, 0.3, 0.06, 0.5, 0.04}
	s := elbowShoulder(Options{Threshold: 0.1, Hysteresis: 0.02})

	var prev []types.Rep
	for n := 1; n <= len(series); n++ {
		reps := s.Segment(trackFromDistances(series[:n]...))
		if len(reps) < len(prev) {
			t.Fatalf("frame %d: rep count dropped from %d to %d", n, len(prev), len(reps))
		}
		if !reflect.DeepEqual(reps[:len(prev)], prev) {
			t.Fatalf("frame %d: closed reps changed: %v -> %v", n, prev, reps)
		}
		assertOrdered(t, reps)
		prev = reps
	}
}

func TestIncrementalMatchesRescan(t *testing.T) {
	series := []float64{0.5, 0.05, 0.5, math.NaN(), 0.09, 0.11, 0.02, 0.5, 0.3, 0.06, 0.5, 0.04, 0.6}
	opts := Options{Threshold: 0.1, Hysteresis: 0.02}
	signal := KeypointDistance(types.LeftElbow, types.LeftShoulder)

	full := &Rescan{Signal: signal, Options: opts}
	inc := NewIncremental(signal, opts)

	track := trackFromDistances(series...)
	for n := 1; n <= len(track); n++ {
		want := full.Segment(track[:n])
		got := inc.Segment(track[:n])
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("frame %d: incremental %v, rescan %v", n, got, want)
		}
	}
}

func TestIncrementalRestartsOnNewTrack(t *testing.T) {
	signal := KeypointDistance(types.LeftElbow, types.LeftShoulder)
	inc := NewIncremental(signal, Options{Threshold: 0.1})

	if reps := inc.Segment(trackFromDistances(0.5, 0.05, 0.5, 0.05, 0.5)); len(reps) != 2 {
		t.Fatalf("expected 2 reps, got %d", len(reps))
	}
	if reps := inc.Segment(trackFromDistances(0.5, 0.05)); len(reps) != 0 {
		t.Fatalf("shrunken track should restart the scan, got %v", reps)
	}
}

func TestNewStrategy(t *testing.T) {
	signal := KeypointDistance(types.LeftElbow, types.LeftShoulder)
	if s, err := New(StrategyRescan, signal, Options{}); err != nil || s == nil {
		t.Fatalf("rescan: %v", err)
	}
	if s, err := New(StrategyIncremental, signal, Options{}); err != nil || s == nil {
		t.Fatalf("incremental: %v", err)
	}
	if _, err := New("sliding", signal, Options{}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestSeriesMarksMissingFrames(t *testing.T) {
	series := Series(trackFromDistances(0.5, math.NaN()), KeypointDistance(types.LeftElbow, types.LeftShoulder))
	if math.Abs(series[0]-0.5) > 1e-9 || !math.IsNaN(series[1]) {
		t.Fatalf("unexpected series %v", series)
	}
}

func assertOrdered(t *testing.T, reps []types.Rep) {
	t.Helper()
	for i, r := range reps {
		if !(r.Start < r.Middle && r.Middle < r.End) {
			t.Fatalf("rep %d boundaries out of order: %+v", i, r)
		}
		if i > 0 && r.Start < reps[i-1].End {
			t.Fatalf("rep %d overlaps rep %d: %+v / %+v", i, i-1, reps[i-1], r)
		}
	}
}
