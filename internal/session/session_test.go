package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/metrics"
	"github.com/dj-oyu/formcheck/analysis-server/internal/segment"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// person places the shoulder d to the right of the elbow, slightly below it
// when low is set (depth reached).
func person(tsMs float64, d float64, low bool) types.Person {
	dy := -0.01
	if low {
		dy = 0.01
	}
	return types.Person{
		TimestampMs: tsMs,
		Keypoints: map[types.Keypoint]types.Position{
			types.LeftElbow:    {X: 0.3, Y: 0.5},
			types.LeftShoulder: {X: 0.3 + d, Y: 0.5 + dy},
			types.LeftWrist:    {X: 0.3, Y: 0.8},
		},
	}
}

// scripted returns one scripted detection per frame sequence number.
type scripted struct {
	persons map[uint64][]types.Person
	fail    map[uint64]error
}

func (s *scripted) FindPersons(_ context.Context, frame types.VideoFrame) ([]types.Person, error) {
	if err := s.fail[frame.Seq]; err != nil {
		return nil, err
	}
	return s.persons[frame.Seq], nil
}

func pushupSet() *scripted {
	series := []float64{0.5, 0.3, 0.05, 0.04, 0.3, 0.5, 0.06, 0.5}
	s := &scripted{persons: map[uint64][]types.Person{}, fail: map[uint64]error{}}
	for i, d := range series {
		s.persons[uint64(i)] = []types.Person{person(float64(i*100), d, d < 0.1)}
	}
	return s
}

func quietLogger() *logger.Logger {
	return logger.New(logger.SILENT, nil, false)
}

func TestProcessFrameKeepsAnalysisAligned(t *testing.T) {
	det := pushupSet()
	s := New(Options{Detector: det, Logger: quietLogger()})

	for seq := uint64(0); seq < uint64(len(det.persons)); seq++ {
		out, err := s.ProcessFrame(context.Background(), types.VideoFrame{Seq: seq})
		if err != nil {
			t.Fatalf("frame %d: %v", seq, err)
		}
		if len(out.RepsAnalysis) != len(out.Reps) {
			t.Fatalf("frame %d: %d analyses for %d reps", seq, len(out.RepsAnalysis), len(out.Reps))
		}
		if !out.Appended || out.Frames != int(seq)+1 {
			t.Fatalf("frame %d: appended=%v frames=%d", seq, out.Appended, out.Frames)
		}
	}

	out := s.Outputs()
	if len(out.Reps) != 2 {
		t.Fatalf("expected 2 reps, got %+v", out.Reps)
	}
	depth, _ := out.RepsAnalysis[0].Result(analysis.CriterionDepth)
	if depth.Verdict != analysis.Pass {
		t.Fatalf("rep 1 depth %+v", depth)
	}
}

func TestDefaultSegmenterHoldsRepThroughWobble(t *testing.T) {
	det := &scripted{persons: map[uint64][]types.Person{}}
	for i, d := range []float64{0.5, 0.05, 0.101, 0.05, 0.5} {
		det.persons[uint64(i)] = []types.Person{person(float64(i*100), d, d < 0.1)}
	}
	s := New(Options{Detector: det, Logger: quietLogger()})
	for seq := uint64(0); seq < 5; seq++ {
		if _, err := s.ProcessFrame(context.Background(), types.VideoFrame{Seq: seq}); err != nil {
			t.Fatalf("frame %d: %v", seq, err)
		}
	}
	if reps := s.Outputs().Reps; len(reps) != 1 {
		t.Fatalf("expected 1 rep, got %+v", reps)
	}
}

func TestProcessFrameUsesFirstPersonOnly(t *testing.T) {
	det := &scripted{persons: map[uint64][]types.Person{
		0: {person(0, 0.5, false), person(0, 0.01, true)},
	}}
	s := New(Options{Detector: det, Logger: quietLogger()})
	if _, err := s.ProcessFrame(context.Background(), types.VideoFrame{Seq: 0}); err != nil {
		t.Fatal(err)
	}
	st := s.Snapshot()
	if len(st.Track) != 1 || st.Track[0].Keypoints[types.LeftShoulder].X < 0.7 {
		t.Fatalf("track %+v", st.Track)
	}
}

func TestAbsentDetectionIsNoop(t *testing.T) {
	m := metrics.New()
	s := New(Options{Detector: &scripted{}, Metrics: m, Logger: quietLogger()})

	out, err := s.ProcessFrame(context.Background(), types.VideoFrame{Seq: 4})
	if err != nil {
		t.Fatal(err)
	}
	if out.Appended || out.Frames != 0 {
		t.Fatalf("absent detection changed the track: %+v", out)
	}
	if m.FramesAbsent.Load() != 1 {
		t.Fatalf("absent counter %d", m.FramesAbsent.Load())
	}
}

func TestDetectorErrorLeavesStateUnchanged(t *testing.T) {
	boom := errors.New("camera unplugged")
	det := pushupSet()
	det.fail[1] = boom
	s := New(Options{Detector: det, Logger: quietLogger()})

	if _, err := s.ProcessFrame(context.Background(), types.VideoFrame{Seq: 0}); err != nil {
		t.Fatal(err)
	}
	out, err := s.ProcessFrame(context.Background(), types.VideoFrame{Seq: 1})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped detector error, got %v", err)
	}
	if out.Frames != 1 {
		t.Fatalf("frames = %d after failed tick", out.Frames)
	}
}

func TestProcessFrameWithoutDetector(t *testing.T) {
	s := New(Options{Logger: quietLogger()})
	if _, err := s.ProcessFrame(context.Background(), types.VideoFrame{}); !errors.Is(err, ErrNoDetector) {
		t.Fatalf("got %v", err)
	}
}

func TestAcceptRejectsNonIncreasingTimestamps(t *testing.T) {
	st := NewState()
	p := person(100, 0.5, false).Pose()

	st, res := Accept(st, &p)
	if res != Appended {
		t.Fatalf("first pose %v", res)
	}
	st, res = Accept(st, &p)
	if res != Rejected || len(st.Track) != 1 {
		t.Fatalf("duplicate timestamp: %v, %d frames", res, len(st.Track))
	}
	if _, res = Accept(st, nil); res != Absent {
		t.Fatalf("nil pose: %v", res)
	}
}

func TestRecomputeWithIncrementalMatchesRescan(t *testing.T) {
	signal := segment.KeypointDistance(types.LeftElbow, types.LeftShoulder)
	opts := segment.Options{Threshold: 0.1, Hysteresis: 0.01}
	analyzer := analysis.NewAnalyzer(analysis.PushupCriteria())
	full := Pipeline{Segmenter: &segment.Rescan{Signal: signal, Options: opts}, Analyzer: analyzer}
	inc := Pipeline{Segmenter: segment.NewIncremental(signal, opts), Analyzer: analyzer}

	a, b := NewState(), NewState()
	for i, d := range []float64{0.5, 0.05, 0.5, 0.3, 0.02, 0.5} {
		p := person(float64(i*100), d, d < 0.1).Pose()
		a, _ = Accept(a, &p)
		b, _ = Accept(b, &p)
		a = Recompute(a, full)
		b = Recompute(b, inc)
		if len(a.Reps) != len(b.Reps) || len(a.Analysis) != len(b.Analysis) {
			t.Fatalf("frame %d: rescan %v incremental %v", i, a.Reps, b.Reps)
		}
	}
}

func TestResetStartsNewSession(t *testing.T) {
	s := New(Options{Logger: quietLogger()})
	p := person(0, 0.5, false)
	s.Ingest(&p)

	var got []Update
	s.AddListener(func(u Update) { got = append(got, u) })

	old := s.ID()
	out := s.Reset()
	if out.SessionID == old || out.Frames != 0 {
		t.Fatalf("reset outputs %+v (old id %s)", out, old)
	}
	if len(got) != 1 || !got[0].Reset {
		t.Fatalf("listener updates %+v", got)
	}
}

func TestListenersSeeAppendedPose(t *testing.T) {
	s := New(Options{Logger: quietLogger()})
	var poses []time.Duration
	s.AddListener(func(u Update) {
		if u.Pose != nil {
			poses = append(poses, u.Pose.Timestamp)
		}
	})

	a, b := person(0, 0.5, false), person(50, 0.4, false)
	s.Ingest(&a)
	s.Ingest(nil)
	s.Ingest(&b)

	if len(poses) != 2 || poses[1] != 50*time.Millisecond {
		t.Fatalf("poses %v", poses)
	}
}

func TestRenderDuringIngestIsConsistent(t *testing.T) {
	det := pushupSet()
	s := New(Options{Detector: det, Logger: quietLogger()})

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			rs := s.RenderFrame(350*time.Millisecond, nil)
			if rs.Rep >= 0 && rs.Frame < 0 {
				t.Errorf("rep located without a frame: %+v", rs)
				return
			}
			st := s.Snapshot()
			if len(st.Reps) != len(st.Analysis) {
				t.Errorf("snapshot misaligned: %d reps %d analyses", len(st.Reps), len(st.Analysis))
				return
			}
		}
	}()

	for seq := uint64(0); seq < uint64(len(det.persons)); seq++ {
		if _, err := s.ProcessFrame(context.Background(), types.VideoFrame{Seq: seq}); err != nil {
			t.Fatal(err)
		}
	}
	close(done)
	wg.Wait()
}
