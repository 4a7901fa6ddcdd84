package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/metrics"
	"github.com/dj-oyu/formcheck/analysis-server/internal/overlay"
	"github.com/dj-oyu/formcheck/analysis-server/internal/segment"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// ErrNoDetector is returned by ProcessFrame when the session was built
// without a detector.
var ErrNoDetector = errors.New("session has no detector")

// Detector finds subjects in a video frame. Only the first person returned
// is tracked.
type Detector interface {
	FindPersons(ctx context.Context, frame types.VideoFrame) ([]types.Person, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, frame types.VideoFrame) ([]types.Person, error)

// FindPersons implements Detector.
func (f DetectorFunc) FindPersons(ctx context.Context, frame types.VideoFrame) ([]types.Person, error) {
	return f(ctx, frame)
}

// Outputs is the result of one ingestion tick.
type Outputs struct {
	SessionID    string                 `json:"sessionId"`
	Frames       int                    `json:"frames"`
	Appended     bool                   `json:"appended"`
	Reps         []types.Rep            `json:"reps"`
	RepsAnalysis []analysis.FormMetrics `json:"repsAnalysis"`
}

// Update is delivered to listeners after every tick and reset.
type Update struct {
	Outputs
	Pose  *types.PoseFrame // Appended pose, nil when the track did not grow
	Reset bool
}

// Listener receives updates in ingestion order. It runs on the ingesting
// goroutine and must not block or call back into ProcessFrame.
type Listener func(Update)

// Options configures a Session.
type Options struct {
	Detector  Detector
	Segmenter segment.Strategy
	Analyzer  *analysis.Analyzer
	Overlay   overlay.Config
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// Session hosts one tracked subject.
type Session struct {
	detector  Detector
	pipeline  Pipeline
	scheduler *overlay.Scheduler
	metrics   *metrics.Metrics
	log       logger.Module

	ingestMu sync.Mutex // one tick at a time, detector call included

	mu    sync.RWMutex
	state State

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates a session. Unset options fall back to the pushup schema: a
// rescan over the leftElbow-leftShoulder distance, the pushup criteria and the
// default overlay.
func New(opts Options) *Session {
	if opts.Segmenter == nil {
		opts.Segmenter = &segment.Rescan{
			Signal:  segment.KeypointDistance(types.LeftElbow, types.LeftShoulder),
			Options: segment.DefaultOptions(),
		}
	}
	if opts.Analyzer == nil {
		opts.Analyzer = analysis.NewAnalyzer(analysis.PushupCriteria())
	}
	if opts.Overlay == (overlay.Config{}) {
		opts.Overlay = overlay.DefaultConfig()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Session{
		detector:  opts.Detector,
		pipeline:  Pipeline{Segmenter: opts.Segmenter, Analyzer: opts.Analyzer},
		scheduler: overlay.NewScheduler(opts.Overlay),
		metrics:   opts.Metrics,
		log:       logger.For("Session", opts.Logger),
		state:     NewState(),
	}
}

// AddListener registers fn for future updates.
func (s *Session) AddListener(fn Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// ProcessFrame runs the detector on frame and ingests the first person found.
// A detector error leaves the state untouched and is returned as is, wrapped.
func (s *Session) ProcessFrame(ctx context.Context, frame types.VideoFrame) (Outputs, error) {
	if s.detector == nil {
		return Outputs{}, ErrNoDetector
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	start := time.Now()
	persons, err := s.detector.FindPersons(ctx, frame)
	if err != nil {
		s.metrics.DetectorErrors.Add(1)
		s.log.Warn("Detector failed on frame #%d: %v", frame.Seq, err)
		return s.outputs(s.Snapshot(), false), fmt.Errorf("find persons in frame %d: %w", frame.Seq, err)
	}

	var pose *types.PoseFrame
	if len(persons) > 0 {
		p := persons[0].Pose()
		pose = &p
	}
	return s.ingest(pose, start), nil
}

// Ingest appends an already detected person, or records an empty tick for nil.
func (s *Session) Ingest(person *types.Person) Outputs {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	var pose *types.PoseFrame
	if person != nil {
		p := person.Pose()
		pose = &p
	}
	return s.ingest(pose, time.Now())
}

func (s *Session) ingest(pose *types.PoseFrame, start time.Time) Outputs {
	next, res := Accept(s.Snapshot(), pose)

	switch res {
	case Absent:
		s.metrics.FramesAbsent.Add(1)
		s.log.Debug("No subject detected")
	case Rejected:
		s.metrics.FramesRejected.Add(1)
		s.log.Warn("Dropping pose at %v: not after last frame", pose.Timestamp)
	case Appended:
		before := len(next.Reps)
		next = Recompute(next, s.pipeline)
		s.metrics.FramesIngested.Add(1)
		if len(next.Reps) > before {
			s.log.Info("Rep %d closed at %v", len(next.Reps), next.Reps[len(next.Reps)-1].EndAt)
		}
	}

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	pass, fail, unknown := next.Verdicts()
	s.metrics.UpdateVerdicts(len(next.Reps), pass, fail, unknown)
	s.metrics.UpdateProcessLatency(time.Since(start))

	out := s.outputs(next, res == Appended)
	u := Update{Outputs: out}
	if res == Appended {
		u.Pose = &next.Track[len(next.Track)-1]
	}
	s.notify(u)
	return out
}

// Snapshot returns the current state. The returned slices are shared and
// must be treated as read-only.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ID returns the current session ID.
func (s *Session) ID() string {
	return s.Snapshot().ID
}

// Outputs returns the outputs for the current state without ingesting.
func (s *Session) Outputs() Outputs {
	return s.outputs(s.Snapshot(), false)
}

func (s *Session) outputs(st State, appended bool) Outputs {
	reps := st.Reps
	if reps == nil {
		reps = []types.Rep{}
	}
	analyses := st.Analysis
	if analyses == nil {
		analyses = []analysis.FormMetrics{}
	}
	return Outputs{
		SessionID:    st.ID,
		Frames:       len(st.Track),
		Appended:     appended,
		Reps:         reps,
		RepsAnalysis: analyses,
	}
}

// RenderFrame resolves ts against a snapshot and draws it on surface.
// A nil surface only computes the render state.
func (s *Session) RenderFrame(ts time.Duration, surface overlay.DrawSurface) overlay.RenderState {
	start := time.Now()
	st := s.Snapshot()
	rs := s.scheduler.Render(ts, st.Track, st.Reps, st.Analysis)
	if surface != nil {
		overlay.Apply(surface, rs.Instructions)
	}
	s.metrics.FramesRendered.Add(1)
	s.metrics.UpdateRenderLatency(time.Since(start))
	return rs
}

// Reset discards the track and starts a new session ID.
func (s *Session) Reset() Outputs {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if r, ok := s.pipeline.Segmenter.(interface{ Reset() }); ok {
		r.Reset()
	}

	next := NewState()
	s.mu.Lock()
	prev := s.state.ID
	s.state = next
	s.mu.Unlock()

	s.metrics.SessionResets.Add(1)
	s.metrics.UpdateVerdicts(0, 0, 0, 0)
	s.log.Info("Session %s reset, new session %s", prev, next.ID)

	out := s.outputs(next, false)
	s.notify(Update{Outputs: out, Reset: true})
	return out
}

func (s *Session) notify(u Update) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, fn := range s.listeners {
		fn(u)
	}
}
