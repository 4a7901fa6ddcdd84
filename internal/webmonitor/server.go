package webmonitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/metrics"
	"github.com/dj-oyu/formcheck/analysis-server/internal/overlay"
	"github.com/dj-oyu/formcheck/analysis-server/internal/raster"
	"github.com/dj-oyu/formcheck/analysis-server/internal/recorder"
	"github.com/dj-oyu/formcheck/analysis-server/internal/report"
	"github.com/dj-oyu/formcheck/analysis-server/internal/segment"
	"github.com/dj-oyu/formcheck/analysis-server/internal/session"
	"github.com/dj-oyu/formcheck/analysis-server/internal/webrtc"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

const maxFrameBody = 8 << 20

// Options wires the monitor to the running analysis components. Recorder and
// WebRTC are optional.
type Options struct {
	Session  *session.Session
	Recorder *recorder.Recorder
	WebRTC   *webrtc.Server
	Metrics  *metrics.Metrics
	// Signal and Threshold are plotted by /api/chart.
	Signal    segment.Signal
	Threshold float64
}

// Server serves the analysis monitor endpoints.
type Server struct {
	cfg                 Config
	session             *session.Session
	recorder            *recorder.Recorder
	webrtc              *webrtc.Server
	metrics             *metrics.Metrics
	monitor             *Monitor
	broadcaster         *FrameBroadcaster
	analysisBroadcaster *AnalysisBroadcaster
	signal              segment.Signal
	threshold           float64
	blank               []byte
	frameSeq            atomic.Uint64
	started             time.Time
}

// NewServer returns a configured monitor server and subscribes it to the
// session's updates.
func NewServer(cfg Config, opts Options) (*Server, error) {
	def := DefaultConfig()
	if cfg.FrameWidth <= 0 || cfg.FrameHeight <= 0 {
		cfg.FrameWidth, cfg.FrameHeight = def.FrameWidth, def.FrameHeight
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.StreamFPS <= 0 {
		cfg.StreamFPS = def.StreamFPS
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.MJPEGIdle == 0 {
		cfg.MJPEGIdle = def.MJPEGIdle
	}
	if cfg.Background.A == 0 {
		cfg.Background = def.Background
	}
	if cfg.ReportFormat == "" {
		cfg.ReportFormat = def.ReportFormat
	}
	if opts.Session == nil {
		return nil, errors.New("webmonitor: session is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Signal == nil {
		opts.Signal = segment.KeypointDistance(types.LeftElbow, types.LeftShoulder)
		opts.Threshold = 0.1
	}

	blank, err := blankJPEG(cfg, "Waiting for poses...")
	if err != nil {
		return nil, fmt.Errorf("render placeholder: %w", err)
	}

	s := &Server{
		cfg:                 cfg,
		session:             opts.Session,
		recorder:            opts.Recorder,
		webrtc:              opts.WebRTC,
		metrics:             opts.Metrics,
		monitor:             NewMonitor(opts.Metrics),
		analysisBroadcaster: NewAnalysisBroadcaster(opts.Metrics),
		signal:              opts.Signal,
		threshold:           opts.Threshold,
		blank:               blank,
		started:             time.Now(),
	}
	s.broadcaster = NewFrameBroadcaster(s.renderJPEG, opts.Metrics)
	s.broadcaster.Start()

	s.session.AddListener(s.monitor.OnUpdate)
	s.session.AddListener(s.analysisBroadcaster.OnUpdate)
	s.session.AddListener(s.broadcaster.OnUpdate)
	if s.recorder != nil {
		s.session.AddListener(func(u session.Update) {
			if u.Pose != nil {
				s.recorder.SendPose(u.Pose)
			}
		})
	}
	if s.webrtc != nil {
		s.session.AddListener(s.webrtc.OnUpdate)
	}
	return s, nil
}

// Close stops background rendering.
func (s *Server) Close() {
	s.broadcaster.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/frames", s.handleFrames)
	mux.HandleFunc("/api/analysis", s.handleAnalysis)
	mux.HandleFunc("/api/analysis/stream", s.handleAnalysisStream)
	mux.HandleFunc("/api/render", s.handleRender)
	mux.HandleFunc("/api/chart", s.handleChart)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/session/reset", s.handleSessionReset)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/report", s.handleReport)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.Handle("/reports/", newFileHandler(s.cfg.ReportDir))
	mux.Handle("/recordings/", newFileHandler(s.cfg.RecordingDir))
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

// renderJPEG draws the overlay for ts on a blank frame.
func (s *Server) renderJPEG(ts time.Duration) ([]byte, error) {
	surface := raster.New(s.cfg.FrameWidth, s.cfg.FrameHeight, s.cfg.Background)
	s.session.RenderFrame(ts, surface)
	return surface.JPEG(s.cfg.JPEGQuality)
}

// handleStream serves the live overlay, or with ?rate= a looping playback of
// the whole track at that speed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rateParam := r.URL.Query().Get("rate")
	if rateParam == "" {
		id, frameCh := s.broadcaster.Subscribe()
		defer s.broadcaster.Unsubscribe(id)
		streamMJPEGFromChannel(r.Context(), w, frameCh, s.blank, s.cfg.MJPEGIdle)
		return
	}

	rate, err := strconv.ParseFloat(rateParam, 64)
	if err != nil || rate <= 0 {
		writeJSONWithStatus(w, map[string]any{"error": "rate must be a positive number"}, http.StatusBadRequest)
		return
	}

	interval := time.Second / time.Duration(s.cfg.StreamFPS)
	start := time.Now()
	streamMJPEG(r.Context(), w, interval, s.blank, func() ([]byte, bool) {
		ts, ok := playbackTimestamp(s.session.Snapshot().Track, time.Since(start), rate, interval)
		if !ok {
			return nil, false
		}
		data, err := s.renderJPEG(ts)
		if err != nil {
			s.metrics.RenderErrors.Add(1)
			return nil, false
		}
		return data, true
	})
}

// playbackTimestamp maps wall-clock time onto the track, looping at the end.
func playbackTimestamp(track []types.PoseFrame, elapsed time.Duration, rate float64, gap time.Duration) (time.Duration, bool) {
	if len(track) == 0 {
		return 0, false
	}
	first := track[0].Timestamp
	span := track[len(track)-1].Timestamp - first + gap
	offset := time.Duration(float64(elapsed) * rate)
	return first + offset%span, true
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBody))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "failed to read body"}, http.StatusBadRequest)
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "image/") {
		s.handleImageFrame(w, r, body)
		return
	}

	var person *types.Person
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var p types.Person
		if err := json.Unmarshal(trimmed, &p); err != nil {
			writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("invalid pose: %v", err)}, http.StatusBadRequest)
			return
		}
		person = &p
	}

	writeJSON(w, s.session.Ingest(person))
}

// handleImageFrame runs the session detector on an uploaded image. The frame
// timestamp comes from ?t=<ms>, defaulting to time since server start.
func (s *Server) handleImageFrame(w http.ResponseWriter, r *http.Request, body []byte) {
	ts := time.Since(s.started)
	if t := r.URL.Query().Get("t"); t != "" {
		ms, err := strconv.ParseFloat(t, 64)
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": "t must be milliseconds"}, http.StatusBadRequest)
			return
		}
		ts = time.Duration(ms * float64(time.Millisecond))
	}

	frame := types.VideoFrame{
		Seq:       s.frameSeq.Add(1) - 1,
		Timestamp: ts,
		Width:     s.cfg.FrameWidth,
		Height:    s.cfg.FrameHeight,
		Data:      body,
	}
	out, err := s.session.ProcessFrame(r.Context(), frame)
	if errors.Is(err, session.ErrNoDetector) {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusNotImplemented)
		return
	}
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadGateway)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Outputs())
}

func (s *Server) handleAnalysisStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.analysisBroadcaster.Subscribe()
	defer s.analysisBroadcaster.Unsubscribe(id)

	// Content negotiation based on Accept header
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(r.Context(), w, eventCh, useProtobuf, s.cfg.StatusInterval)
}

// handleRender renders ?t=<ms> (default: the newest frame) as JPEG, or as a
// JSON summary with ?format=json.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var ts time.Duration
	if t := r.URL.Query().Get("t"); t != "" {
		ms, err := strconv.ParseFloat(t, 64)
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": "t must be milliseconds"}, http.StatusBadRequest)
			return
		}
		ts = time.Duration(ms * float64(time.Millisecond))
	} else if track := s.session.Snapshot().Track; len(track) > 0 {
		ts = track[len(track)-1].Timestamp
	}

	if r.URL.Query().Get("format") == "json" {
		rs := s.session.RenderFrame(ts, nil)
		resp := RenderResponse{
			TimestampMs:  float64(ts) / float64(time.Millisecond),
			Frame:        rs.Frame,
			Rep:          rs.Rep,
			Progress:     rs.Progress,
			Triangle:     rs.Triangle.String(),
			Instructions: len(rs.Instructions),
		}
		for _, in := range rs.Instructions {
			if in.Kind == overlay.KindText {
				resp.Text = in.Text
			}
		}
		writeJSON(w, resp)
		return
	}

	data, err := s.renderJPEG(ts)
	if err != nil {
		s.metrics.RenderErrors.Add(1)
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	st := s.session.Snapshot()
	line := generateSignalChart(chartData{
		sessionID: st.ID,
		track:     st.Track,
		reps:      st.Reps,
		analyses:  st.Analysis,
		signal:    s.signal,
		threshold: s.threshold,
	})

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, "Failed to render chart", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.session.Snapshot()
	pass, fail, unknown := st.Verdicts()

	status := StatusResponse{
		Monitor: s.monitor.Snapshot(),
		Session: SessionStats{
			SessionID:     st.ID,
			Frames:        len(st.Track),
			Reps:          len(st.Reps),
			Passed:        pass,
			Failed:        fail,
			Indeterminate: unknown,
		},
		SSEClients: s.analysisBroadcaster.ClientCount(),
		Timestamp:  float64(time.Now().Unix()),
	}
	if s.recorder != nil {
		status.Recording = s.recorder.GetStatus()
	}
	if s.webrtc != nil {
		status.WebRTCClients = s.webrtc.GetClientCount()
	}
	writeJSON(w, status)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.session.Reset())
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if body, _ := io.ReadAll(io.LimitReader(r.Body, 4096)); len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONWithStatus(w, map[string]any{"error": "invalid request"}, http.StatusBadRequest)
			return
		}
	}

	filename, err := s.recorder.Start(s.session.ID(), req.Name)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	payload := map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	}
	writeJSON(w, payload)
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusServiceUnavailable)
		return
	}

	status, err := s.recorder.Stop()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			code = http.StatusBadRequest
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, code)
		return
	}

	payload := map[string]any{
		"status":     "stopped",
		"file":       status.Filename,
		"url":        "/recordings/" + status.Filename,
		"stats":      status,
		"stopped_at": float64(time.Now().Unix()),
	}
	writeJSON(w, payload)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recorder.GetStatus())
}

// handleReport exports the current session's reps (?format=parquet|csv).
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	format := s.cfg.ReportFormat
	if f := r.URL.Query().Get("format"); f != "" {
		parsed, err := report.ParseFormat(f)
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
			return
		}
		format = parsed
	}

	st := s.session.Snapshot()
	if len(st.Analysis) == 0 {
		writeJSONWithStatus(w, map[string]any{"error": "no reps to export"}, http.StatusBadRequest)
		return
	}

	path, err := report.WriteFile(s.cfg.ReportDir, format, st.ID, st.Analysis)
	if err != nil {
		logger.Error("WebMonitor", "Report export failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "report export failed"}, http.StatusInternalServerError)
		return
	}
	name := filepath.Base(path)
	logger.Info("WebMonitor", "Exported %d reps to %s", len(st.Analysis), name)

	writeJSON(w, ReportResponse{
		File:   name,
		URL:    "/reports/" + name,
		Format: string(format),
		Reps:   len(st.Analysis),
	})
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webrtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is not enabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.webrtc.HandleOffer(body)
	if err != nil {
		logger.Warn("WebMonitor", "WebRTC offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
