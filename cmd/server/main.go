package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cli/browser"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/internal/config"
	"github.com/dj-oyu/formcheck/analysis-server/internal/emitter"
	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/metrics"
	"github.com/dj-oyu/formcheck/analysis-server/internal/posefeed"
	"github.com/dj-oyu/formcheck/analysis-server/internal/recorder"
	"github.com/dj-oyu/formcheck/analysis-server/internal/session"
	"github.com/dj-oyu/formcheck/analysis-server/internal/webmonitor"
	"github.com/dj-oyu/formcheck/analysis-server/internal/webrtc"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

var (
	// Command-line flags
	configPath  = flag.String("config", "", "YAML configuration file (defaults to the pushup schema)")
	httpAddr    = flag.String("addr", "", "HTTP server address (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent); overrides config")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
	openBrowser = flag.Bool("open", false, "Open the monitor page in a browser")
	replayPath  = flag.String("replay", "", "Pose feed (.jsonl or .msgpack) to replay as detector output")
	replaySpeed = flag.Float64("speed", 1, "Replay speed multiplier (0 = as fast as possible)")
	workerCmd   = flag.String("worker", "", "Pose estimation worker command for uploaded images")
)

// Server wires the analysis session to its outputs.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg        *config.Config
	metrics    *metrics.Metrics
	session    *session.Session
	replay     *posefeed.Replay
	worker     *posefeed.Worker
	recorder   *recorder.Recorder
	webrtc     *webrtc.Server
	mqtt       *emitter.MQTTEmitter
	monitor    *webmonitor.Server
	httpServer *http.Server
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Form check server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer builds every component from cfg.
func NewServer(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		metrics: metrics.New(),
	}

	if err := s.buildSession(); err != nil {
		cancel()
		return nil, err
	}

	s.recorder = recorder.NewRecorder(cfg.Recording.Dir, cfg.RecordingFormat(), s.metrics)
	s.webrtc = webrtc.NewServer(cfg.Server.STUNServers, cfg.Server.MaxWebRTCClients, s.metrics)

	if mqttCfg, ok := cfg.MQTTEmitter(); ok {
		s.mqtt = emitter.NewMQTTEmitter(mqttCfg, s.metrics)
	}

	distance, err := cfg.Signal()
	if err != nil {
		s.closeDetector()
		cancel()
		return nil, err
	}
	monitorCfg := webmonitor.DefaultConfig()
	monitorCfg.Addr = cfg.Server.HTTPAddr
	monitorCfg.FrameWidth = cfg.Server.FrameWidth
	monitorCfg.FrameHeight = cfg.Server.FrameHeight
	monitorCfg.JPEGQuality = cfg.Server.JPEGQuality
	monitorCfg.StreamFPS = cfg.Server.StreamFPS
	monitorCfg.ReportDir = cfg.Report.Dir
	monitorCfg.ReportFormat = cfg.ReportFormat()
	monitorCfg.RecordingDir = cfg.Recording.Dir

	s.monitor, err = webmonitor.NewServer(monitorCfg, webmonitor.Options{
		Session:   s.session,
		Recorder:  s.recorder,
		WebRTC:    s.webrtc,
		Metrics:   s.metrics,
		Signal:    distance,
		Threshold: cfg.Segmentation.Threshold,
	})
	if err != nil {
		s.closeDetector()
		cancel()
		return nil, fmt.Errorf("failed to create web monitor: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: s.monitor.Handler(),
	}
	return s, nil
}

// buildSession creates the detector and the session around it.
func (s *Server) buildSession() error {
	segmenter, err := s.cfg.Segmenter()
	if err != nil {
		return fmt.Errorf("segmentation: %w", err)
	}
	criteria, err := s.cfg.AnalysisCriteria()
	if err != nil {
		return err
	}
	overlayCfg, err := s.cfg.OverlayConfig()
	if err != nil {
		return err
	}

	var detector session.Detector
	switch {
	case *replayPath != "" && *workerCmd != "":
		return errors.New("-replay and -worker are mutually exclusive")
	case *replayPath != "":
		s.replay, err = posefeed.Open(*replayPath)
		if err != nil {
			return fmt.Errorf("failed to open replay: %w", err)
		}
		detector = s.replay
		logger.Info("Main", "Replaying %d ticks from %s", s.replay.Len(), *replayPath)
	case *workerCmd != "":
		name, args, err := splitCommand(*workerCmd)
		if err != nil {
			return err
		}
		s.worker, err = posefeed.StartWorker(s.ctx, name, args...)
		if err != nil {
			return err
		}
		detector = s.worker
	}

	s.session = session.New(session.Options{
		Detector:  detector,
		Segmenter: segmenter,
		Analyzer:  analysis.NewAnalyzer(criteria),
		Overlay:   overlayCfg,
		Metrics:   s.metrics,
	})
	return nil
}

// splitCommand splits a -worker value into the program and its arguments.
func splitCommand(cmd string) (string, []string, error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", nil, errors.New("-worker command is empty")
	}
	return fields[0], fields[1:], nil
}

// Start starts the HTTP server and the optional publishers.
func (s *Server) Start() error {
	logger.Info("Main", "Starting form check server...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.Server.HTTPAddr)
	logger.Info("Main", "  Segmentation: %s-%s < %.3f (%s)",
		s.cfg.Segmentation.From, s.cfg.Segmentation.To, s.cfg.Segmentation.Threshold, s.cfg.Segmentation.Strategy)
	logger.Info("Main", "  Criteria: %d", len(s.cfg.Criteria))
	logger.Info("Main", "  Recording path: %s", s.cfg.Recording.Dir)
	logger.Info("Main", "  Report path: %s", s.cfg.Report.Dir)

	if s.mqtt != nil {
		if err := s.mqtt.Connect(s.ctx); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		s.mqtt.Start()
		s.session.AddListener(s.mqtt.OnUpdate)
	}

	if addr := s.cfg.Server.MetricsAddr; addr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", addr)
			if err := s.metrics.StartServer(addr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.Server.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if s.replay != nil {
		s.wg.Add(1)
		go s.playReplay()
	}

	if *openBrowser {
		url := monitorURL(s.cfg.Server.HTTPAddr)
		if err := browser.OpenURL(url); err != nil {
			logger.Warn("Main", "Failed to open browser at %s: %v", url, err)
		}
	}

	logger.Info("Main", "Server started successfully")
	return nil
}

// playReplay drives the session from the replay feed.
func (s *Server) playReplay() {
	defer s.wg.Done()

	start := time.Now()
	err := s.replay.Play(s.ctx, *replaySpeed, func(ctx context.Context, frame types.VideoFrame) error {
		_, err := s.session.ProcessFrame(ctx, frame)
		return err
	})
	switch {
	case err == nil:
		out := s.session.Outputs()
		logger.Info("Replay", "Finished in %v: %d frames, %d reps", time.Since(start).Round(time.Millisecond), out.Frames, len(out.Reps))
	case errors.Is(err, context.Canceled):
	case errors.Is(err, io.EOF):
		logger.Warn("Replay", "Feed ended early: %v", err)
	default:
		logger.Error("Replay", "Replay failed: %v", err)
	}
}

// monitorURL turns a listen address into a browsable URL.
func monitorURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

func (s *Server) closeDetector() {
	if s.worker != nil {
		if err := s.worker.Close(); err != nil {
			logger.Warn("Main", "%v", err)
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.cancel()
	s.wg.Wait()

	if s.recorder.IsRecording() {
		if _, err := s.recorder.Stop(); err != nil {
			logger.Warn("Main", "Failed to stop recording: %v", err)
		}
	}
	_ = s.recorder.Close()
	s.webrtc.Close()
	s.monitor.Close()
	if s.mqtt != nil {
		s.mqtt.Stop()
	}
	s.closeDetector()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
