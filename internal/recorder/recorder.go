// Package recorder writes the ingested pose track to disk in a format the
// replay tooling reads back.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/metrics"
	"github.com/dj-oyu/formcheck/analysis-server/internal/posefeed"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Recorder records poses to a feed file
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	buf          *bufio.Writer
	enc          *posefeed.Encoder
	filename     string
	basePath     string
	format       posefeed.Format
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	writeErrors  uint64
	startTime    time.Time
	poseChan     chan *types.PoseFrame
	stopChan     chan struct{}
	wg           sync.WaitGroup

	metrics *metrics.Metrics
}

// NewRecorder creates a new recorder writing into basePath
func NewRecorder(basePath string, format posefeed.Format, m *metrics.Metrics) *Recorder {
	if format == "" {
		format = posefeed.JSONLines
	}
	return &Recorder{
		basePath: basePath,
		format:   format,
		metrics:  m,
	}
}

// Start starts recording to a new file. An empty name is generated from the
// session ID and the current time.
func (r *Recorder) Start(sessionID, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if name == "" {
		timestamp := time.Now().Format("20060102_150405")
		name = fmt.Sprintf("poses_%s_%s%s", timestamp, shortID(sessionID), r.format.Extension())
	}
	name = filepath.Base(name)

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recording dir: %w", err)
	}
	file, err := os.Create(filepath.Join(r.basePath, name))
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.buf = bufio.NewWriter(file)
	r.enc, _ = posefeed.NewEncoder(r.buf, r.format)
	r.filename = name
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.writeErrors = 0
	r.startTime = time.Now()
	r.poseChan = make(chan *types.PoseFrame, 256)
	r.stopChan = make(chan struct{})

	if r.metrics != nil {
		r.metrics.RecordingActive.Store(1)
	}
	logger.Info("Recorder", "Recording poses to %s", name)

	r.wg.Add(1)
	go r.writePoses(r.poseChan, r.stopChan)

	return name, nil
}

// Stop stops recording, flushes pending poses and closes the file
func (r *Recorder) Stop() (RecordingStatus, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return RecordingStatus{}, ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordingActive.Store(0)
	}
	status := r.statusLocked()
	status.Duration = time.Since(r.startTime)

	if r.file != nil {
		if err := r.buf.Flush(); err != nil {
			return status, fmt.Errorf("failed to flush file: %w", err)
		}
		if err := r.file.Sync(); err != nil {
			return status, fmt.Errorf("failed to sync file: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return status, fmt.Errorf("failed to close file: %w", err)
		}
		r.file = nil
	}

	logger.Info("Recorder", "Stopped %s: %d poses, %d bytes", r.filename, r.frameCount, r.bytesWritten)
	return status, nil
}

// SendPose queues a pose, nil for an empty tick (non-blocking). It reports
// whether the pose was queued.
func (r *Recorder) SendPose(pose *types.PoseFrame) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}

	select {
	case r.poseChan <- pose:
		return true
	default:
		logger.Debug("Recorder", "Queue full, dropping pose")
		return false
	}
}

func (r *Recorder) writePoses(poses <-chan *types.PoseFrame, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case pose := <-poses:
			r.writePose(pose)
		case <-stop:
			for {
				select {
				case pose := <-poses:
					r.writePose(pose)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writePose(pose *types.PoseFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enc == nil {
		return
	}

	var rec *types.Person
	if pose != nil {
		p := posefeed.FromPose(*pose)
		rec = &p
	}

	n, err := r.enc.Encode(rec)
	if err != nil {
		r.writeErrors++
		if r.metrics != nil {
			r.metrics.RecorderErrors.Add(1)
		}
		logger.Warn("Recorder", "Write failed: %v", err)
		return
	}

	r.bytesWritten += uint64(n)
	r.frameCount++
	if r.metrics != nil {
		r.metrics.RecordingBytes.Add(uint64(n))
		r.metrics.RecordingFrames.Add(1)
	}
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusLocked()
}

func (r *Recorder) statusLocked() RecordingStatus {
	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		Format:       string(r.format),
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		WriteErrors:  r.writeErrors,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
		Duration:     duration,
	}
}

// Path returns the absolute path of a recording by file name.
func (r *Recorder) Path(name string) string {
	return filepath.Join(r.basePath, filepath.Base(name))
}

// Close stops any recording in progress
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool          `json:"recording"`
	Filename     string        `json:"filename"`
	Format       string        `json:"format"`
	FrameCount   uint64        `json:"frame_count"`
	BytesWritten uint64        `json:"bytes_written"`
	WriteErrors  uint64        `json:"write_errors"`
	DurationMs   int64         `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"-"`
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "session"
	}
	return id
}
