package webmonitor

import (
	"image/color"
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/internal/report"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr           string
	FrameWidth     int
	FrameHeight    int
	Background     color.RGBA
	JPEGQuality    int
	StreamFPS      int           // MJPEG frames per second
	StatusInterval time.Duration // Keepalive period for idle SSE clients
	MJPEGIdle      time.Duration // Blank frame period when no pose arrives
	ReportDir      string
	ReportFormat   report.Format
	RecordingDir   string
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		FrameWidth:     640,
		FrameHeight:    480,
		Background:     color.RGBA{R: 24, G: 24, B: 32, A: 255},
		JPEGQuality:    80,
		StreamFPS:      30,
		StatusInterval: 30 * time.Second,
		MJPEGIdle:      5 * time.Second,
		ReportDir:      "./reports",
		ReportFormat:   report.Parquet,
		RecordingDir:   "./recordings",
	}
}
