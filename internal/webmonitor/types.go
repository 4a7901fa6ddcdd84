package webmonitor

import (
	"github.com/dj-oyu/formcheck/analysis-server/internal/recorder"
)

// MonitorStats describes ingest throughput.
type MonitorStats struct {
	FramesIngested uint64  `json:"frames_ingested"`
	FramesAbsent   uint64  `json:"frames_absent"`
	FramesRejected uint64  `json:"frames_rejected"`
	CurrentFPS     float64 `json:"current_fps"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// SessionStats summarizes the current session.
type SessionStats struct {
	SessionID     string `json:"session_id"`
	Frames        int    `json:"frames"`
	Reps          int    `json:"reps"`
	Passed        int    `json:"criteria_passed"`
	Failed        int    `json:"criteria_failed"`
	Indeterminate int    `json:"criteria_indeterminate"`
}

// StatusResponse is the payload of /api/status.
type StatusResponse struct {
	Monitor       MonitorStats             `json:"monitor"`
	Session       SessionStats             `json:"session"`
	Recording     recorder.RecordingStatus `json:"recording"`
	WebRTCClients int                      `json:"webrtc_clients"`
	SSEClients    int                      `json:"sse_clients"`
	Timestamp     float64                  `json:"timestamp"`
}

// ReportResponse is returned by POST /api/report.
type ReportResponse struct {
	File   string `json:"file"`
	URL    string `json:"url"`
	Format string `json:"format"`
	Reps   int    `json:"reps"`
}

// RenderResponse is the JSON form of /api/render.
type RenderResponse struct {
	TimestampMs  float64 `json:"timestamp_ms"`
	Frame        int     `json:"frame"`
	Rep          int     `json:"rep"`
	Progress     float64 `json:"progress"`
	Triangle     string  `json:"triangle"`
	Instructions int     `json:"instructions"`
	Text         string  `json:"text,omitempty"`
}
