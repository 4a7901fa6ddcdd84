package webmonitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/overlay"
	"github.com/dj-oyu/formcheck/analysis-server/internal/raster"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// blankJPEG renders the placeholder shown before any pose is available.
func blankJPEG(cfg Config, message string) ([]byte, error) {
	surface := raster.New(cfg.FrameWidth, cfg.FrameHeight, cfg.Background)
	style := overlay.DefaultStyle()
	surface.DrawText(message, types.Position{X: 0.05, Y: 0.05}, overlay.TextStyle{
		Color:      style.Text,
		Background: style.TextBackground,
		FontSize:   style.FontSize,
		Padding:    style.Padding,
	})
	return surface.JPEG(cfg.JPEGQuality)
}

func writeMJPEGPart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// streamMJPEGFromChannel streams MJPEG from a channel (fanout pattern).
func streamMJPEGFromChannel(ctx context.Context, w http.ResponseWriter, frameCh <-chan []byte, blank []byte, idle time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	jpegData := blank
	for {
		if err := writeMJPEGPart(w, jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				// Channel closed, client should disconnect
				return
			}
			jpegData = data
		case <-time.After(idle):
			// No pose for a while, repeat the last frame to keep the connection alive
		}
	}
}

type jpegProvider func() ([]byte, bool)

// streamMJPEG pulls a frame from provider every interval.
func streamMJPEG(ctx context.Context, w http.ResponseWriter, interval time.Duration, blank []byte, provider jpegProvider) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		jpegData := blank
		if provider != nil {
			if data, ok := provider(); ok {
				jpegData = data
			}
		}

		if err := writeMJPEGPart(w, jpegData); err != nil {
			logger.Debug("MJPEG", "Playback client disconnected: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// streamEventsFromChannel streams pre-serialized events to an SSE client.
// Data is already serialized in both formats by the broadcaster.
func streamEventsFromChannel(ctx context.Context, w http.ResponseWriter, eventCh <-chan *SerializedEvent, useProtobuf bool, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Add custom header to indicate format
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}

			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-time.After(keepalive):
			// Send keepalive comment to prevent timeout
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
