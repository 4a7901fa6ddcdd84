package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/metrics"
	"github.com/dj-oyu/formcheck/analysis-server/internal/session"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// AnalysisEvent is the payload of /api/analysis/stream.
type AnalysisEvent struct {
	session.Outputs
	Reset bool `json:"reset,omitempty"`
}

// serializeEvent encodes ev as JSON and as a protobuf Struct with the same
// field layout.
func serializeEvent(ev AnalysisEvent) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	st := &structpb.Struct{}
	if err := st.UnmarshalJSON(jsonData); err != nil {
		return nil, fmt.Errorf("struct conversion: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// AnalysisBroadcaster manages fanout of analysis events to multiple SSE clients.
// New subscribers immediately receive the latest event.
type AnalysisBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	latest  *SerializedEvent
	metrics *metrics.Metrics
}

// NewAnalysisBroadcaster creates a broadcaster for analysis events.
func NewAnalysisBroadcaster(m *metrics.Metrics) *AnalysisBroadcaster {
	return &AnalysisBroadcaster{
		clients: make(map[int]chan *SerializedEvent),
		metrics: m,
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (ab *AnalysisBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	id := ab.nextID
	ab.nextID++
	ch := make(chan *SerializedEvent, 8)
	if ab.latest != nil {
		ch <- ab.latest
	}
	ab.clients[id] = ch
	ab.metrics.SSEClients.Add(1)

	logger.Debug("AnalysisBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(ab.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (ab *AnalysisBroadcaster) Unsubscribe(id int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ch, ok := ab.clients[id]; ok {
		close(ch)
		delete(ab.clients, id)
		ab.metrics.SSEClients.Add(^uint64(0))
		logger.Debug("AnalysisBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(ab.clients))
	}
}

// ClientCount returns the number of subscribed clients.
func (ab *AnalysisBroadcaster) ClientCount() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.clients)
}

// OnUpdate is a session.Listener. Ticks that change nothing observable
// (empty detections, rejected poses) are not broadcast.
func (ab *AnalysisBroadcaster) OnUpdate(u session.Update) {
	if !u.Appended && !u.Reset {
		return
	}
	event, err := serializeEvent(AnalysisEvent{Outputs: u.Outputs, Reset: u.Reset})
	if err != nil {
		logger.Error("AnalysisBroadcaster", "Serialize error: %v", err)
		return
	}
	ab.broadcast(event)
}

func (ab *AnalysisBroadcaster) broadcast(event *SerializedEvent) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	ab.latest = event
	for _, ch := range ab.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

// RenderFunc draws the overlay for a display timestamp as JPEG.
type RenderFunc func(ts time.Duration) ([]byte, error)

// FrameBroadcaster renders the overlay of the newest pose and fans the JPEG
// out to MJPEG clients. Rendering is skipped while nobody is subscribed.
type FrameBroadcaster struct {
	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	render    RenderFunc
	metrics   *metrics.Metrics
	pending   chan time.Duration
	stop      chan struct{}
	stopped   bool
	skipCount int // Poses skipped while no clients are connected
}

// NewFrameBroadcaster creates a broadcaster that renders with render.
func NewFrameBroadcaster(render RenderFunc, m *metrics.Metrics) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients: make(map[int]chan []byte),
		render:  render,
		metrics: m,
		pending: make(chan time.Duration, 1),
		stop:    make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	fb.clients[id] = ch

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))

		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining - frame rendering will be skipped")
		}
	}
}

// OnUpdate is a session.Listener. Only the newest pending timestamp is kept.
func (fb *FrameBroadcaster) OnUpdate(u session.Update) {
	if u.Pose == nil {
		return
	}

	fb.mu.Lock()
	clientCount := len(fb.clients)
	if clientCount == 0 {
		fb.skipCount++
		if fb.skipCount%100 == 0 {
			logger.Debug("FrameBroadcaster", "No clients connected, skipped %d poses", fb.skipCount)
		}
	} else {
		fb.skipCount = 0
	}
	fb.mu.Unlock()
	if clientCount == 0 {
		return
	}

	ts := u.Pose.Timestamp
	for {
		select {
		case fb.pending <- ts:
			return
		default:
		}
		select {
		case <-fb.pending:
		default:
		}
	}
}

// Start begins the render and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	if !fb.stopped {
		close(fb.stop)
		fb.stopped = true
	}
	fb.mu.Unlock()
}

func (fb *FrameBroadcaster) run() {
	for {
		select {
		case <-fb.stop:
			return
		case ts := <-fb.pending:
			jpegData, err := fb.render(ts)
			if err != nil {
				fb.metrics.RenderErrors.Add(1)
				logger.Warn("FrameBroadcaster", "Render failed at %v: %v", ts, err)
				continue
			}
			fb.broadcast(jpegData)
		}
	}
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client
		}
	}
}
