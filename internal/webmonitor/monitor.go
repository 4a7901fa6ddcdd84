package webmonitor

import (
	"sync"
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/internal/metrics"
	"github.com/dj-oyu/formcheck/analysis-server/internal/session"
)

const fpsWindow = 30

// Monitor derives ingest statistics from session updates.
type Monitor struct {
	startTime time.Time
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.Mutex
	arrivals []time.Time // ring of the last fpsWindow appended frames
	next     int
}

// NewMonitor creates a Monitor reading counters from m.
func NewMonitor(m *metrics.Metrics) *Monitor {
	return &Monitor{
		startTime: time.Now(),
		metrics:   m,
		now:       time.Now,
		arrivals:  make([]time.Time, 0, fpsWindow),
	}
}

// OnUpdate is a session.Listener.
func (m *Monitor) OnUpdate(u session.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.Reset {
		m.arrivals = m.arrivals[:0]
		m.next = 0
		return
	}
	if u.Pose == nil {
		return
	}

	t := m.now()
	if len(m.arrivals) < fpsWindow {
		m.arrivals = append(m.arrivals, t)
		return
	}
	m.arrivals[m.next] = t
	m.next = (m.next + 1) % fpsWindow
}

// Snapshot returns the current monitor stats.
func (m *Monitor) Snapshot() MonitorStats {
	m.mu.Lock()
	fps := m.fpsLocked()
	m.mu.Unlock()

	return MonitorStats{
		FramesIngested: m.metrics.FramesIngested.Load(),
		FramesAbsent:   m.metrics.FramesAbsent.Load(),
		FramesRejected: m.metrics.FramesRejected.Load(),
		CurrentFPS:     fps,
		UptimeSeconds:  m.now().Sub(m.startTime).Seconds(),
	}
}

func (m *Monitor) fpsLocked() float64 {
	n := len(m.arrivals)
	if n < 2 {
		return 0
	}
	oldest, newest := m.arrivals[0], m.arrivals[n-1]
	if n == fpsWindow {
		oldest = m.arrivals[m.next]
		newest = m.arrivals[(m.next+fpsWindow-1)%fpsWindow]
	}
	span := newest.Sub(oldest).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}
