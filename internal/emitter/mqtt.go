// Package emitter publishes rep analysis to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/metrics"
	"github.com/dj-oyu/formcheck/analysis-server/internal/session"
)

// Config selects the broker and topics.
type Config struct {
	Broker      string // host:port
	ClientID    string
	TopicPrefix string // e.g. formcheck/<camera>
	QoS         byte
}

// publisher is the subset of mqtt.Client used for publishing.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// RepEvent is published once per closed rep.
type RepEvent struct {
	SessionID string               `json:"session_id"`
	Rep       analysis.FormMetrics `json:"rep"`
	Total     int                  `json:"reps_total"`
}

// SessionEvent is the retained summary of the current session.
type SessionEvent struct {
	SessionID    string                 `json:"session_id"`
	Frames       int                    `json:"frames"`
	RepsAnalysis []analysis.FormMetrics `json:"repsAnalysis"`
	Reset        bool                   `json:"reset,omitempty"`
	At           time.Time              `json:"at"`
}

// MQTTEmitter publishes session updates from a background goroutine so the
// ingest path never waits on the broker.
type MQTTEmitter struct {
	cfg     Config
	client  mqtt.Client
	pub     publisher
	metrics *metrics.Metrics

	queue chan message
	done  chan struct{}
	wg    sync.WaitGroup

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
	lastReps  int
	lastID    string
}

// NewMQTTEmitter creates an emitter; call Connect and Start before use.
func NewMQTTEmitter(cfg Config, m *metrics.Metrics) *MQTTEmitter {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "formcheck"
	}
	return &MQTTEmitter{
		cfg:       cfg,
		metrics:   m,
		queue:     make(chan message, 64),
		done:      make(chan struct{}),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with auto-reconnect.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		logger.Info("MQTT", "Connected to %s as %s", e.cfg.Broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		logger.Warn("MQTT", "Connection lost, will auto-reconnect: %v", err)
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Start launches the publishing goroutine.
func (e *MQTTEmitter) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop drains queued messages and disconnects.
func (e *MQTTEmitter) Stop() {
	close(e.done)
	e.wg.Wait()
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
	e.setConnected(false)
}

// OnUpdate is a session.Listener. It publishes a RepEvent for each rep that
// closed since the previous update and refreshes the retained session summary
// whenever the rep count changes or the session resets.
func (e *MQTTEmitter) OnUpdate(u session.Update) {
	e.mu.Lock()
	if u.SessionID != e.lastID {
		e.lastID = u.SessionID
		e.lastReps = 0
	}
	prev := e.lastReps
	e.lastReps = len(u.RepsAnalysis)
	e.mu.Unlock()

	if len(u.RepsAnalysis) == prev && !u.Reset {
		return
	}

	for i := prev; i < len(u.RepsAnalysis); i++ {
		e.enqueue(e.topic("reps"), false, RepEvent{
			SessionID: u.SessionID,
			Rep:       u.RepsAnalysis[i],
			Total:     len(u.RepsAnalysis),
		})
	}
	e.enqueue(e.topic("session"), true, SessionEvent{
		SessionID:    u.SessionID,
		Frames:       u.Frames,
		RepsAnalysis: u.RepsAnalysis,
		Reset:        u.Reset,
		At:           time.Now().UTC(),
	})
}

func (e *MQTTEmitter) topic(kind string) string {
	return e.cfg.TopicPrefix + "/" + kind
}

func (e *MQTTEmitter) enqueue(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		e.recordError(fmt.Errorf("marshal %s: %w", topic, err))
		return
	}
	select {
	case e.queue <- message{topic: topic, retained: retained, payload: payload}:
	default:
		e.recordError(fmt.Errorf("queue full, dropping %s", topic))
	}
}

func (e *MQTTEmitter) run() {
	defer e.wg.Done()
	for {
		select {
		case msg := <-e.queue:
			e.publish(msg)
		case <-e.done:
			for {
				select {
				case msg := <-e.queue:
					e.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (e *MQTTEmitter) publish(msg message) {
	if !e.isConnected() || e.pub == nil {
		e.recordError(fmt.Errorf("mqtt not connected, dropping %s", msg.topic))
		return
	}

	token := e.pub.Publish(msg.topic, e.cfg.QoS, msg.retained, msg.payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.recordError(fmt.Errorf("publish %s: timeout", msg.topic))
		return
	}
	if err := token.Error(); err != nil {
		e.recordError(fmt.Errorf("publish %s: %w", msg.topic, err))
		return
	}

	e.mu.Lock()
	e.published[msg.topic]++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.MQTTPublished.Add(1)
	}
	logger.Debug("MQTT", "Published %s (%d bytes)", msg.topic, len(msg.payload))
}

func (e *MQTTEmitter) recordError(err error) {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.MQTTErrors.Add(1)
	}
	logger.Warn("MQTT", "%v", err)
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}
