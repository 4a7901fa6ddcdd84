// Package webrtc pushes live rep analysis to browsers over a WebRTC data
// channel. The browser creates the offer together with a data channel
// labeled "analysis"; every session update is then sent on it as JSON.
package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/metrics"
	"github.com/dj-oyu/formcheck/analysis-server/internal/session"
)

// ChannelLabel is the data channel label clients must open.
const ChannelLabel = "analysis"

// Client represents a connected WebRTC client
type Client struct {
	id       string
	peerConn *webrtc.PeerConnection
	msgChan  chan []byte
	closed   chan struct{}

	messagesSent    atomic.Uint64
	messagesDropped atomic.Uint64
}

// Server manages WebRTC connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics

	latestMu sync.RWMutex
	latest   []byte
}

// NewServer creates a new WebRTC server
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	// Data channels only, no media codecs needed
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	if maxClients <= 0 {
		maxClients = 4
	}
	if m == nil {
		m = metrics.New()
	}

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		metrics:    m,
	}
}

// HandleOffer handles a WebRTC offer and returns an answer
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("not an SDP offer")
	}

	if n := s.GetClientCount(); n >= s.maxClients {
		return nil, fmt.Errorf("maximum clients reached (%d)", s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := newClient(uuid.NewString())
	client.peerConn = peerConn

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Debug("WebRTC", "Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			logger.Debug("WebRTC", "Client %s data channel open", client.id)
			go s.sendMessages(client, dc)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	s.addClient(client)
	logger.Info("WebRTC", "Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

func newClient(id string) *Client {
	return &Client{
		id:      id,
		msgChan: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (s *Server) addClient(c *Client) {
	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()

	s.metrics.ActiveClients.Add(1)
	s.metrics.TotalClients.Add(1)

	// New peers start from the latest analysis
	s.latestMu.RLock()
	latest := s.latest
	s.latestMu.RUnlock()
	if latest != nil {
		c.msgChan <- latest
	}
}

// OnUpdate is a session.Listener that forwards the session outputs.
func (s *Server) OnUpdate(u session.Update) {
	payload, err := json.Marshal(u.Outputs)
	if err != nil {
		logger.Warn("WebRTC", "Failed to marshal analysis: %v", err)
		return
	}
	s.Broadcast(payload)
}

// Broadcast queues payload for every client (non-blocking)
func (s *Server) Broadcast(payload []byte) {
	s.latestMu.Lock()
	s.latest = payload
	s.latestMu.Unlock()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.msgChan <- payload:
			client.messagesSent.Add(1)
			s.metrics.DataChannelSent.Add(1)
		default:
			client.messagesDropped.Add(1)
			s.metrics.DataChannelDropped.Add(1)
		}
	}
}

func (s *Server) sendMessages(client *Client, dc *webrtc.DataChannel) {
	for {
		select {
		case <-client.closed:
			return
		case msg := <-client.msgChan:
			if err := dc.SendText(string(msg)); err != nil {
				logger.Warn("WebRTC", "Error sending to client %s: %v", client.id, err)
				return
			}
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}

	close(client.closed)
	if client.peerConn != nil {
		client.peerConn.Close()
	}
	s.metrics.ActiveClients.Add(^uint64(0))

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.messagesSent.Load(), client.messagesDropped.Load())
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"messages_sent":    client.messagesSent.Load(),
			"messages_dropped": client.messagesDropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
