package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	maxSignalingMessage = 64 * 1024
	signalingWriteWait  = 10 * time.Second
	sendTimeout         = 5 * time.Second
)

var errClientClosed = errors.New("signaling client closed")

// SignalingServer handles WebSocket signaling for viewer peer connections
type SignalingServer struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	clients map[string]*SignalingClient
	mu      sync.RWMutex

	// Message handlers, set before the first connection
	onOffer func(client *SignalingClient, offer webrtc.SessionDescription) error
	onICE   func(client *SignalingClient, candidate webrtc.ICECandidateInit) error
	onClose func(client *SignalingClient)

	sendBufferSize int
}

// SignalingClient is one connected signaling WebSocket
type SignalingClient struct {
	id     string
	conn   *websocket.Conn
	server *SignalingServer
	logger *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	connectedAt time.Time
	lastPing    atomic.Int64 // unix nanoseconds
}

// SignalingMessage is the envelope exchanged with browsers
type SignalingMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outgoingMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// NewSignalingServer creates a signaling server. checkOrigin may be nil to
// accept every origin.
func NewSignalingServer(checkOrigin func(*http.Request) bool, sendBufferSize int, logger *zap.Logger) *SignalingServer {
	if sendBufferSize <= 0 {
		sendBufferSize = 64
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &SignalingServer{
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:         logger.With(zap.String("component", "signaling")),
		clients:        make(map[string]*SignalingClient),
		sendBufferSize: sendBufferSize,
	}
}

// SetHandlers sets the message handlers
func (s *SignalingServer) SetHandlers(
	onOffer func(client *SignalingClient, offer webrtc.SessionDescription) error,
	onICE func(client *SignalingClient, candidate webrtc.ICECandidateInit) error,
	onClose func(client *SignalingClient),
) {
	s.onOffer = onOffer
	s.onICE = onICE
	s.onClose = onClose
}

// HandleWebSocket upgrades the request and serves one signaling client
func (s *SignalingServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := &SignalingClient{
		id:          clientID,
		conn:        conn,
		server:      s,
		logger:      s.logger.With(zap.String("client_id", clientID)),
		send:        make(chan []byte, s.sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	client.lastPing.Store(client.connectedAt.UnixNano())

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	client.logger.Info("Client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	go client.writePump()
	go client.readPump()
}

// readPump handles incoming messages from the client
func (c *SignalingClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxSignalingMessage)

	for {
		var msg SignalingMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		c.logger.Debug("Received message", zap.String("type", msg.Type))

		if err := c.handleMessage(msg); err != nil {
			c.logger.Error("Error handling message", zap.String("type", msg.Type), zap.Error(err))
			c.sendError(err.Error())
		}
	}
}

// writePump is the only writer of the connection
func (c *SignalingClient) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(signalingWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("WebSocket write error", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage dispatches one signaling message
func (c *SignalingClient) handleMessage(msg SignalingMessage) error {
	switch msg.Type {
	case "offer":
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &offer); err != nil {
			return fmt.Errorf("invalid offer format: %w", err)
		}
		if c.server.onOffer != nil {
			return c.server.onOffer(c, offer)
		}

	case "ice-candidate":
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &candidate); err != nil {
			return fmt.Errorf("invalid ICE candidate format: %w", err)
		}
		if c.server.onICE != nil {
			return c.server.onICE(c, candidate)
		}

	case "ping":
		c.lastPing.Store(time.Now().UnixNano())
		return c.sendMessage("pong", nil)

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return nil
}

// SendAnswer sends the server's answer to the client
func (c *SignalingClient) SendAnswer(answer webrtc.SessionDescription) error {
	return c.sendMessage("answer", answer)
}

// SendICECandidate sends a local ICE candidate to the client
func (c *SignalingClient) SendICECandidate(candidate *webrtc.ICECandidate) error {
	if candidate == nil {
		return nil
	}
	return c.sendMessage("ice-candidate", candidate.ToJSON())
}

// sendMessage queues a message for the write pump. A client that cannot
// drain its queue within sendTimeout is disconnected.
func (c *SignalingClient) sendMessage(msgType string, data interface{}) error {
	if c.IsClosed() {
		return errClientClosed
	}

	payload, err := json.Marshal(outgoingMessage{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	case <-timer.C:
		c.logger.Error("Send timeout, client too slow", zap.String("message_type", msgType))
		go c.close()
		return fmt.Errorf("send timeout: client too slow")
	}
}

func (c *SignalingClient) sendError(message string) {
	c.sendMessage("error", map[string]string{"message": message})
}

// close unregisters the client and stops both pumps
func (c *SignalingClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		if c.server != nil {
			c.server.mu.Lock()
			delete(c.server.clients, c.id)
			c.server.mu.Unlock()

			if c.server.onClose != nil {
				c.server.onClose(c)
			}
		}

		c.logger.Info("Client disconnected", zap.Duration("duration", time.Since(c.connectedAt)))
	})
}

// ID returns the client ID
func (c *SignalingClient) ID() string {
	return c.id
}

// IsClosed reports whether the client has disconnected
func (c *SignalingClient) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// LastPing returns the time of the last ping received
func (c *SignalingClient) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// ClientCount returns the number of connected clients
func (s *SignalingServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Clients returns the connected client IDs
func (s *SignalingServer) Clients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// Close disconnects every client
func (s *SignalingServer) Close() {
	s.mu.RLock()
	clients := make([]*SignalingClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	s.logger.Info("Closing signaling server", zap.Int("clients", len(clients)))

	for _, c := range clients {
		c.close()
	}
}
