// Package webrtc serves live frames to browsers over WebRTC data channels,
// negotiated through WebSocket signaling or a single HTTP offer/answer.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"esp32-cam-relay/config"
	"esp32-cam-relay/viewer"
)

// Server manages viewer peer connections. Each opened frames channel runs
// as a normal viewer session on the hub.
type Server struct {
	config *config.Config
	hub    *viewer.Hub
	logger *zap.Logger

	webrtcConfig webrtc.Configuration
	signaling    *SignalingServer

	peers map[string]*PeerConnection
	mu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a WebRTC viewer server feeding sessions into hub
func NewServer(cfg *config.Config, hub *viewer.Hub, checkOrigin func(*http.Request) bool, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	var iceServers []webrtc.ICEServer
	if len(cfg.WebRTC.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.WebRTC.STUNServers})
	}
	if len(cfg.WebRTC.TURNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       cfg.WebRTC.TURNServers,
			Username:   cfg.WebRTC.TURNUsername,
			Credential: cfg.WebRTC.TURNCredential,
		})
	}

	s := &Server{
		config:       cfg,
		hub:          hub,
		logger:       logger.With(zap.String("component", "webrtc")),
		webrtcConfig: webrtc.Configuration{ICEServers: iceServers},
		peers:        make(map[string]*PeerConnection),
		ctx:          ctx,
		cancel:       cancel,
	}

	s.signaling = NewSignalingServer(checkOrigin, cfg.WebRTC.SendBufferSize, logger)
	s.signaling.SetHandlers(s.handleOffer, s.handleICECandidate, s.handleClientClosed)

	s.logger.Info("WebRTC server created",
		zap.Int("stun_servers", len(cfg.WebRTC.STUNServers)),
		zap.Int("turn_servers", len(cfg.WebRTC.TURNServers)),
		zap.Int("max_message_kb", cfg.WebRTC.MaxMessageKB))

	return s
}

// HandleSignaling serves the signaling WebSocket
func (s *Server) HandleSignaling(w http.ResponseWriter, r *http.Request) {
	s.signaling.HandleWebSocket(w, r)
}

// newPeer creates a peer whose frames channel is served by the hub
func (s *Server) newPeer(id string) (*PeerConnection, error) {
	if s.ctx.Err() != nil {
		return nil, errors.New("webrtc server stopped")
	}

	peer, err := NewPeerConnection(id, s.webrtcConfig, PeerOptions{
		MaxMessageSize: s.config.WebRTC.MaxMessageKB * 1024,
		GatherTimeout:  s.config.WebRTC.GatherTimeout(),
	}, s.logger)
	if err != nil {
		return nil, err
	}

	peer.OnTransport(func(t *DataChannelTransport) {
		s.mu.RLock()
		if s.ctx.Err() != nil {
			s.mu.RUnlock()
			t.Close()
			return
		}
		s.wg.Add(1)
		s.mu.RUnlock()

		go func() {
			defer s.wg.Done()
			if err := s.hub.Serve(s.ctx, t); err != nil {
				s.logger.Info("WebRTC viewer session ended", zap.String("peer_id", id), zap.Error(err))
			}
		}()
	})
	peer.OnClosed(func() {
		s.forgetPeer(id, peer)
	})

	s.mu.Lock()
	previous := s.peers[id]
	s.peers[id] = peer
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	return peer, nil
}

// handleOffer answers a browser offer received over signaling
func (s *Server) handleOffer(client *SignalingClient, offer webrtc.SessionDescription) error {
	s.logger.Info("Received offer from client", zap.String("client_id", client.ID()))

	peer, err := s.newPeer(client.ID())
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if err := client.SendICECandidate(candidate); err != nil {
			s.logger.Warn("Failed to send ICE candidate",
				zap.String("client_id", client.ID()),
				zap.Error(err))
		}
	})

	answer, err := peer.Answer(s.ctx, offer, false)
	if err != nil {
		s.removePeer(client.ID())
		return err
	}

	if err := client.SendAnswer(*answer); err != nil {
		s.removePeer(client.ID())
		return fmt.Errorf("failed to send answer: %w", err)
	}

	return nil
}

// handleICECandidate adds a remote candidate to the client's peer
func (s *Server) handleICECandidate(client *SignalingClient, candidate webrtc.ICECandidateInit) error {
	s.mu.RLock()
	peer, exists := s.peers[client.ID()]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no peer connection found for client %s", client.ID())
	}

	return peer.AddICECandidate(candidate)
}

// handleClientClosed drops the peer of a departed signaling client
func (s *Server) handleClientClosed(client *SignalingClient) {
	s.removePeer(client.ID())
}

// HandleOffer answers an offer without trickle ICE. The returned answer
// contains all gathered candidates.
func (s *Server) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	id := uuid.New().String()

	peer, err := s.newPeer(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	answer, err := peer.Answer(ctx, offer, true)
	if err != nil {
		s.removePeer(id)
		return nil, err
	}

	s.logger.Info("Answered WebRTC offer", zap.String("peer_id", id))
	return answer, nil
}

// removePeer closes and forgets a peer
func (s *Server) removePeer(id string) {
	s.mu.Lock()
	peer, exists := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()

	if exists {
		peer.Close()
		s.logger.Info("Peer removed", zap.String("peer_id", id))
	}
}

// forgetPeer drops id from the table if it still refers to peer
func (s *Server) forgetPeer(id string, peer *PeerConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peers[id] == peer {
		delete(s.peers, id)
	}
}

// Stop closes all peers and signaling clients and waits for their sessions
func (s *Server) Stop() error {
	s.logger.Info("Stopping WebRTC server")
	s.cancel()

	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*PeerConnection)
	s.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}

	s.signaling.Close()
	s.wg.Wait()

	s.logger.Info("WebRTC server stopped")
	return nil
}

// GetPeerCount returns the number of peer connections
func (s *Server) GetPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.mu.RLock()
	peerStats := make(map[string]interface{}, len(s.peers))
	for id, peer := range s.peers {
		peerStats[id] = peer.GetStats()
	}
	s.mu.RUnlock()

	return map[string]interface{}{
		"peer_count":   len(peerStats),
		"client_count": s.signaling.ClientCount(),
		"peers":        peerStats,
	}
}
