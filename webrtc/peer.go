package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// FramesLabel is the data channel label browsers open to receive frames
const FramesLabel = "frames"

// PeerOptions configures a viewer peer connection
type PeerOptions struct {
	MaxMessageSize int
	GatherTimeout  time.Duration
}

// PeerConnection is one browser viewer connected over WebRTC
type PeerConnection struct {
	id     string
	pc     *webrtc.PeerConnection
	opts   PeerOptions
	logger *zap.Logger

	onTransport func(*DataChannelTransport)
	onClosed    func()

	mu         sync.RWMutex
	transports []*DataChannelTransport

	done      chan struct{}
	closeOnce sync.Once
	createdAt time.Time
}

// NewPeerConnection creates a peer connection. Callbacks must be set
// before the remote offer is applied.
func NewPeerConnection(id string, config webrtc.Configuration, opts PeerOptions, logger *zap.Logger) (*PeerConnection, error) {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 3 * time.Second
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &PeerConnection{
		id:        id,
		pc:        pc,
		opts:      opts,
		logger:    logger.With(zap.String("peer_id", id)),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	peer.setupEventHandlers()

	peer.logger.Info("Peer connection created")
	return peer, nil
}

// OnTransport is called when the frames data channel opens
func (p *PeerConnection) OnTransport(fn func(*DataChannelTransport)) {
	p.onTransport = fn
}

// OnClosed is called once when the connection fails or closes
func (p *PeerConnection) OnClosed(fn func()) {
	p.onClosed = fn
}

// setupEventHandlers configures WebRTC event handlers
func (p *PeerConnection) setupEventHandlers() {
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ICE connection state changed", zap.String("state", state.String()))
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("Peer connection state changed", zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.shutdown()
		case webrtc.PeerConnectionStateDisconnected:
			p.logger.Warn("Peer connection disconnected, waiting for ICE to recover")
		}
	})

	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != FramesLabel {
			p.logger.Warn("Ignoring unexpected data channel", zap.String("label", dc.Label()))
			return
		}

		dc.OnOpen(func() {
			t := newDataChannelTransport(dc, p.done, p.opts.MaxMessageSize)

			p.mu.Lock()
			p.transports = append(p.transports, t)
			p.mu.Unlock()

			p.logger.Info("Frames data channel opened")
			if p.onTransport != nil {
				p.onTransport(t)
			}
		})
	})
}

func (p *PeerConnection) shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.onClosed != nil {
			p.onClosed()
		}
	})
}

// Answer applies a remote offer and returns the local answer. With
// waitGather the answer carries every ICE candidate, for clients that do
// not trickle.
func (p *PeerConnection) Answer(ctx context.Context, offer webrtc.SessionDescription, waitGather bool) (*webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	var gathered <-chan struct{}
	if waitGather {
		gathered = webrtc.GatheringCompletePromise(p.pc)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	if !waitGather {
		return &answer, nil
	}

	timer := time.NewTimer(p.opts.GatherTimeout)
	defer timer.Stop()

	select {
	case <-gathered:
	case <-timer.C:
		p.logger.Warn("ICE gathering incomplete, answering with partial candidates")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return p.pc.LocalDescription(), nil
}

// AddICECandidate adds a remote ICE candidate
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}

	p.logger.Debug("ICE candidate added")
	return nil
}

// OnICECandidate sets the local ICE candidate handler
func (p *PeerConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// Done is closed once the connection has failed or closed
func (p *PeerConnection) Done() <-chan struct{} {
	return p.done
}

// ID returns the peer ID
func (p *PeerConnection) ID() string {
	return p.id
}

// GetStats returns connection statistics
func (p *PeerConnection) GetStats() map[string]interface{} {
	p.mu.RLock()
	var sent, skipped uint64
	for _, t := range p.transports {
		sent += t.sent.Load()
		skipped += t.skipped.Load()
	}
	channels := len(p.transports)
	p.mu.RUnlock()

	return map[string]interface{}{
		"id":                   p.id,
		"connection_state":     p.pc.ConnectionState().String(),
		"ice_connection_state": p.pc.ICEConnectionState().String(),
		"data_channels":        channels,
		"frames_sent":          sent,
		"frames_skipped":       skipped,
		"age_seconds":          int(time.Since(p.createdAt).Seconds()),
	}
}

// Close closes the peer connection and ends its viewer sessions
func (p *PeerConnection) Close() error {
	p.shutdown()

	if err := p.pc.Close(); err != nil {
		p.logger.Error("Error closing peer connection", zap.Error(err))
		return err
	}

	p.logger.Info("Peer connection closed")
	return nil
}
