package webrtc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap/zaptest"
)

func TestNewPeerConnection(t *testing.T) {
	tests := []struct {
		name        string
		opts        PeerOptions
		wantMessage int
		wantGather  time.Duration
	}{
		{
			name:        "defaults",
			opts:        PeerOptions{},
			wantMessage: 64 * 1024,
			wantGather:  3 * time.Second,
		},
		{
			name:        "custom limits",
			opts:        PeerOptions{MaxMessageSize: 16 * 1024, GatherTimeout: time.Second},
			wantMessage: 16 * 1024,
			wantGather:  time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer, err := NewPeerConnection("test-peer", webrtc.Configuration{}, tt.opts, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("Failed to create peer connection: %v", err)
			}
			defer peer.Close()

			if peer.ID() != "test-peer" {
				t.Errorf("Expected ID test-peer, got %s", peer.ID())
			}
			if peer.opts.MaxMessageSize != tt.wantMessage {
				t.Errorf("MaxMessageSize = %d, want %d", peer.opts.MaxMessageSize, tt.wantMessage)
			}
			if peer.opts.GatherTimeout != tt.wantGather {
				t.Errorf("GatherTimeout = %v, want %v", peer.opts.GatherTimeout, tt.wantGather)
			}

			stats := peer.GetStats()
			for _, key := range []string{"id", "connection_state", "ice_connection_state", "data_channels", "frames_sent", "frames_skipped"} {
				if _, ok := stats[key]; !ok {
					t.Errorf("Missing stats key %q", key)
				}
			}
		})
	}
}

func TestPeerConnectionClose(t *testing.T) {
	peer, err := NewPeerConnection("closing-peer", webrtc.Configuration{}, PeerOptions{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create peer connection: %v", err)
	}

	var closed atomic.Int32
	peer.OnClosed(func() { closed.Add(1) })

	if err := peer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	peer.Close()

	select {
	case <-peer.Done():
	default:
		t.Error("Done should be closed after Close")
	}

	if closed.Load() != 1 {
		t.Errorf("OnClosed called %d times, want 1", closed.Load())
	}
}

func TestDataChannelTransport(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create peer connection: %v", err)
	}
	defer pc.Close()

	dc, err := pc.CreateDataChannel(FramesLabel, nil)
	if err != nil {
		t.Fatalf("Failed to create data channel: %v", err)
	}

	peerDone := make(chan struct{})
	tr := newDataChannelTransport(dc, peerDone, 8)

	if tr.Kind() != "webrtc" {
		t.Errorf("Kind = %q, want webrtc", tr.Kind())
	}

	// Oversized frames are skipped without touching the channel
	if err := tr.Send(make([]byte, 9)); err != nil {
		t.Errorf("Oversized frame should be skipped, got %v", err)
	}
	if tr.Skipped() != 1 {
		t.Errorf("Skipped = %d, want 1", tr.Skipped())
	}

	// The channel is not open, so a frame that fits reaches dc.Send and fails
	if err := tr.Send(make([]byte, 4)); err == nil {
		t.Error("Expected an error sending on an unopened channel")
	}

	close(peerDone)

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Error("Transport should finish when its peer closes")
	}
}
