package webrtc

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap/zaptest"

	"esp32-cam-relay/config"
	"esp32-cam-relay/frame"
	"esp32-cam-relay/viewer"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.WebRTC.STUNServers = nil
	cfg.WebRTC.GatherTimeoutMS = 2000
	return cfg
}

func TestNewServer(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.Config)
		wantICE  int
		wantTURN bool
	}{
		{
			name:    "no ICE servers",
			mutate:  func(*config.Config) {},
			wantICE: 0,
		},
		{
			name: "STUN only",
			mutate: func(c *config.Config) {
				c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
			},
			wantICE: 1,
		},
		{
			name: "STUN and TURN",
			mutate: func(c *config.Config) {
				c.WebRTC.STUNServers = []string{"stun:stun.example.com:3478"}
				c.WebRTC.TURNServers = []string{"turn:turn.example.com:3478"}
				c.WebRTC.TURNUsername = "user"
				c.WebRTC.TURNCredential = "pass"
			},
			wantICE:  2,
			wantTURN: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			server := NewServer(cfg, nil, nil, zaptest.NewLogger(t))
			defer server.Stop()

			ice := server.webrtcConfig.ICEServers
			if len(ice) != tt.wantICE {
				t.Fatalf("ICE servers = %d, want %d", len(ice), tt.wantICE)
			}
			if tt.wantTURN && (ice[1].Username != "user" || ice[1].Credential != "pass") {
				t.Errorf("TURN credentials not applied: %+v", ice[1])
			}

			if server.GetPeerCount() != 0 {
				t.Error("New server should have no peers")
			}
		})
	}
}

func TestHandleOfferInvalidSDP(t *testing.T) {
	server := NewServer(testConfig(), nil, nil, zaptest.NewLogger(t))
	defer server.Stop()

	_, err := server.HandleOffer(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "garbage",
	})
	if err == nil {
		t.Fatal("Expected error for an invalid offer")
	}
	if server.GetPeerCount() != 0 {
		t.Error("Failed negotiation should not leave a peer behind")
	}
}

func TestStoppedServerRejectsOffers(t *testing.T) {
	server := NewServer(testConfig(), nil, nil, zaptest.NewLogger(t))
	server.Stop()

	if _, err := server.HandleOffer(context.Background(), webrtc.SessionDescription{}); err == nil {
		t.Error("Expected error after Stop")
	}
}

// hasExternalInterface reports whether a non-loopback IPv4 interface is up,
// which default host candidate gathering needs
func hasExternalInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				return true
			}
		}
	}
	return false
}

func TestDataChannelViewer(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping WebRTC negotiation in short mode")
	}
	if !hasExternalInterface() {
		t.Skip("No network interface for ICE host candidates")
	}

	logger := zaptest.NewLogger(t)
	payload := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}

	store := frame.NewStore()
	store.Publish(&frame.Frame{Data: payload})

	hub := viewer.NewHub(store, viewer.Options{Interval: 10 * time.Millisecond}, logger)
	defer hub.Close()

	server := NewServer(testConfig(), hub, nil, logger)
	defer server.Stop()

	browser, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create offerer: %v", err)
	}
	defer browser.Close()

	dc, err := browser.CreateDataChannel(FramesLabel, nil)
	if err != nil {
		t.Fatalf("Failed to create data channel: %v", err)
	}

	received := make(chan []byte, 1)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case received <- msg.Data:
		default:
		}
	})

	offer, err := browser.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(browser)
	if err := browser.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription failed: %v", err)
	}
	<-gathered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	answer, err := server.HandleOffer(ctx, *browser.LocalDescription())
	if err != nil {
		t.Fatalf("HandleOffer failed: %v", err)
	}
	if err := browser.SetRemoteDescription(*answer); err != nil {
		t.Fatalf("SetRemoteDescription failed: %v", err)
	}

	select {
	case data := <-received:
		if !bytes.Equal(data, payload) {
			t.Errorf("Received %v, want %v", data, payload)
		}
	case <-ctx.Done():
		t.Fatal("No frame received over the data channel")
	}

	if hub.Count() != 1 {
		t.Errorf("Hub sessions = %d, want 1", hub.Count())
	}

	server.Stop()
	waitFor(t, "session teardown", func() bool { return hub.Count() == 0 })
}
