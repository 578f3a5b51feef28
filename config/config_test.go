package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Device.Port != 8080 {
		t.Errorf("Default Device.Port = %d, want 8080", cfg.Device.Port)
	}

	if cfg.Server.WebPort != 8000 {
		t.Errorf("Default Server.WebPort = %d, want 8000", cfg.Server.WebPort)
	}

	if cfg.Viewer.IntervalMS != 33 {
		t.Errorf("Default Viewer.IntervalMS = %d, want 33", cfg.Viewer.IntervalMS)
	}

	if cfg.Device.ConnectionPolicy != PolicyReplace {
		t.Errorf("Default ConnectionPolicy = %q, want %q", cfg.Device.ConnectionPolicy, PolicyReplace)
	}

	if cfg.Device.RetryDelay() != time.Second {
		t.Errorf("Default RetryDelay = %v, want 1s", cfg.Device.RetryDelay())
	}

	if cfg.Device.MaxFrameSize() != 2048*1024 {
		t.Errorf("Default MaxFrameSize = %d, want %d", cfg.Device.MaxFrameSize(), 2048*1024)
	}

	if cfg.Device.MaxFramePixels != 4096*4096 {
		t.Errorf("Default MaxFramePixels = %d, want %d", cfg.Device.MaxFramePixels, 4096*4096)
	}

	if cfg.Events.Enabled {
		t.Error("Events should be disabled by default")
	}

	if cfg.Server.HostIP == "" {
		t.Error("HostIP should be auto-detected or fall back to localhost")
	}
}

// TestLoadConfigFromFile tests loading config from TOML file
func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	configContent := `
[device]
port = 9100
connection_policy = "reject"
max_frame_size_kb = 512

[server]
web_port = 9090
host_ip = "10.0.0.5"

[viewer]
interval_ms = 50

[events]
enabled = true
broker = "mqtt.local:1883"
`

	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Device.Port != 9100 {
		t.Errorf("Device.Port = %d, want 9100", cfg.Device.Port)
	}

	if cfg.Device.ConnectionPolicy != PolicyReject {
		t.Errorf("ConnectionPolicy = %q, want reject", cfg.Device.ConnectionPolicy)
	}

	if cfg.Server.HostIP != "10.0.0.5" {
		t.Errorf("HostIP = %q, want 10.0.0.5", cfg.Server.HostIP)
	}

	if cfg.Viewer.Interval() != 50*time.Millisecond {
		t.Errorf("Viewer interval = %v, want 50ms", cfg.Viewer.Interval())
	}

	if !cfg.Events.Enabled || cfg.Events.Broker != "mqtt.local:1883" {
		t.Errorf("Events not loaded: %+v", cfg.Events)
	}

	// Untouched sections keep defaults
	if cfg.Recording.UploadDir != "recordings" {
		t.Errorf("Recording.UploadDir = %q, want recordings", cfg.Recording.UploadDir)
	}
}

// TestLoadConfigFromYAML tests loading config from a YAML file
func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
device:
  port: 7000
  jpeg_quality: 70
viewer:
  max_viewers: 4
recording:
  upload_dir: /tmp/uploads
  output_fps: 15
rtp:
  enabled: true
  destinations: ["192.168.1.50:5004"]
`

	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Device.Port != 7000 {
		t.Errorf("Device.Port = %d, want 7000", cfg.Device.Port)
	}

	if cfg.Device.JPEGQuality != 70 {
		t.Errorf("Device.JPEGQuality = %d, want 70", cfg.Device.JPEGQuality)
	}

	if cfg.Viewer.MaxViewers != 4 {
		t.Errorf("Viewer.MaxViewers = %d, want 4", cfg.Viewer.MaxViewers)
	}

	if cfg.Recording.UploadDir != "/tmp/uploads" || cfg.Recording.OutputFPS != 15 {
		t.Errorf("Recording not loaded: %+v", cfg.Recording)
	}

	if !cfg.RTP.Enabled || len(cfg.RTP.Destinations) != 1 || cfg.RTP.MTU != 1400 {
		t.Errorf("RTP not loaded: %+v", cfg.RTP)
	}

	// Defaults survive a partial YAML document
	if cfg.Server.WebPort != 8000 {
		t.Errorf("Server.WebPort = %d, want default 8000", cfg.Server.WebPort)
	}
}

// TestSaveConfig tests saving and reloading a configuration
func TestSaveConfig(t *testing.T) {
	cfg := Default()
	cfg.Device.Port = 9200
	cfg.Device.ConnectionPolicy = PolicyReject
	cfg.Server.HostIP = "192.168.1.1"
	cfg.WebRTC.STUNServers = []string{"stun:stun.example.com:3478"}

	path := filepath.Join(t.TempDir(), "saved.toml")

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loadedCfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loadedCfg.Device.Port != 9200 {
		t.Errorf("Saved/loaded Device.Port mismatch: %d", loadedCfg.Device.Port)
	}

	if loadedCfg.Device.ConnectionPolicy != PolicyReject {
		t.Errorf("Saved/loaded ConnectionPolicy mismatch: %q", loadedCfg.Device.ConnectionPolicy)
	}

	if len(loadedCfg.WebRTC.STUNServers) != 1 || loadedCfg.WebRTC.STUNServers[0] != "stun:stun.example.com:3478" {
		t.Errorf("Saved/loaded STUNServers mismatch: %v", loadedCfg.WebRTC.STUNServers)
	}
}

// TestInvalidConfigFile tests handling of invalid config files
func TestInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.toml")

	invalidConfig := `
[device
port = "not a number"
`

	if err := os.WriteFile(path, []byte(invalidConfig), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for invalid config file")
	}
}

// TestValidate tests rejection of unusable values
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "zero device port", mutate: func(c *Config) { c.Device.Port = 0 }, wantErr: true},
		{name: "web port too large", mutate: func(c *Config) { c.Server.WebPort = 70000 }, wantErr: true},
		{name: "unknown policy", mutate: func(c *Config) { c.Device.ConnectionPolicy = "queue" }, wantErr: true},
		{name: "zero frame cap", mutate: func(c *Config) { c.Device.MaxFrameSizeKB = 0 }, wantErr: true},
		{name: "zero pixel cap", mutate: func(c *Config) { c.Device.MaxFramePixels = 0 }, wantErr: true},
		{name: "quality out of range", mutate: func(c *Config) { c.Device.JPEGQuality = 101 }, wantErr: true},
		{name: "zero retry delay", mutate: func(c *Config) { c.Device.RetryDelayMS = 0 }, wantErr: true},
		{name: "zero viewer interval", mutate: func(c *Config) { c.Viewer.IntervalMS = 0 }, wantErr: true},
		{name: "rtp mtu too small", mutate: func(c *Config) { c.RTP.Enabled = true; c.RTP.MTU = 64 }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.Recording.Workers = 0 }, wantErr: true},
		{name: "reject policy", mutate: func(c *Config) { c.Device.ConnectionPolicy = PolicyReject }, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestDeviceAddress tests listener address formatting
func TestDeviceAddress(t *testing.T) {
	d := DeviceConfig{BindIP: "127.0.0.1", Port: 8080}
	if got := d.Address(); got != "127.0.0.1:8080" {
		t.Errorf("Address() = %q, want 127.0.0.1:8080", got)
	}
}
