package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Connection policies applied when a device connects while another is active
const (
	PolicyReplace = "replace"
	PolicyReject  = "reject"
)

// Config represents the application configuration
type Config struct {
	Device    DeviceConfig    `toml:"device" yaml:"device" json:"device"`
	Server    ServerConfig    `toml:"server" yaml:"server" json:"server"`
	Viewer    ViewerConfig    `toml:"viewer" yaml:"viewer" json:"viewer"`
	WebRTC    WebRTCConfig    `toml:"webrtc" yaml:"webrtc" json:"webrtc"`
	RTP       RTPConfig       `toml:"rtp" yaml:"rtp" json:"rtp"`
	Recording RecordingConfig `toml:"recording" yaml:"recording" json:"recording"`
	Events    EventsConfig    `toml:"events" yaml:"events" json:"events"`
	Timeouts  TimeoutConfig   `toml:"timeouts" yaml:"timeouts" json:"timeouts"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging" json:"logging"`
	Limits    LimitConfig     `toml:"limits" yaml:"limits" json:"limits"`
}

// DeviceConfig holds the camera ingest listener settings
type DeviceConfig struct {
	BindIP             string `toml:"bind_ip" yaml:"bind_ip" json:"bind_ip"`
	Port               int    `toml:"port" yaml:"port" json:"port"`
	MaxFrameSizeKB     int    `toml:"max_frame_size_kb" yaml:"max_frame_size_kb" json:"max_frame_size_kb"`
	MaxFramePixels     int    `toml:"max_frame_pixels" yaml:"max_frame_pixels" json:"max_frame_pixels"` // width*height
	ReadBufferKB       int    `toml:"read_buffer_kb" yaml:"read_buffer_kb" json:"read_buffer_kb"`
	JPEGQuality        int    `toml:"jpeg_quality" yaml:"jpeg_quality" json:"jpeg_quality"`
	ConnectionPolicy   string `toml:"connection_policy" yaml:"connection_policy" json:"connection_policy"`
	RetryDelayMS       int    `toml:"retry_delay_ms" yaml:"retry_delay_ms" json:"retry_delay_ms"`
	ReadTimeoutSeconds int    `toml:"read_timeout_seconds" yaml:"read_timeout_seconds" json:"read_timeout_seconds"`
	WriteTimeoutMS     int    `toml:"write_timeout_ms" yaml:"write_timeout_ms" json:"write_timeout_ms"`
	ClearOnDisconnect  bool   `toml:"clear_on_disconnect" yaml:"clear_on_disconnect" json:"clear_on_disconnect"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort        int      `toml:"web_port" yaml:"web_port" json:"web_port"`
	BindIP         string   `toml:"bind_ip" yaml:"bind_ip" json:"bind_ip"`
	HostIP         string   `toml:"host_ip" yaml:"host_ip" json:"host_ip"` // Auto-detected if empty
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
}

// ViewerConfig holds live viewer settings
type ViewerConfig struct {
	IntervalMS     int    `toml:"interval_ms" yaml:"interval_ms" json:"interval_ms"`
	MaxViewers     int    `toml:"max_viewers" yaml:"max_viewers" json:"max_viewers"`
	WriteTimeoutMS int    `toml:"write_timeout_ms" yaml:"write_timeout_ms" json:"write_timeout_ms"`
	MJPEGBoundary  string `toml:"mjpeg_boundary" yaml:"mjpeg_boundary" json:"mjpeg_boundary"`
}

// WebRTCConfig holds WebRTC data channel viewer settings
type WebRTCConfig struct {
	Enabled         bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	STUNServers     []string `toml:"stun_servers" yaml:"stun_servers" json:"stun_servers"`
	TURNServers     []string `toml:"turn_servers" yaml:"turn_servers" json:"turn_servers"`
	TURNUsername    string   `toml:"turn_username" yaml:"turn_username" json:"-"`
	TURNCredential  string   `toml:"turn_credential" yaml:"turn_credential" json:"-"`
	MaxMessageKB    int      `toml:"max_message_kb" yaml:"max_message_kb" json:"max_message_kb"`
	SendBufferSize  int      `toml:"send_buffer_size" yaml:"send_buffer_size" json:"send_buffer_size"`
	GatherTimeoutMS int      `toml:"gather_timeout_ms" yaml:"gather_timeout_ms" json:"gather_timeout_ms"`
}

// RTPConfig holds RTP/JPEG push output settings
type RTPConfig struct {
	Enabled      bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	Destinations []string `toml:"destinations" yaml:"destinations" json:"destinations"`
	MTU          int      `toml:"mtu" yaml:"mtu" json:"mtu"`
	SSRC         uint32   `toml:"ssrc" yaml:"ssrc" json:"ssrc"` // Random if zero
}

// RecordingConfig holds upload and conversion settings
type RecordingConfig struct {
	UploadDir  string `toml:"upload_dir" yaml:"upload_dir" json:"upload_dir"`
	Convert    bool   `toml:"convert" yaml:"convert" json:"convert"`
	FFmpegPath string `toml:"ffmpeg_path" yaml:"ffmpeg_path" json:"ffmpeg_path"`
	OutputFPS  int    `toml:"output_fps" yaml:"output_fps" json:"output_fps"`
	Workers    int    `toml:"workers" yaml:"workers" json:"workers"`
	QueueSize  int    `toml:"queue_size" yaml:"queue_size" json:"queue_size"`
}

// EventsConfig holds MQTT event publishing settings
type EventsConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Broker      string `toml:"broker" yaml:"broker" json:"broker"`
	ClientID    string `toml:"client_id" yaml:"client_id" json:"client_id"`
	TopicPrefix string `toml:"topic_prefix" yaml:"topic_prefix" json:"topic_prefix"`
	QoS         int    `toml:"qos" yaml:"qos" json:"qos"`
	Username    string `toml:"username" yaml:"username" json:"-"`
	Password    string `toml:"password" yaml:"password" json:"-"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" yaml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds logging interval settings
type LoggingConfig struct {
	StatsLogInterval       int `toml:"stats_log_interval_seconds" yaml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
	DecodeErrorLogInterval int `toml:"decode_error_log_interval" yaml:"decode_error_log_interval" json:"decode_error_log_interval"`
}

// LimitConfig holds resource limit settings
type LimitConfig struct {
	MaxLogFiles     int `toml:"max_log_files" yaml:"max_log_files" json:"max_log_files"`
	MaxUploadSizeMB int `toml:"max_upload_size_mb" yaml:"max_upload_size_mb" json:"max_upload_size_mb"`
}

// Default returns a configuration populated with default values
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			BindIP:           "0.0.0.0",
			Port:             8080,
			MaxFrameSizeKB:   2048,
			MaxFramePixels:   4096 * 4096,
			ReadBufferKB:     64,
			JPEGQuality:      85,
			ConnectionPolicy: PolicyReplace,
			RetryDelayMS:     1000,
			WriteTimeoutMS:   2000,
		},
		Server: ServerConfig{
			WebPort:        8000,
			BindIP:         "0.0.0.0",
			AllowedOrigins: []string{"*"},
		},
		Viewer: ViewerConfig{
			IntervalMS:     33,
			MaxViewers:     32,
			WriteTimeoutMS: 2000,
			MJPEGBoundary:  "frame",
		},
		WebRTC: WebRTCConfig{
			Enabled:         true,
			STUNServers:     []string{"stun:stun.l.google.com:19302"},
			MaxMessageKB:    64,
			SendBufferSize:  64,
			GatherTimeoutMS: 3000,
		},
		RTP: RTPConfig{
			Enabled: false,
			MTU:     1400,
		},
		Recording: RecordingConfig{
			UploadDir:  "recordings",
			Convert:    true,
			FFmpegPath: "ffmpeg",
			OutputFPS:  10,
			Workers:    1,
			QueueSize:  16,
		},
		Events: EventsConfig{
			Enabled:     false,
			Broker:      "localhost:1883",
			ClientID:    "esp32-cam-relay",
			TopicPrefix: "esp32cam",
		},
		Timeouts: TimeoutConfig{
			ShutdownTimeout:     10,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			StatsLogInterval:       60,
			DecodeErrorLogInterval: 30,
		},
		Limits: LimitConfig{
			MaxLogFiles:     20,
			MaxUploadSizeMB: 256,
		},
	}
}

// LoadConfig loads configuration from a TOML or YAML file
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if err := decodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-detect host IP if not set
	if config.Server.HostIP == "" {
		if ip := getLocalIP(); ip != "" {
			config.Server.HostIP = ip
			logger.Info("Auto-detected host IP", zap.String("ip", ip))
		} else {
			config.Server.HostIP = "localhost"
			logger.Warn("Could not detect host IP, using localhost")
		}
	}

	return config, nil
}

// decodeFile picks the decoder from the file extension
func decodeFile(configPath string, config *Config) error {
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, config)
	default:
		_, err := toml.DecodeFile(configPath, config)
		return err
	}
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		return fmt.Errorf("device.port out of range: %d", c.Device.Port)
	}
	if c.Server.WebPort <= 0 || c.Server.WebPort > 65535 {
		return fmt.Errorf("server.web_port out of range: %d", c.Server.WebPort)
	}
	if c.Device.MaxFrameSizeKB <= 0 {
		return fmt.Errorf("device.max_frame_size_kb must be positive")
	}
	if c.Device.MaxFramePixels <= 0 {
		return fmt.Errorf("device.max_frame_pixels must be positive")
	}
	if c.Device.JPEGQuality < 1 || c.Device.JPEGQuality > 100 {
		return fmt.Errorf("device.jpeg_quality must be within 1..100, got %d", c.Device.JPEGQuality)
	}
	switch c.Device.ConnectionPolicy {
	case PolicyReplace, PolicyReject:
	default:
		return fmt.Errorf("unknown device.connection_policy %q", c.Device.ConnectionPolicy)
	}
	if c.Device.RetryDelayMS <= 0 {
		return fmt.Errorf("device.retry_delay_ms must be positive")
	}
	if c.Viewer.IntervalMS <= 0 {
		return fmt.Errorf("viewer.interval_ms must be positive")
	}
	if c.RTP.Enabled && c.RTP.MTU < 128 {
		return fmt.Errorf("rtp.mtu must be at least 128")
	}
	if c.Recording.Workers <= 0 || c.Recording.QueueSize <= 0 {
		return fmt.Errorf("recording.workers and recording.queue_size must be positive")
	}
	return nil
}

// MaxFrameSize returns the frame size cap in bytes
func (d DeviceConfig) MaxFrameSize() int {
	return d.MaxFrameSizeKB * 1024
}

// ReadTimeout returns the per-read deadline, zero when disabled
func (d DeviceConfig) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the command write deadline, zero when disabled
func (d DeviceConfig) WriteTimeout() time.Duration {
	return time.Duration(d.WriteTimeoutMS) * time.Millisecond
}

// RetryDelay returns the listener retry back-off
func (d DeviceConfig) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelayMS) * time.Millisecond
}

// Address returns the device listener address
func (d DeviceConfig) Address() string {
	return net.JoinHostPort(d.BindIP, fmt.Sprintf("%d", d.Port))
}

// Interval returns the per-viewer poll interval
func (v ViewerConfig) Interval() time.Duration {
	return time.Duration(v.IntervalMS) * time.Millisecond
}

// WriteTimeout returns the per-send deadline for viewer transports
func (v ViewerConfig) WriteTimeout() time.Duration {
	return time.Duration(v.WriteTimeoutMS) * time.Millisecond
}

// GatherTimeout returns the ICE gathering wait for non-trickle offers
func (w WebRTCConfig) GatherTimeout() time.Duration {
	return time.Duration(w.GatherTimeoutMS) * time.Millisecond
}

// getLocalIP attempts to determine the local IP address
func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
