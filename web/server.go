// Package web serves the HTTP surface: live viewers, snapshots, device
// commands, recording uploads and event intake.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	pionwebrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"esp32-cam-relay/config"
	"esp32-cam-relay/device"
	"esp32-cam-relay/events"
	"esp32-cam-relay/frame"
	"esp32-cam-relay/recording"
	"esp32-cam-relay/viewer"
)

// DeviceController is the device side of the server
type DeviceController interface {
	IsDeviceConnected() bool
	RemoteAddr() string
	SendCommand(cmd device.Command) error
	RecordingState() device.RecordingState
	GetStats() map[string]interface{}
}

// RTCServer negotiates WebRTC viewers
type RTCServer interface {
	HandleSignaling(w http.ResponseWriter, r *http.Request)
	HandleOffer(ctx context.Context, offer pionwebrtc.SessionDescription) (*pionwebrtc.SessionDescription, error)
	GetPeerCount() int
	GetStats() map[string]interface{}
}

// ConversionQueue accepts uploaded clips for conversion
type ConversionQueue interface {
	Enqueue(path string) error
	GetStats() map[string]interface{}
}

// RTPOutput pushes frames to RTP receivers
type RTPOutput interface {
	Destinations() []string
	GetStats() map[string]interface{}
}

// Deps are the components the server exposes. WebRTC, RTP and Queue may be nil.
type Deps struct {
	Frames     *frame.Store
	Device     DeviceController
	Hub        *viewer.Hub
	WebRTC     RTCServer
	RTP        RTPOutput
	Recordings *recording.Store
	Queue      ConversionQueue
	Emitter    events.Emitter
}

// Server is the HTTP server
type Server struct {
	config *config.Config
	logger *zap.Logger

	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	handlers   *Handlers
	startedAt  time.Time
}

// NewServer creates the server and registers its routes
func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "web"))

	if deps.Emitter == nil {
		deps.Emitter = events.NopEmitter{}
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		engine:   gin.New(),
		handlers: NewHandlers(cfg, deps, logger),
	}

	s.handlers.serverInfo = s.GetServerInfo

	s.engine.Use(recovery(logger), requestLogger(logger), cors(cfg.Server.AllowedOrigins))
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	h := s.handlers
	r := s.engine

	r.GET("/", h.HandleHome)
	r.GET("/health", h.HandleHealth)

	// Live viewers
	r.GET("/ws/video", h.HandleVideoWebSocket)
	r.GET("/stream.mjpg", h.HandleMJPEG)
	r.GET("/snapshot.jpg", h.HandleSnapshot)
	r.GET("/ws/rtc", h.HandleSignaling)
	r.GET("/stream.sdp", h.HandleRTPSessionDescription)

	// Device commands
	r.POST("/record/start", h.HandleRecordStart)
	r.POST("/record/stop", h.HandleRecordStop)

	// Device callbacks
	r.POST("/upload", h.HandleUpload)
	r.POST("/event/recording_started", h.HandleRecordingStarted)

	api := r.Group("/api")
	{
		api.GET("/status", h.HandleAPIStatus)
		api.GET("/stats", h.HandleAPIStats)
		api.GET("/viewers", h.HandleAPIViewers)
		api.GET("/recordings", h.HandleAPIRecordings)
		api.POST("/command/:name", h.HandleAPICommand)
		api.POST("/events", h.HandleAPIEvent)
		api.POST("/webrtc/offer", h.HandleWebRTCOffer)
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Server.BindIP, fmt.Sprint(s.config.Server.WebPort))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// No write timeout: viewer streams are long lived and set their own
	// per-frame deadlines
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.listener = ln
	s.startedAt = time.Now()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started",
		zap.String("address", ln.Addr().String()),
		zap.String("url", fmt.Sprintf("http://%s:%d", s.config.Server.HostIP, s.config.Server.WebPort)))

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, forcing remaining connections closed after
// the configured timeout
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping web server")

	timeout := time.Duration(s.config.Timeouts.HTTPShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Graceful shutdown incomplete, closing connections", zap.Error(err))
		return s.httpServer.Close()
	}

	s.logger.Info("Web server stopped")
	return nil
}

// GetServerInfo returns information about the web server
func (s *Server) GetServerInfo() map[string]interface{} {
	info := map[string]interface{}{
		"bind_ip":  s.config.Server.BindIP,
		"web_port": s.config.Server.WebPort,
		"host_ip":  s.config.Server.HostIP,
		"running":  s.httpServer != nil,
	}

	if s.listener != nil {
		info["address"] = s.listener.Addr().String()
		info["uptime_seconds"] = int(time.Since(s.startedAt).Seconds())
	}

	return info
}
