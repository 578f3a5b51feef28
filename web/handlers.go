package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	pionwebrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"esp32-cam-relay/config"
	"esp32-cam-relay/device"
	"esp32-cam-relay/events"
	"esp32-cam-relay/recording"
	"esp32-cam-relay/rtpjpeg"
	"esp32-cam-relay/viewer"
)

const (
	statusSuccess      = "success"
	statusError        = "error"
	statusAcknowledged = "acknowledged"
)

// response is the body of command and callback endpoints
type response struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// eventRequest is a sensor event reported by the device
type eventRequest struct {
	Type       string            `json:"type" binding:"required"`
	Timestamp  *time.Time        `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

// Handlers implements the HTTP endpoints
type Handlers struct {
	config   *config.Config
	deps     Deps
	logger   *zap.Logger
	upgrader websocket.Upgrader

	serverInfo func() map[string]interface{}
}

// NewHandlers creates the handler set
func NewHandlers(cfg *config.Config, deps Deps, logger *zap.Logger) *Handlers {
	return &Handlers{
		config: cfg,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     OriginChecker(cfg.Server.AllowedOrigins, logger),
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// HandleHome reports that the server is up
func (h *Handlers) HandleHome(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "running",
		"message":          "ESP32 Video Stream Server",
		"device_connected": h.deps.Device.IsDeviceConnected(),
	})
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(c *gin.Context) {
	services := gin.H{
		"web_server": "running",
		"viewers":    fmt.Sprintf("running (%d sessions)", h.deps.Hub.Count()),
	}

	if h.deps.Device.IsDeviceConnected() {
		services["device"] = "connected"
	} else {
		services["device"] = "waiting"
	}
	if h.deps.WebRTC != nil {
		services["webrtc"] = fmt.Sprintf("running (%d peers)", h.deps.WebRTC.GetPeerCount())
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

// HandleAPIStatus returns the status of all components
func (h *Handlers) HandleAPIStatus(c *gin.Context) {
	frames := h.deps.Frames.Stats()

	status := gin.H{
		"device": gin.H{
			"connected":       h.deps.Device.IsDeviceConnected(),
			"remote_addr":     h.deps.Device.RemoteAddr(),
			"recording_state": h.deps.Device.RecordingState().String(),
		},
		"frames": gin.H{
			"has_frame":  frames.HasFrame,
			"published":  frames.Published,
			"last_size":  frames.LastSize,
			"last_frame": frames.LastAt,
		},
		"viewers": h.deps.Hub.Count(),
	}

	if h.serverInfo != nil {
		status["server"] = h.serverInfo()
	}
	if h.deps.WebRTC != nil {
		status["webrtc_peers"] = h.deps.WebRTC.GetPeerCount()
	}

	c.JSON(http.StatusOK, status)
}

// HandleAPIStats returns comprehensive statistics
func (h *Handlers) HandleAPIStats(c *gin.Context) {
	stats := gin.H{
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
		"device":    h.deps.Device.GetStats(),
		"viewers":   h.deps.Hub.GetStats(),
	}

	if h.deps.WebRTC != nil {
		stats["webrtc"] = h.deps.WebRTC.GetStats()
	}
	if h.deps.RTP != nil {
		stats["rtp"] = h.deps.RTP.GetStats()
	}
	if h.deps.Queue != nil {
		stats["conversion"] = h.deps.Queue.GetStats()
	}
	if sp, ok := h.deps.Emitter.(interface{ GetStats() map[string]interface{} }); ok {
		stats["events"] = sp.GetStats()
	}

	c.JSON(http.StatusOK, stats)
}

// HandleAPIViewers lists the active viewer sessions
func (h *Handlers) HandleAPIViewers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.deps.Hub.Sessions()})
}

// HandleVideoWebSocket streams frames as binary WebSocket messages
func (h *Handlers) HandleVideoWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	t := viewer.NewWebSocketTransport(conn, h.config.Viewer.WriteTimeout())
	if err := h.deps.Hub.Serve(c.Request.Context(), t); err != nil {
		h.logger.Debug("WebSocket viewer ended", zap.Error(err))
	}
}

// HandleMJPEG streams frames as multipart/x-mixed-replace. The transport
// writes its headers only after the hub grants a slot, so a refused viewer
// still gets a 503.
func (h *Handlers) HandleMJPEG(c *gin.Context) {
	t, err := viewer.NewMJPEGTransport(c.Writer, c.Request, h.config.Viewer.MJPEGBoundary, h.config.Viewer.WriteTimeout())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	err = h.deps.Hub.Serve(c.Request.Context(), t)
	switch {
	case errors.Is(err, viewer.ErrTooManyViewers), errors.Is(err, viewer.ErrHubClosed):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		h.logger.Debug("MJPEG viewer ended", zap.Error(err))
	}
}

// HandleSnapshot returns the latest frame, or 204 if none has arrived
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	f := h.deps.Frames.Peek()
	if f == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	c.Header("Last-Modified", f.ReceivedAt.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, "image/jpeg", f.Data)
}

// HandleSignaling serves WebRTC signaling
func (h *Handlers) HandleSignaling(c *gin.Context) {
	if h.deps.WebRTC == nil {
		respondError(c, http.StatusNotFound, "webrtc disabled")
		return
	}
	h.deps.WebRTC.HandleSignaling(c.Writer, c.Request)
}

// HandleRTPSessionDescription returns the SDP describing an RTP push
// destination, the first one unless ?dest= names another
func (h *Handlers) HandleRTPSessionDescription(c *gin.Context) {
	if h.deps.RTP == nil || len(h.deps.RTP.Destinations()) == 0 {
		respondError(c, http.StatusNotFound, "rtp output disabled")
		return
	}

	dests := h.deps.RTP.Destinations()
	dest := dests[0]
	if want := c.Query("dest"); want != "" {
		dest = ""
		for _, d := range dests {
			if d == want {
				dest = d
			}
		}
		if dest == "" {
			respondError(c, http.StatusNotFound, "unknown rtp destination")
			return
		}
	}

	desc, err := rtpjpeg.SessionDescription(dest, h.config.Server.HostIP)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.Data(http.StatusOK, "application/sdp", desc)
}

// HandleWebRTCOffer answers a complete offer in one request
func (h *Handlers) HandleWebRTCOffer(c *gin.Context) {
	if h.deps.WebRTC == nil {
		respondError(c, http.StatusNotFound, "webrtc disabled")
		return
	}

	var offer pionwebrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil {
		respondError(c, http.StatusBadRequest, "invalid offer: "+err.Error())
		return
	}
	if offer.Type != pionwebrtc.SDPTypeOffer {
		respondError(c, http.StatusBadRequest, "expected an offer")
		return
	}

	answer, err := h.deps.WebRTC.HandleOffer(c.Request.Context(), offer)
	if err != nil {
		h.logger.Warn("Failed to answer WebRTC offer", zap.Error(err))
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	c.JSON(http.StatusOK, answer)
}

// HandleRecordStart asks the device to start recording
func (h *Handlers) HandleRecordStart(c *gin.Context) {
	h.sendCommand(c, device.CommandStart, "Recording started")
}

// HandleRecordStop asks the device to stop recording
func (h *Handlers) HandleRecordStop(c *gin.Context) {
	h.sendCommand(c, device.CommandStop, "Recording stopped")
}

// HandleAPICommand sends a command by name
func (h *Handlers) HandleAPICommand(c *gin.Context) {
	cmd, err := device.ParseCommand(c.Param("name"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	h.sendCommand(c, cmd, fmt.Sprintf("Command %s sent", cmd.Name()))
}

func (h *Handlers) sendCommand(c *gin.Context, cmd device.Command, message string) {
	if err := h.deps.Device.SendCommand(cmd); err != nil {
		code, msg := commandError(err)
		respondError(c, code, msg)
		return
	}

	c.JSON(http.StatusOK, response{Status: statusSuccess, Message: message})
}

// commandError maps a command failure to a status code and message
func commandError(err error) (int, string) {
	switch {
	case errors.Is(err, device.ErrNotConnected):
		return http.StatusServiceUnavailable, "ESP32 not connected"
	case errors.Is(err, device.ErrWrite):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, device.ErrUnknownCommand):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// HandleUpload stores a recording pushed by the device. The file name is
// taken from the X-Filename header.
func (h *Handlers) HandleUpload(c *gin.Context) {
	if h.deps.Recordings == nil {
		respondError(c, http.StatusServiceUnavailable, "recording storage disabled")
		return
	}

	if limit := int64(h.config.Limits.MaxUploadSizeMB) << 20; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1)
	}

	rec, err := h.deps.Recordings.Save(c.GetHeader("X-Filename"), c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, recording.ErrEmptyUpload), errors.Is(err, recording.ErrInvalidName):
			respondError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, recording.ErrUploadTooLarge), errors.As(err, &maxErr):
			respondError(c, http.StatusRequestEntityTooLarge, recording.ErrUploadTooLarge.Error())
		default:
			h.logger.Error("Failed to store upload", zap.Error(err))
			respondError(c, http.StatusInternalServerError, "failed to store upload")
		}
		return
	}

	h.emit(c, events.New(events.RecordingUploaded, map[string]string{
		"name": rec.Name,
		"size": strconv.FormatInt(rec.Size, 10),
	}))

	if h.deps.Queue != nil {
		if err := h.deps.Queue.Enqueue(rec.Path); err != nil {
			h.logger.Warn("Recording not queued for conversion",
				zap.String("name", filepath.Base(rec.Path)),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, response{Status: statusSuccess, Filename: rec.Path})
}

// HandleAPIRecordings lists stored recordings
func (h *Handlers) HandleAPIRecordings(c *gin.Context) {
	if h.deps.Recordings == nil {
		c.JSON(http.StatusOK, gin.H{"recordings": []recording.Recording{}})
		return
	}

	recs, err := h.deps.Recordings.List()
	if err != nil {
		h.logger.Error("Failed to list recordings", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to list recordings")
		return
	}

	c.JSON(http.StatusOK, gin.H{"recordings": recs})
}

// HandleRecordingStarted is called by the device when its record button is pressed
func (h *Handlers) HandleRecordingStarted(c *gin.Context) {
	h.logger.Info("Device reported recording started")

	h.emit(c, events.New(events.Button, map[string]string{
		"action":      "recording_started",
		"remote_addr": h.deps.Device.RemoteAddr(),
	}))

	c.JSON(http.StatusOK, response{Status: statusAcknowledged})
}

// HandleAPIEvent accepts a motion or button event from the device
func (h *Handlers) HandleAPIEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}

	t, err := events.ParseExternalType(req.Type)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ev := events.New(t, req.Attributes)
	if req.Timestamp != nil {
		ev.Timestamp = req.Timestamp.UTC()
	}

	if err := h.deps.Emitter.Emit(context.WithoutCancel(c.Request.Context()), ev); err != nil {
		h.logger.Warn("Failed to forward event", zap.String("type", string(t)), zap.Error(err))
		respondError(c, http.StatusServiceUnavailable, err.Error())
		return
	}

	c.JSON(http.StatusOK, response{Status: statusAcknowledged})
}

func (h *Handlers) emit(c *gin.Context, ev events.Event) {
	if err := h.deps.Emitter.Emit(context.WithoutCancel(c.Request.Context()), ev); err != nil {
		h.logger.Debug("Event not emitted", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func respondError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, response{Status: statusError, Message: message})
}
