package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"esp32-cam-relay/config"
	"esp32-cam-relay/device"
	"esp32-cam-relay/events"
	"esp32-cam-relay/frame"
	"esp32-cam-relay/recording"
	"esp32-cam-relay/rtpjpeg"
	"esp32-cam-relay/viewer"
	"esp32-cam-relay/web"
	"esp32-cam-relay/webrtc"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "ESP32 Camera Relay"
	AppVersion        = "1.0.0"

	hostIPEnv = "CAM_RELAY_HOST_IP"
)

// Application owns every long-running component
type Application struct {
	config *config.Config
	logger *zap.Logger

	frames     *frame.Store
	emitter    events.Emitter
	supervisor *device.Supervisor
	hub        *viewer.Hub
	rtc        *webrtc.Server
	rtpOut     *rtpjpeg.Output
	recordings *recording.Store
	queue      *recording.Queue
	webServer  *web.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file (.toml or .yaml)")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Receives the ESP32 camera's TCP frame stream and relays it to live viewers")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Printf("  %s - Override auto-detected host IP address\n", hostIPEnv)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := createLogger(*logLevel, cfg.Limits.MaxLogFiles)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *logLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	if envIP := os.Getenv(hostIPEnv); envIP != "" {
		cfg.Server.HostIP = envIP
		logger.Info("Host IP overridden from environment", zap.String("ip", envIP))
	}

	logger.Info("Configuration loaded",
		zap.String("host_ip", cfg.Server.HostIP),
		zap.String("device_address", cfg.Device.Address()),
		zap.String("connection_policy", cfg.Device.ConnectionPolicy),
		zap.Int("web_port", cfg.Server.WebPort))

	app := NewApplication(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		logger.Fatal("Failed to start application", zap.Error(err))
	}

	select {
	case sig := <-signalCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	ctx, cancel := context.WithCancel(context.Background())

	return &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start builds and starts all components
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	a.initializeEvents()

	a.frames = frame.NewStore()
	a.supervisor = device.NewSupervisor(a.config, a.frames, a.emitter, a.logger)

	a.hub = viewer.NewHub(a.frames, viewer.Options{
		Interval:   a.config.Viewer.Interval(),
		MaxViewers: a.config.Viewer.MaxViewers,
	}, a.logger)

	checkOrigin := web.OriginChecker(a.config.Server.AllowedOrigins, a.logger)
	if a.config.WebRTC.Enabled {
		a.rtc = webrtc.NewServer(a.config, a.hub, checkOrigin, a.logger)
	}

	if a.config.RTP.Enabled && len(a.config.RTP.Destinations) > 0 {
		a.rtpOut = rtpjpeg.NewOutput(a.hub, a.config.RTP.Destinations, a.config.RTP.MTU,
			a.config.RTP.SSRC, a.config.Device.RetryDelay(), a.logger)
	}

	if err := a.initializeRecording(); err != nil {
		return fmt.Errorf("failed to initialize recording storage: %w", err)
	}

	deps := web.Deps{
		Frames:     a.frames,
		Device:     a.supervisor,
		Hub:        a.hub,
		Recordings: a.recordings,
		Emitter:    a.emitter,
	}
	if a.rtc != nil {
		deps.WebRTC = a.rtc
	}
	if a.rtpOut != nil {
		deps.RTP = a.rtpOut
	}
	if a.queue != nil {
		deps.Queue = a.queue
	}
	a.webServer = web.NewServer(a.config, deps, a.logger)

	if err := a.supervisor.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start device supervisor: %w", err)
	}
	if a.queue != nil {
		a.queue.Start(a.ctx)
	}
	if a.rtpOut != nil {
		a.rtpOut.Start(a.ctx)
	}
	if err := a.webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	a.logger.Info("Application started successfully",
		zap.String("device_address", a.config.Device.Address()),
		zap.String("web_url", fmt.Sprintf("http://%s:%d", a.config.Server.HostIP, a.config.Server.WebPort)),
		zap.String("mjpeg_url", fmt.Sprintf("http://%s:%d/stream.mjpg", a.config.Server.HostIP, a.config.Server.WebPort)),
		zap.Bool("webrtc", a.rtc != nil),
		zap.Bool("rtp_output", a.rtpOut != nil))

	return nil
}

// initializeEvents connects the MQTT emitter when enabled
func (a *Application) initializeEvents() {
	if !a.config.Events.Enabled {
		a.emitter = events.NopEmitter{}
		return
	}

	a.emitter = events.NewMQTTEmitter(a.config.Events, a.logger)
}

// initializeRecording sets up upload storage and the conversion queue
func (a *Application) initializeRecording() error {
	maxSize := int64(a.config.Limits.MaxUploadSizeMB) << 20

	store, err := recording.NewStore(a.config.Recording.UploadDir, maxSize, a.logger)
	if err != nil {
		return err
	}
	a.recordings = store

	if !a.config.Recording.Convert {
		a.logger.Info("Recording conversion disabled")
		return nil
	}

	conv := recording.NewFFmpegConverter(a.config.Recording.FFmpegPath, a.config.Recording.OutputFPS, a.logger)
	a.queue = recording.NewQueue(conv, a.emitter, a.config.Recording.Workers, a.config.Recording.QueueSize, a.logger)
	return nil
}

// Stop stops components in reverse order. Viewer sessions are ended first
// so that streaming handlers return before the HTTP server shuts down.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	done := make(chan struct{})
	go func() {
		defer close(done)

		if a.rtpOut != nil {
			a.rtpOut.Stop()
		}

		if a.hub != nil {
			a.hub.Close()
		}

		if a.webServer != nil {
			if err := a.webServer.Stop(); err != nil {
				a.logger.Error("Error stopping web server", zap.Error(err))
			}
		}

		if a.rtc != nil {
			if err := a.rtc.Stop(); err != nil {
				a.logger.Error("Error stopping WebRTC server", zap.Error(err))
			}
		}

		// Uploads have stopped; let queued conversions finish before the
		// application context is cancelled.
		if a.queue != nil {
			a.queue.Stop()
		}

		a.cancel()

		if a.supervisor != nil {
			if err := a.supervisor.Stop(); err != nil {
				a.logger.Error("Error stopping device supervisor", zap.Error(err))
			}
		}

		if a.emitter != nil {
			if err := a.emitter.Close(); err != nil {
				a.logger.Error("Error closing event emitter", zap.Error(err))
			}
		}
	}()

	select {
	case <-done:
		a.logger.Info("All components stopped gracefully")
		return nil
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
		return ctx.Err()
	}
}

// createLogger creates a structured logger writing to stdout and a
// timestamped file under logs/, keeping the newest maxFiles files
func createLogger(level string, maxFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	const logDir = "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("esp32-cam-relay-%s.log", ts))

	if maxFiles > 0 {
		pruneLogs(logDir, maxFiles-1)
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return config.Build()
}

// pruneLogs removes all but the newest keep log files
func pruneLogs(dir string, keep int) {
	files, _ := filepath.Glob(filepath.Join(dir, "esp32-cam-relay-*.log"))
	if len(files) <= keep {
		return
	}

	sort.Strings(files) // lexicographic order matches timestamp
	for _, f := range files[:len(files)-keep] {
		_ = os.Remove(f)
	}
}
