package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"esp32-cam-relay/config"
	"esp32-cam-relay/events"
	"esp32-cam-relay/frame"
)

// active is the installed link and a channel closed once its Run has
// returned and the supervisor has released it
type active struct {
	link     *Link
	finished chan struct{}
}

// Supervisor accepts device connections and runs one Link at a time
type Supervisor struct {
	cfg     *config.Config
	store   *frame.Store
	emitter events.Emitter
	logger  *zap.Logger

	current atomic.Pointer[active]
	state   atomic.Int32

	listenerMu sync.Mutex
	listener   net.Listener

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	connections    atomic.Uint64
	rejected       atomic.Uint64
	disconnects    atomic.Uint64
	truncations    atomic.Uint64
	listenerErrors atomic.Uint64
}

// NewSupervisor creates a supervisor publishing into store
func NewSupervisor(cfg *config.Config, store *frame.Store, emitter events.Emitter, logger *zap.Logger) *Supervisor {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}

	return &Supervisor{
		cfg:     cfg,
		store:   store,
		emitter: emitter,
		logger:  logger.With(zap.String("component", "device")),
	}
}

// Start begins accepting device connections. A failed bind is retried in
// the background after the configured delay.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("device supervisor already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.listen(); err != nil {
		s.listenerErrors.Add(1)
		s.logger.Error("Failed to bind device listener, will retry",
			zap.String("address", s.cfg.Device.Address()),
			zap.Duration("retry_delay", s.cfg.Device.RetryDelay()),
			zap.Error(err))
	}

	s.wg.Add(1)
	go s.acceptLoop()

	if interval := s.cfg.Logging.StatsLogInterval; interval > 0 {
		s.wg.Add(1)
		go s.statsLoop(time.Duration(interval) * time.Second)
	}

	return nil
}

// Stop closes the listener and the active device connection and waits
// for all supervisor goroutines
func (s *Supervisor) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.logger.Info("Stopping device supervisor")
	s.cancel()
	s.closeListener()

	if a := s.current.Load(); a != nil {
		a.link.Close()
	}

	s.wg.Wait()
	s.logger.Info("Device supervisor stopped")
	return nil
}

func (s *Supervisor) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Device.Address())
	if err != nil {
		return nil, err
	}

	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.ctx.Err() != nil {
		ln.Close()
		return nil, s.ctx.Err()
	}
	s.listener = ln

	s.logger.Info("Device listener started", zap.String("address", ln.Addr().String()))
	return ln, nil
}

func (s *Supervisor) closeListener() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
}

func (s *Supervisor) currentListener() net.Listener {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	return s.listener
}

// Addr returns the bound listener address, or nil while unbound
func (s *Supervisor) Addr() net.Addr {
	if ln := s.currentListener(); ln != nil {
		return ln.Addr()
	}
	return nil
}

func (s *Supervisor) acceptLoop() {
	defer s.wg.Done()

	for s.ctx.Err() == nil {
		ln := s.currentListener()
		if ln == nil {
			var err error
			if ln, err = s.listen(); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.listenerErrors.Add(1)
				s.logger.Warn("Device listener bind failed", zap.Error(err))
				if !s.sleep(s.cfg.Device.RetryDelay()) {
					return
				}
				continue
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.listenerErrors.Add(1)
			s.logger.Error("Device accept failed, restarting listener", zap.Error(err))
			s.closeListener()
			if !s.sleep(s.cfg.Device.RetryDelay()) {
				return
			}
			continue
		}

		s.handleConn(conn)
	}
}

// sleep waits for d and reports false if the supervisor was stopped meanwhile
func (s *Supervisor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Supervisor) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	if prev := s.current.Load(); prev != nil {
		if s.cfg.Device.ConnectionPolicy == config.PolicyReject {
			s.rejected.Add(1)
			s.logger.Warn("Rejecting device connection",
				zap.String("remote_addr", remote),
				zap.String("active", prev.link.RemoteAddr()),
				zap.Error(ErrRejected))
			conn.Close()
			return
		}

		s.logger.Info("Replacing active device connection",
			zap.String("previous", prev.link.RemoteAddr()),
			zap.String("remote_addr", remote))
		prev.link.Close()

		select {
		case <-prev.finished:
		case <-s.ctx.Done():
			conn.Close()
			return
		}
	}

	link := NewLink(conn, s.store, s.linkOptions(), s.logger)
	a := &active{link: link, finished: make(chan struct{})}

	s.state.Store(int32(RecordingIdle))
	s.current.Store(a)
	s.connections.Add(1)

	s.logger.Info("Device connected", zap.String("remote_addr", remote))
	s.emit(events.DeviceConnected, map[string]string{"remote_addr": remote})

	s.wg.Add(1)
	go s.runLink(a)
}

func (s *Supervisor) runLink(a *active) {
	defer s.wg.Done()
	defer close(a.finished)

	err := a.link.Run(s.ctx)

	s.current.CompareAndSwap(a, nil)
	if s.cfg.Device.ClearOnDisconnect {
		s.store.Clear()
	}
	s.disconnects.Add(1)

	stats := a.link.Stats()
	fields := []zap.Field{
		zap.String("remote_addr", stats.RemoteAddr),
		zap.Duration("duration", time.Since(stats.ConnectedAt)),
		zap.Uint64("frames_accepted", stats.FramesAccepted),
		zap.Uint64("frames_discarded", stats.FramesDiscarded),
	}

	reason := "closed"
	switch {
	case err == nil:
		s.logger.Info("Device disconnected", fields...)
	case errors.Is(err, frame.ErrTruncated):
		reason = "truncated"
		s.truncations.Add(1)
		s.logger.Warn("Device stream truncated", append(fields, zap.Error(err))...)
	default:
		reason = "error"
		s.logger.Error("Device link failed", append(fields, zap.Error(err))...)
	}

	s.emit(events.DeviceDisconnected, map[string]string{
		"remote_addr": stats.RemoteAddr,
		"reason":      reason,
	})
}

func (s *Supervisor) linkOptions() LinkOptions {
	return LinkOptions{
		MaxFrameSize:           s.cfg.Device.MaxFrameSize(),
		MaxPixels:              s.cfg.Device.MaxFramePixels,
		Quality:                s.cfg.Device.JPEGQuality,
		ReadBufferSize:         s.cfg.Device.ReadBufferKB * 1024,
		ReadTimeout:            s.cfg.Device.ReadTimeout(),
		WriteTimeout:           s.cfg.Device.WriteTimeout(),
		DecodeErrorLogInterval: s.cfg.Logging.DecodeErrorLogInterval,
	}
}

func (s *Supervisor) emit(t events.Type, attrs map[string]string) {
	ctx := context.Background()
	if s.ctx != nil {
		ctx = context.WithoutCancel(s.ctx)
	}

	if err := s.emitter.Emit(ctx, events.New(t, attrs)); err != nil {
		s.logger.Debug("Event not emitted", zap.String("type", string(t)), zap.Error(err))
	}
}

// IsDeviceConnected reports whether a device link is active
func (s *Supervisor) IsDeviceConnected() bool {
	a := s.current.Load()
	return a != nil && a.link.Connected()
}

// RemoteAddr returns the active device address, or "" if none
func (s *Supervisor) RemoteAddr() string {
	if a := s.current.Load(); a != nil {
		return a.link.RemoteAddr()
	}
	return ""
}

// SendCommand writes cmd to the active device. It returns ErrNotConnected
// when no device is attached and an ErrWrite error if the write fails.
func (s *Supervisor) SendCommand(cmd Command) error {
	a := s.current.Load()
	if a == nil {
		return ErrNotConnected
	}

	if err := a.link.SendCommand(cmd); err != nil {
		s.logger.Warn("Failed to send device command", zap.String("command", cmd.Name()), zap.Error(err))
		return err
	}

	s.state.Store(int32(stateAfter(cmd)))
	s.emit(events.RecordingCommand, map[string]string{
		"command":     cmd.Name(),
		"remote_addr": a.link.RemoteAddr(),
	})
	return nil
}

// RecordingState returns the last requested recording state
func (s *Supervisor) RecordingState() RecordingState {
	return RecordingState(s.state.Load())
}

// statsLoop periodically logs ingest throughput
func (s *Supervisor) statsLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSeq := s.store.Seq()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			seq := s.store.Seq()
			fps := float64(seq-lastSeq) / interval.Seconds()
			lastSeq = seq

			fields := []zap.Field{
				zap.Bool("device_connected", s.IsDeviceConnected()),
				zap.Float64("fps", fps),
				zap.Uint64("frames_published", seq),
			}
			if a := s.current.Load(); a != nil {
				ls := a.link.Stats()
				fields = append(fields,
					zap.Uint64("frames_discarded", ls.FramesDiscarded),
					zap.Uint64("bytes_read", ls.BytesRead))
			}
			s.logger.Info("Ingest statistics", fields...)
		}
	}
}

// GetStats returns supervisor statistics
func (s *Supervisor) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"running":          s.running.Load(),
		"device_connected": s.IsDeviceConnected(),
		"policy":           s.cfg.Device.ConnectionPolicy,
		"recording_state":  s.RecordingState().String(),
		"connections":      s.connections.Load(),
		"rejected":         s.rejected.Load(),
		"disconnects":      s.disconnects.Load(),
		"truncations":      s.truncations.Load(),
		"listener_errors":  s.listenerErrors.Load(),
	}

	if addr := s.Addr(); addr != nil {
		stats["listen_addr"] = addr.String()
	}

	if a := s.current.Load(); a != nil {
		ls := a.link.Stats()
		stats["remote_addr"] = ls.RemoteAddr
		stats["connected_at"] = ls.ConnectedAt
		stats["frames_accepted"] = ls.FramesAccepted
		stats["frames_discarded"] = ls.FramesDiscarded
		stats["bytes_read"] = ls.BytesRead
		stats["commands_sent"] = ls.CommandsSent
	}

	store := s.store.Stats()
	stats["frames_published"] = store.Published
	stats["has_frame"] = store.HasFrame
	stats["last_frame_size"] = store.LastSize

	return stats
}
