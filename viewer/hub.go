// Package viewer streams the latest frame to live viewers. Every session
// polls the frame store on its own ticker, so a slow viewer only slows
// itself down.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"esp32-cam-relay/frame"
)

const DefaultInterval = 33 * time.Millisecond

var (
	ErrHubClosed      = errors.New("viewer hub closed")
	ErrTooManyViewers = errors.New("too many viewers")
)

// FrameSource is read by every session on each tick
type FrameSource interface {
	Peek() *frame.Frame
}

// Transport delivers frame bytes to one viewer
type Transport interface {
	// Send delivers one frame. An error ends the session.
	Send(data []byte) error
	// Done is closed when the viewer has gone away
	Done() <-chan struct{}
	Close() error
	Kind() string
}

// Opener is implemented by transports that write nothing to the viewer
// until the hub has granted them a session slot
type Opener interface {
	Open() error
}

// Options configures a hub
type Options struct {
	Interval   time.Duration
	MaxViewers int // 0 means unlimited
}

// SessionInfo describes an active session
type SessionInfo struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
	FramesSent uint64    `json:"frames_sent"`
	LastSeq    uint64    `json:"last_seq"`
}

// Session is one connected viewer
type Session struct {
	id        string
	transport Transport
	startedAt time.Time
	sent      atomic.Uint64
	lastSeq   atomic.Uint64
	logger    *zap.Logger
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:         s.id,
		Kind:       s.transport.Kind(),
		StartedAt:  s.startedAt,
		FramesSent: s.sent.Load(),
		LastSeq:    s.lastSeq.Load(),
	}
}

// run polls source until the session ends
func (s *Session) run(ctx context.Context, source FrameSource, interval time.Duration, hubDone <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hubDone:
			return nil
		case <-s.transport.Done():
			return nil
		case <-ticker.C:
			f := source.Peek()
			if f == nil {
				continue
			}

			if err := s.transport.Send(f.Data); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			s.sent.Add(1)
			s.lastSeq.Store(f.Seq)
		}
	}
}

// Hub tracks active viewer sessions
type Hub struct {
	source FrameSource
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	total    atomic.Uint64
	refused  atomic.Uint64
	failures atomic.Uint64
}

// NewHub creates a hub reading frames from source
func NewHub(source FrameSource, opts Options, logger *zap.Logger) *Hub {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	return &Hub{
		source:   source,
		opts:     opts,
		logger:   logger.With(zap.String("component", "viewer")),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
}

// Serve runs a session for t and blocks until it ends. The transport is
// always closed on return. A send failure is returned; a viewer leaving,
// ctx cancellation and hub shutdown return nil.
func (h *Hub) Serve(ctx context.Context, t Transport) error {
	s, err := h.register(t)
	if err != nil {
		t.Close()
		return err
	}

	if o, ok := t.(Opener); ok {
		if err := o.Open(); err != nil {
			h.deregister(s)
			return fmt.Errorf("failed to open transport: %w", err)
		}
	}
	defer h.deregister(s)

	err = s.run(ctx, h.source, h.opts.Interval, h.done)
	if err != nil {
		h.failures.Add(1)
		s.logger.Info("Viewer session ended", zap.Uint64("frames_sent", s.sent.Load()), zap.Error(err))
	} else {
		s.logger.Info("Viewer session ended", zap.Uint64("frames_sent", s.sent.Load()))
	}
	return err
}

func (h *Hub) register(t Transport) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if h.opts.MaxViewers > 0 && len(h.sessions) >= h.opts.MaxViewers {
		h.refused.Add(1)
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManyViewers, h.opts.MaxViewers)
	}

	id := uuid.New().String()
	s := &Session{
		id:        id,
		transport: t,
		startedAt: time.Now(),
		logger:    h.logger.With(zap.String("session", id), zap.String("kind", t.Kind())),
	}

	h.sessions[id] = s
	h.wg.Add(1)
	h.total.Add(1)

	s.logger.Info("Viewer session started", zap.Int("viewers", len(h.sessions)))
	return s, nil
}

func (h *Hub) deregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	s.transport.Close()
	h.wg.Done()
}

// Count returns the number of active sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions returns a snapshot of the active sessions
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Close stops every session and waits for them to release their transports
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()

		close(h.done)
	})

	h.wg.Wait()
	return nil
}

// GetStats returns hub statistics
func (h *Hub) GetStats() map[string]interface{} {
	byKind := make(map[string]int)
	for _, info := range h.Sessions() {
		byKind[info.Kind]++
	}

	return map[string]interface{}{
		"active":         h.Count(),
		"by_kind":        byKind,
		"total_sessions": h.total.Load(),
		"refused":        h.refused.Load(),
		"send_failures":  h.failures.Load(),
		"interval_ms":    h.opts.Interval.Milliseconds(),
		"max_viewers":    h.opts.MaxViewers,
	}
}
