// Package device accepts the camera's TCP connection, feeds its frame stream
// into the latest-frame store and writes recording commands back to it.
package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"esp32-cam-relay/frame"
)

// LinkOptions configures a device link
type LinkOptions struct {
	MaxFrameSize   int
	MaxPixels      int
	Quality        int
	ReadBufferSize int
	ReadTimeout    time.Duration // Max time to receive one frame, 0 disables
	WriteTimeout   time.Duration // Deadline for one command write, 0 disables

	// DecodeErrorLogInterval logs every Nth discarded frame
	DecodeErrorLogInterval int
}

// LinkStats holds per-connection statistics
type LinkStats struct {
	RemoteAddr      string
	ConnectedAt     time.Time
	Connected       bool
	FramesAccepted  uint64
	FramesDiscarded uint64
	BytesRead       uint64
	CommandsSent    uint64
}

// Link owns one device connection. Run is the only reader of the connection
// and the only publisher to the store; SendCommand may be called from any
// goroutine.
type Link struct {
	conn    net.Conn
	store   *frame.Store
	opts    LinkOptions
	logger  *zap.Logger
	decoder *frame.Decoder

	writeMu     sync.Mutex
	connected   atomic.Bool
	closing     atomic.Bool
	commands    atomic.Uint64
	connectedAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewLink wraps an accepted device connection
func NewLink(conn net.Conn, store *frame.Store, opts LinkOptions, logger *zap.Logger) *Link {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 64 * 1024
	}
	if opts.DecodeErrorLogInterval <= 0 {
		opts.DecodeErrorLogInterval = 1
	}

	l := &Link{
		conn:        conn,
		store:       store,
		opts:        opts,
		logger:      logger.With(zap.String("remote_addr", conn.RemoteAddr().String())),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	l.connected.Store(true)

	l.decoder = frame.NewDecoder(bufio.NewReaderSize(conn, opts.ReadBufferSize), frame.DecoderOptions{
		MaxFrameSize: opts.MaxFrameSize,
		MaxPixels:    opts.MaxPixels,
		Quality:      opts.Quality,
		OnDiscard:    l.onDiscard,
	})

	return l
}

// Run reads frames until the device disconnects, the stream is truncated,
// ctx is cancelled or Close is called. A clean disconnect or a local close
// returns nil. Run must be called at most once.
func (l *Link) Run(ctx context.Context) error {
	defer l.finish()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	l.logger.Info("Device link started")

	for {
		if l.opts.ReadTimeout > 0 {
			if err := l.conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout)); err != nil {
				return l.readError(err)
			}
		}

		f, err := l.decoder.Next()
		if err != nil {
			return l.readError(err)
		}

		l.store.Publish(f)
	}
}

// readError classifies the error that ended the read loop
func (l *Link) readError(err error) error {
	if l.closing.Load() {
		return nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, frame.ErrTruncated):
		return err
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("device read timeout after %v: %w", l.opts.ReadTimeout, err)
	default:
		return fmt.Errorf("device read failed: %w", err)
	}
}

func (l *Link) onDiscard(err error) {
	n := l.decoder.Stats().FramesDiscarded
	if n == 1 || n%uint64(l.opts.DecodeErrorLogInterval) == 0 {
		l.logger.Debug("Discarded undecodable frame", zap.Uint64("discarded", n), zap.Error(err))
	}
}

func (l *Link) finish() {
	l.connected.Store(false)
	l.closeConn()
	close(l.done)
}

// SendCommand writes cmd to the device. Writes are serialized with each
// other but never wait on the read loop.
func (l *Link) SendCommand(cmd Command) error {
	if !l.connected.Load() {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.opts.WriteTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
		defer l.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := io.WriteString(l.conn, string(cmd)); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	l.commands.Add(1)
	l.logger.Info("Command sent to device", zap.String("command", cmd.Name()))
	return nil
}

// Close closes the connection, which unblocks Run
func (l *Link) Close() error {
	l.closing.Store(true)
	l.connected.Store(false)
	return l.closeConn()
}

func (l *Link) closeConn() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}

// Done is closed when Run has returned
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Connected reports whether the link can still carry commands
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// RemoteAddr returns the device address
func (l *Link) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// Stats returns link statistics
func (l *Link) Stats() LinkStats {
	ds := l.decoder.Stats()
	return LinkStats{
		RemoteAddr:      l.RemoteAddr(),
		ConnectedAt:     l.connectedAt,
		Connected:       l.connected.Load(),
		FramesAccepted:  ds.FramesAccepted,
		FramesDiscarded: ds.FramesDiscarded,
		BytesRead:       ds.BytesRead,
		CommandsSent:    l.commands.Load(),
	}
}
