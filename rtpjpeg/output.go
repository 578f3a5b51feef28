package rtpjpeg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"esp32-cam-relay/viewer"
)

var errTransportClosed = errors.New("rtp transport closed")

// Transport sends each frame as one RTP/JPEG packet burst to a UDP address.
// It implements viewer.Transport.
type Transport struct {
	conn       *net.UDPConn
	dest       *net.UDPAddr
	packetizer rtp.Packetizer
	mtu        int
	lastSend   time.Time

	done      chan struct{}
	closeOnce sync.Once

	framesSent    atomic.Uint64
	packetsSent   atomic.Uint64
	framesSkipped atomic.Uint64
}

// NewTransport opens a UDP socket for dest
func NewTransport(dest string, mtu int, ssrc uint32) (*Transport, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination address: %w", err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}
	conn.SetWriteBuffer(1024 * 1024)

	return &Transport{
		conn: conn,
		dest: addr,
		packetizer: rtp.NewPacketizer(uint16(mtu), PayloadType, ssrc,
			Payloader{}, rtp.NewRandomSequencer(), ClockRate),
		mtu:  mtu,
		done: make(chan struct{}),
	}, nil
}

// Send packetizes data and writes the packets. Frames RTP/JPEG cannot
// carry are skipped.
func (t *Transport) Send(data []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}

	if _, err := Parse(data); err != nil {
		t.framesSkipped.Add(1)
		return nil
	}

	now := time.Now()
	var samples uint32
	if !t.lastSend.IsZero() {
		samples = uint32(now.Sub(t.lastSend).Seconds() * ClockRate)
	}
	t.lastSend = now

	// Packetize stamps the current timestamp then advances it by samples,
	// so advance first to stamp this frame with its own capture time
	t.packetizer.SkipSamples(samples)
	packets := t.packetizer.Packetize(data, 0)

	for i, p := range packets {
		buf, err := p.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal RTP packet: %w", err)
		}
		if _, err := t.conn.WriteToUDP(buf, t.dest); err != nil {
			return fmt.Errorf("failed to send RTP packet %d/%d: %w", i+1, len(packets), err)
		}
	}

	t.framesSent.Add(1)
	t.packetsSent.Add(uint64(len(packets)))
	return nil
}

func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) Kind() string {
	return "rtp"
}

// Destination returns the receiver address
func (t *Transport) Destination() string {
	return t.dest.String()
}

// Output keeps one hub session per configured destination, reopening a
// destination after a send failure
type Output struct {
	hub          *viewer.Hub
	destinations []string
	mtu          int
	ssrc         uint32
	retryDelay   time.Duration
	logger       *zap.Logger

	mu         sync.Mutex
	transports map[string]*Transport

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOutput creates an output feeding destinations from hub. A zero ssrc
// lets each transport pick a random one.
func NewOutput(hub *viewer.Hub, destinations []string, mtu int, ssrc uint32, retryDelay time.Duration, logger *zap.Logger) *Output {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &Output{
		hub:          hub,
		destinations: destinations,
		mtu:          mtu,
		ssrc:         ssrc,
		retryDelay:   retryDelay,
		logger:       logger.With(zap.String("component", "rtp")),
		transports:   make(map[string]*Transport),
	}
}

// Start launches one sender per destination
func (o *Output) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	for _, dest := range o.destinations {
		o.wg.Add(1)
		go o.run(ctx, dest)
	}

	o.logger.Info("RTP output started",
		zap.Strings("destinations", o.destinations),
		zap.Int("mtu", o.mtu))
}

func (o *Output) run(ctx context.Context, dest string) {
	defer o.wg.Done()

	logger := o.logger.With(zap.String("dest", dest))

	for {
		ssrc := o.ssrc
		if ssrc == 0 {
			ssrc = randomSSRC()
		}

		t, err := NewTransport(dest, o.mtu, ssrc)
		if err != nil {
			logger.Error("Failed to open RTP destination", zap.Error(err))
		} else {
			o.mu.Lock()
			o.transports[dest] = t
			o.mu.Unlock()

			err = o.hub.Serve(ctx, t)

			o.mu.Lock()
			delete(o.transports, dest)
			o.mu.Unlock()

			if errors.Is(err, viewer.ErrHubClosed) {
				return
			}
			if err != nil {
				logger.Warn("RTP session ended", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.retryDelay):
		}
	}
}

// Stop ends every sender and waits for them
func (o *Output) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.logger.Info("RTP output stopped")
}

// Destinations returns the configured receivers
func (o *Output) Destinations() []string {
	return o.destinations
}

// GetStats returns per-destination statistics
func (o *Output) GetStats() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	dests := make(map[string]interface{}, len(o.destinations))
	for _, d := range o.destinations {
		t, ok := o.transports[d]
		if !ok {
			dests[d] = map[string]interface{}{"active": false}
			continue
		}
		dests[d] = map[string]interface{}{
			"active":         true,
			"frames_sent":    t.framesSent.Load(),
			"packets_sent":   t.packetsSent.Load(),
			"frames_skipped": t.framesSkipped.Load(),
		}
	}

	return map[string]interface{}{
		"mtu":          o.mtu,
		"destinations": dests,
	}
}
