package viewer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"esp32-cam-relay/frame"
)

// fakeTransport records every frame it is sent
type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	block   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(data []byte) error {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Kind() string { return "fake" }

func (f *fakeTransport) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func serve(h *Hub, ctx context.Context, tr Transport) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.Serve(ctx, tr) }()
	return errCh
}

func uniform(b byte, n int) *frame.Frame {
	return &frame.Frame{Data: bytes.Repeat([]byte{b}, n)}
}

// TestHubSendsLatestFrame tests repeated delivery of the held frame
func TestHubSendsLatestFrame(t *testing.T) {
	store := frame.NewStore()
	store.Publish(uniform(7, 64))

	h := NewHub(store, Options{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	tr := newFakeTransport()
	errCh := serve(h, ctx, tr)

	waitFor(t, "repeated frames", func() bool { return len(tr.received()) >= 3 })
	waitFor(t, "registration", func() bool { return h.Count() == 1 })

	for _, got := range tr.received() {
		if !bytes.Equal(got, bytes.Repeat([]byte{7}, 64)) {
			t.Fatal("Viewer received unexpected bytes")
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Serve returned %v after cancel", err)
	}

	if h.Count() != 0 {
		t.Errorf("Count = %d after session end, want 0", h.Count())
	}
	if !tr.isClosed() {
		t.Error("Transport should be closed when the session ends")
	}
}

// TestHubNoFrameNoSend tests that an empty store sends nothing
func TestHubNoFrameNoSend(t *testing.T) {
	h := NewHub(frame.NewStore(), Options{Interval: 2 * time.Millisecond}, zaptest.NewLogger(t))
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tr := newFakeTransport()
	if err := h.Serve(ctx, tr); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	if n := len(tr.received()); n != 0 {
		t.Errorf("Sent %d frames from an empty store", n)
	}
}

// TestHubSendErrorEndsSession tests that a failed send removes the session
func TestHubSendErrorEndsSession(t *testing.T) {
	store := frame.NewStore()
	store.Publish(uniform(1, 8))

	h := NewHub(store, Options{Interval: 2 * time.Millisecond}, zaptest.NewLogger(t))
	defer h.Close()

	boom := errors.New("broken pipe")
	tr := newFakeTransport()
	tr.sendErr = boom

	err := h.Serve(context.Background(), tr)
	if !errors.Is(err, boom) {
		t.Errorf("Expected send error, got %v", err)
	}
	if h.Count() != 0 {
		t.Error("Failed session should be deregistered")
	}
	if h.GetStats()["send_failures"].(uint64) != 1 {
		t.Error("Expected one send failure")
	}
}

// TestHubViewerDisconnect tests the transport reporting that the viewer left
func TestHubViewerDisconnect(t *testing.T) {
	h := NewHub(frame.NewStore(), Options{Interval: 2 * time.Millisecond}, zaptest.NewLogger(t))
	defer h.Close()

	tr := newFakeTransport()
	errCh := serve(h, context.Background(), tr)
	waitFor(t, "registration", func() bool { return h.Count() == 1 })

	close(tr.done)

	if err := <-errCh; err != nil {
		t.Errorf("Serve returned %v on viewer disconnect", err)
	}
}

// TestHubMaxViewers tests the session limit
func TestHubMaxViewers(t *testing.T) {
	h := NewHub(frame.NewStore(), Options{Interval: 5 * time.Millisecond, MaxViewers: 1}, zaptest.NewLogger(t))
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newFakeTransport()
	serve(h, ctx, first)
	waitFor(t, "registration", func() bool { return h.Count() == 1 })

	second := newFakeTransport()
	if err := h.Serve(ctx, second); !errors.Is(err, ErrTooManyViewers) {
		t.Errorf("Expected ErrTooManyViewers, got %v", err)
	}
	if !second.isClosed() {
		t.Error("Refused transport should be closed")
	}
}

// TestHubClose tests shutdown of all sessions
func TestHubClose(t *testing.T) {
	h := NewHub(frame.NewStore(), Options{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	var errs []<-chan error
	var transports []*fakeTransport
	for i := 0; i < 3; i++ {
		tr := newFakeTransport()
		transports = append(transports, tr)
		errs = append(errs, serve(h, context.Background(), tr))
	}
	waitFor(t, "registration", func() bool { return h.Count() == 3 })

	h.Close()

	for i, errCh := range errs {
		if err := <-errCh; err != nil {
			t.Errorf("Session %d returned %v", i, err)
		}
		if !transports[i].isClosed() {
			t.Errorf("Transport %d not closed", i)
		}
	}

	if err := h.Serve(context.Background(), newFakeTransport()); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Expected ErrHubClosed, got %v", err)
	}
}

// TestHubIndependentSessions tests two viewers polling faster than the
// producer publishes
func TestHubIndependentSessions(t *testing.T) {
	store := frame.NewStore()
	h := NewHub(store, Options{Interval: 3 * time.Millisecond}, zaptest.NewLogger(t))
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	a, b := newFakeTransport(), newFakeTransport()
	errA := serve(h, ctx, a)
	errB := serve(h, ctx, b)

	for i := 1; i <= 10; i++ {
		store.Publish(uniform(byte(i), 4096))
		time.Sleep(10 * time.Millisecond)
	}

	last := byte(10)
	waitFor(t, "newest frame on both viewers", func() bool {
		ra, rb := a.received(), b.received()
		return len(ra) > 0 && len(rb) > 0 && ra[len(ra)-1][0] == last && rb[len(rb)-1][0] == last
	})

	cancel()
	<-errA
	<-errB

	for name, tr := range map[string]*fakeTransport{"a": a, "b": b} {
		got := tr.received()
		repeats := 0
		var prev byte
		for i, data := range got {
			for _, c := range data {
				if c != data[0] {
					t.Fatalf("Viewer %s received a frame mixing two payloads", name)
				}
			}
			if data[0] < prev {
				t.Errorf("Viewer %s received frames out of order", name)
			}
			if i > 0 && data[0] == prev {
				repeats++
			}
			prev = data[0]
		}
		if repeats == 0 {
			t.Errorf("Viewer %s should see repeated frames between publishes", name)
		}
	}
}

// TestHubSlowViewer tests that a stalled viewer affects neither the
// producer nor other viewers
func TestHubSlowViewer(t *testing.T) {
	store := frame.NewStore()
	store.Publish(uniform(0, 16))

	h := NewHub(store, Options{Interval: 2 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := newFakeTransport()
	slow.block = make(chan struct{})
	fast := newFakeTransport()

	serve(h, ctx, slow)
	serve(h, ctx, fast)
	waitFor(t, "registration", func() bool { return h.Count() == 2 })

	published := make(chan struct{})
	go func() {
		for i := 1; i <= 100; i++ {
			store.Publish(uniform(byte(i), 16))
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Producer blocked by a slow viewer")
	}

	waitFor(t, "fast viewer frames", func() bool {
		got := fast.received()
		return len(got) > 0 && got[len(got)-1][0] == 100
	})

	close(slow.block)
	cancel()
	h.Close()
}
