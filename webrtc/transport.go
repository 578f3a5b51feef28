package webrtc

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// maxBufferedAmount is the queued byte count above which frames are
// skipped instead of queued
const maxBufferedAmount = 1 << 20

// DataChannelTransport delivers frames over a WebRTC data channel. Frames
// that exceed the message limit or arrive while the channel is congested
// are skipped; the viewer simply gets the next one.
type DataChannelTransport struct {
	dc         *webrtc.DataChannel
	maxMessage int

	done     chan struct{}
	doneOnce sync.Once

	sent    atomic.Uint64
	skipped atomic.Uint64
}

func newDataChannelTransport(dc *webrtc.DataChannel, peerDone <-chan struct{}, maxMessage int) *DataChannelTransport {
	t := &DataChannelTransport{
		dc:         dc,
		maxMessage: maxMessage,
		done:       make(chan struct{}),
	}

	dc.OnClose(t.markDone)

	go func() {
		select {
		case <-peerDone:
			t.markDone()
		case <-t.done:
		}
	}()

	return t
}

func (t *DataChannelTransport) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *DataChannelTransport) Send(data []byte) error {
	if len(data) > t.maxMessage || t.dc.BufferedAmount() > maxBufferedAmount {
		t.skipped.Add(1)
		return nil
	}

	if err := t.dc.Send(data); err != nil {
		return err
	}
	t.sent.Add(1)
	return nil
}

func (t *DataChannelTransport) Done() <-chan struct{} {
	return t.done
}

func (t *DataChannelTransport) Close() error {
	t.markDone()
	return t.dc.Close()
}

func (t *DataChannelTransport) Kind() string {
	return "webrtc"
}

// Skipped returns the number of frames dropped for size or congestion
func (t *DataChannelTransport) Skipped() uint64 {
	return t.skipped.Load()
}
