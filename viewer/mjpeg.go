package viewer

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync/atomic"
	"time"
)

const DefaultBoundary = "frame"

var errTransportClosed = errors.New("transport closed")

// MJPEGTransport streams frames as a multipart/x-mixed-replace response
type MJPEGTransport struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	flusher      http.Flusher
	mw           *multipart.Writer
	boundary     string
	writeTimeout time.Duration
	done         <-chan struct{}
	opened       atomic.Bool
	closed       atomic.Bool
}

// NewMJPEGTransport prepares a stream over w without writing to it. The
// headers go out in Open, once the hub has accepted the viewer, so a
// refused viewer can still get an error status. The transport ends when
// the request context is cancelled.
func NewMJPEGTransport(w http.ResponseWriter, r *http.Request, boundary string, writeTimeout time.Duration) (*MJPEGTransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}

	if boundary == "" {
		boundary = DefaultBoundary
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("invalid MJPEG boundary: %w", err)
	}

	return &MJPEGTransport{
		w:            w,
		rc:           http.NewResponseController(w),
		flusher:      flusher,
		mw:           mw,
		boundary:     boundary,
		writeTimeout: writeTimeout,
		done:         r.Context().Done(),
	}, nil
}

// Open writes the stream headers
func (t *MJPEGTransport) Open() error {
	if t.closed.Load() {
		return errTransportClosed
	}
	if !t.opened.CompareAndSwap(false, true) {
		return nil
	}

	h := t.w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+t.boundary)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "close")
	t.w.WriteHeader(http.StatusOK)
	t.flusher.Flush()
	return nil
}

func (t *MJPEGTransport) Send(data []byte) error {
	if t.closed.Load() {
		return errTransportClosed
	}
	if err := t.Open(); err != nil {
		return err
	}

	if t.writeTimeout > 0 {
		err := t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}

	part, err := t.mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":   {"image/jpeg"},
		"Content-Length": {strconv.Itoa(len(data))},
	})
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}

	t.flusher.Flush()
	return nil
}

func (t *MJPEGTransport) Done() <-chan struct{} {
	return t.done
}

// Close ends the multipart body. A transport that was never opened writes
// nothing. The connection itself is released by the HTTP server when the
// handler returns.
func (t *MJPEGTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !t.opened.Load() {
		return nil
	}
	return t.mw.Close()
}

func (t *MJPEGTransport) Kind() string {
	return "mjpeg"
}
