package viewer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"esp32-cam-relay/frame"
)

// TestWebSocketTransport tests binary frame delivery and disconnect detection
func TestWebSocketTransport(t *testing.T) {
	store := frame.NewStore()
	store.Publish(&frame.Frame{Data: []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}})

	h := NewHub(store, Options{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))
	defer h.Close()

	upgrader := websocket.Upgrader{}
	served := make(chan error, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			served <- err
			return
		}
		served <- h.Serve(r.Context(), NewWebSocketTransport(conn, time.Second))
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read frame: %v", err)
		}
		if msgType != websocket.BinaryMessage {
			t.Errorf("Message type = %d, want binary", msgType)
		}
		if !bytes.Equal(data, store.Peek().Data) {
			t.Errorf("Received %v, want %v", data, store.Peek().Data)
		}
	}

	conn.Close()

	select {
	case <-served:
	case <-time.After(3 * time.Second):
		t.Fatal("Session did not end after the viewer disconnected")
	}

	waitFor(t, "deregistration", func() bool { return h.Count() == 0 })
}

// TestMJPEGTransport tests the multipart stream format
func TestMJPEGTransport(t *testing.T) {
	store := frame.NewStore()
	jpeg := []byte{0xFF, 0xD8, 9, 8, 7, 0xFF, 0xD9}
	store.Publish(&frame.Frame{Data: jpeg})

	h := NewHub(store, Options{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))
	defer h.Close()

	served := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(served)
		tr, err := NewMJPEGTransport(w, r, "testboundary", time.Second)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.Serve(r.Context(), tr)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("Bad Content-Type: %v", err)
	}
	if mediaType != "multipart/x-mixed-replace" || params["boundary"] != "testboundary" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart failed: %v", err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Part Content-Type = %q, want image/jpeg", ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("Failed to read part: %v", err)
		}
		if !bytes.Equal(data, jpeg) {
			t.Errorf("Part data = %v, want %v", data, jpeg)
		}
	}

	cancel()

	select {
	case <-served:
	case <-time.After(3 * time.Second):
		t.Fatal("MJPEG session did not end after the client went away")
	}
}

// TestMJPEGTransportRefusedWritesNothing tests that a viewer refused by a full
// hub leaves the response untouched for an error status
func TestMJPEGTransportRefusedWritesNothing(t *testing.T) {
	store := frame.NewStore()
	store.Publish(&frame.Frame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}})

	h := NewHub(store, Options{Interval: 5 * time.Millisecond, MaxViewers: 1}, zaptest.NewLogger(t))
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serve(h, ctx, newFakeTransport())
	waitFor(t, "registration", func() bool { return h.Count() == 1 })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream.mjpg", nil)

	tr, err := NewMJPEGTransport(rec, req, "", time.Second)
	if err != nil {
		t.Fatalf("NewMJPEGTransport failed: %v", err)
	}

	if err := h.Serve(ctx, tr); !errors.Is(err, ErrTooManyViewers) {
		t.Fatalf("Expected ErrTooManyViewers, got %v", err)
	}

	if rec.Flushed || rec.Body.Len() != 0 {
		t.Errorf("Refused transport wrote %d bytes (flushed=%v)", rec.Body.Len(), rec.Flushed)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "" {
		t.Errorf("Refused transport set Content-Type %q", ct)
	}

	http.Error(rec, "too many viewers", http.StatusServiceUnavailable)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", rec.Code)
	}
}

// TestMJPEGTransportRequiresFlusher tests rejection of non-streaming writers
func TestMJPEGTransportRequiresFlusher(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream.mjpg", nil)
	if _, err := NewMJPEGTransport(nonFlusher{httptest.NewRecorder()}, req, "", 0); err == nil {
		t.Error("Expected error for a writer without Flush")
	}
}

type nonFlusher struct {
	w http.ResponseWriter
}

func (n nonFlusher) Header() http.Header         { return n.w.Header() }
func (n nonFlusher) Write(b []byte) (int, error) { return n.w.Write(b) }
func (n nonFlusher) WriteHeader(code int)        { n.w.WriteHeader(code) }
