package viewer

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport sends each frame as one binary message
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// NewWebSocketTransport wraps an upgraded connection. Incoming messages are
// read and dropped so that close frames and disconnects are noticed.
func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}

	go t.readPump()
	return t
}

func (t *WebSocketTransport) readPump() {
	defer t.markDone()

	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (t *WebSocketTransport) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *WebSocketTransport) Send(data []byte) error {
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
		t.markDone()
	})
	return err
}

func (t *WebSocketTransport) Kind() string {
	return "websocket"
}
