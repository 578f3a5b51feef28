// Package events fans out device and recording events to IoT consumers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Type identifies an event kind
type Type string

const (
	DeviceConnected    Type = "device_connected"
	DeviceDisconnected Type = "device_disconnected"
	RecordingCommand   Type = "recording_command"
	RecordingUploaded  Type = "recording_uploaded"
	RecordingConverted Type = "recording_converted"
	Button             Type = "button"
	Motion             Type = "motion"
)

var (
	ErrUnknownType  = errors.New("unknown event type")
	ErrNotConnected = errors.New("event broker not connected")
)

// Event is a single notification published to subscribers
type Event struct {
	Type       Type              `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New creates an event stamped with the current time
func New(t Type, attrs map[string]string) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Attributes: attrs}
}

// ParseExternalType validates a type reported by a device-side sensor.
// Only button and motion events may be injected from outside.
func ParseExternalType(s string) (Type, error) {
	switch t := Type(s); t {
	case Button, Motion:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// Emitter publishes events
type Emitter interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}

// NopEmitter discards every event
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) error { return nil }
func (NopEmitter) Close() error                      { return nil }

// MemoryEmitter records events in memory
type MemoryEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryEmitter creates an empty in-memory emitter
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

func (m *MemoryEmitter) Emit(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryEmitter) Close() error { return nil }

// Events returns a copy of the recorded events
func (m *MemoryEmitter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the recorded events with type t
func (m *MemoryEmitter) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
