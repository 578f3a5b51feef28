package device

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when a command is issued with no active device
	ErrNotConnected = errors.New("device not connected")

	// ErrWrite wraps a transport failure while writing a command
	ErrWrite = errors.New("device write failed")

	// ErrRejected reports a connection refused by the reject policy
	ErrRejected = errors.New("device connection rejected")

	ErrUnknownCommand = errors.New("unknown device command")
)

// Command is a text line sent to the device. No acknowledgement is expected.
type Command string

const (
	CommandStart Command = "CMD:START\n"
	CommandStop  Command = "CMD:STOP\n"
)

// ParseCommand maps a control name ("start", "stop") to its command line
func ParseCommand(name string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "start":
		return CommandStart, nil
	case "stop":
		return CommandStop, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

// Name returns the short control name of the command
func (c Command) Name() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	default:
		return strings.TrimSpace(string(c))
	}
}

// RecordingState mirrors the last recording command written to the device.
// The device never confirms, so this is only what was requested.
type RecordingState int32

const (
	RecordingIdle RecordingState = iota
	RecordingStartRequested
	RecordingStopRequested
)

func (s RecordingState) String() string {
	switch s {
	case RecordingStartRequested:
		return "start_requested"
	case RecordingStopRequested:
		return "stop_requested"
	default:
		return "idle"
	}
}

// stateAfter returns the mirrored state once c has been written
func stateAfter(c Command) RecordingState {
	switch c {
	case CommandStart:
		return RecordingStartRequested
	case CommandStop:
		return RecordingStopRequested
	default:
		return RecordingIdle
	}
}
