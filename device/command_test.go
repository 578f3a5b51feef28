package device

import (
	"errors"
	"testing"
)

// TestParseCommand tests control name parsing
func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		want    Command
		wantErr bool
	}{
		{name: "start", want: CommandStart},
		{name: "STOP", want: CommandStop},
		{name: " start\n", want: CommandStart},
		{name: "pause", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseCommand(tt.name)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownCommand) {
				t.Errorf("ParseCommand(%q) error = %v, want ErrUnknownCommand", tt.name, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseCommand(%q) = %q, %v; want %q", tt.name, got, err, tt.want)
		}
	}
}

// TestCommandWireFormat tests the exact bytes sent to the device
func TestCommandWireFormat(t *testing.T) {
	if string(CommandStart) != "CMD:START\n" {
		t.Errorf("CommandStart = %q", CommandStart)
	}
	if string(CommandStop) != "CMD:STOP\n" {
		t.Errorf("CommandStop = %q", CommandStop)
	}
	if CommandStart.Name() != "start" || CommandStop.Name() != "stop" {
		t.Error("Unexpected command names")
	}
}

// TestRecordingState tests the requested-state mirror
func TestRecordingState(t *testing.T) {
	if stateAfter(CommandStart) != RecordingStartRequested {
		t.Error("start should request recording")
	}
	if stateAfter(CommandStop) != RecordingStopRequested {
		t.Error("stop should request stop")
	}
	if RecordingIdle.String() != "idle" || RecordingStartRequested.String() != "start_requested" {
		t.Error("Unexpected state names")
	}
}
