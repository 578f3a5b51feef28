// Package frame decodes the device's length-prefixed JPEG stream and holds
// the newest decoded frame for concurrent readers.
package frame

import "time"

// Frame is one canonical JPEG image taken from the device stream.
//
// Data is shared by reference between the store and every viewer and must
// not be modified once the frame has been published.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Seq        uint64 // Assigned by Store.Publish
	ReceivedAt time.Time
}

// Len returns the encoded size in bytes
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}
