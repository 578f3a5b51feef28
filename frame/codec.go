package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png" // PNG payloads are re-encoded as JPEG
	"io"
	"math"
	"sync/atomic"
	"time"
)

const (
	// HeaderSize is the length of the little-endian frame length prefix
	HeaderSize = 4

	DefaultMaxFrameSize = 2 * 1024 * 1024
	DefaultMaxPixels    = 4096 * 4096
	DefaultQuality      = 85
)

var (
	// ErrTruncated reports a connection that closed in the middle of a frame
	ErrTruncated = errors.New("truncated frame")

	// ErrFrameTooLarge is treated as a truncation: the stream cannot be resynchronized
	ErrFrameTooLarge = fmt.Errorf("%w: declared length exceeds limit", ErrTruncated)

	// ErrDecode reports a payload that is not a decodable image
	ErrDecode = errors.New("frame decode failed")
)

// DecoderOptions controls frame validation and re-encoding
type DecoderOptions struct {
	MaxFrameSize int // Upper bound for the declared length, 0 uses the default
	MaxPixels    int // Upper bound for width*height, 0 uses the default
	Quality      int // JPEG quality used when re-encoding, 1-100

	// OnDiscard is called for every payload dropped because it could not be decoded
	OnDiscard func(err error)
}

// DecoderStats holds per-stream counters
type DecoderStats struct {
	FramesAccepted  uint64
	FramesDiscarded uint64
	BytesRead       uint64
}

// Decoder reads frames from one device byte stream. It is not safe for
// concurrent use and cannot be restarted once Next returns an error.
type Decoder struct {
	r      io.Reader
	opts   DecoderOptions
	header [HeaderSize]byte
	err    error

	accepted  atomic.Uint64
	discarded atomic.Uint64
	bytesRead atomic.Uint64
}

// NewDecoder creates a decoder over r
func NewDecoder(r io.Reader, opts DecoderOptions) *Decoder {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}

	return &Decoder{r: r, opts: opts}
}

// Next returns the next valid frame from the stream.
//
// It returns io.EOF when the stream ends on a frame boundary (including a
// partial header), an error wrapping ErrTruncated when it ends inside a
// payload or announces an oversized payload, and the underlying read error
// otherwise. Payloads that do not decode as images are skipped.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}

	for {
		payload, err := d.readPayload()
		if err != nil {
			d.err = err
			return nil, err
		}

		frame, err := Canonicalize(payload, d.opts.Quality, d.opts.MaxPixels)
		if err != nil {
			d.discarded.Add(1)
			if d.opts.OnDiscard != nil {
				d.opts.OnDiscard(err)
			}
			continue
		}

		d.accepted.Add(1)
		return frame, nil
	}
}

// readPayload reads one length header and the payload it announces
func (d *Decoder) readPayload() ([]byte, error) {
	n, err := io.ReadFull(d.r, d.header[:])
	d.bytesRead.Add(uint64(n))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint32(d.header[:])
	if uint64(length) > uint64(d.opts.MaxFrameSize) {
		return nil, fmt.Errorf("%w (declared %d bytes, limit %d)", ErrFrameTooLarge, length, d.opts.MaxFrameSize)
	}

	payload := make([]byte, length)
	n, err = io.ReadFull(d.r, payload)
	d.bytesRead.Add(uint64(n))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: received %d of %d payload bytes", ErrTruncated, n, length)
		}
		return nil, err
	}

	return payload, nil
}

// Stats returns the decoder counters
func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		FramesAccepted:  d.accepted.Load(),
		FramesDiscarded: d.discarded.Load(),
		BytesRead:       d.bytesRead.Load(),
	}
}

// Canonicalize decodes an image payload and re-encodes it as a colour JPEG.
// Images whose header announces more than maxPixels pixels are rejected
// before any pixel memory is allocated.
func Canonicalize(payload []byte, quality, maxPixels int) (*Frame, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	img = toColor(img)

	var buf bytes.Buffer
	buf.Grow(len(payload))
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: re-encode: %v", ErrDecode, err)
	}

	bounds := img.Bounds()
	return &Frame{
		Data:       buf.Bytes(),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		ReceivedAt: time.Now(),
	}, nil
}

// toColor converts single-channel images so the encoder emits three components
func toColor(img image.Image) image.Image {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		b := img.Bounds()
		rgba := image.NewRGBA(b)
		draw.Draw(rgba, b, img, b.Min, draw.Src)
		return rgba
	}
	return img
}

// WriteFrame writes payload with its length prefix, the way the device does
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("payload of %d bytes does not fit the length header", len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
