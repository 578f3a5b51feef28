// Package rtpjpeg pushes the live frame stream to UDP receivers as
// RTP/JPEG (RFC 2435).
package rtpjpeg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PayloadType is the static RTP payload type for JPEG
	PayloadType = 26
	// ClockRate is the RTP clock rate for video
	ClockRate = 90000

	DefaultMTU = 1400

	mainHeaderSize  = 8
	quantHeaderSize = 4
	dynamicQ        = 255
)

// ErrUnsupported is returned for JPEG streams RFC 2435 cannot carry
var ErrUnsupported = errors.New("unsupported JPEG for RTP")

// Image is a baseline JPEG split into the parts RFC 2435 transmits
type Image struct {
	Type   uint8 // 0 for 4:2:2, 1 for 4:2:0
	Width  int
	Height int
	Tables []byte // Luma then chroma quantization tables, zigzag order
	Scan   []byte // Entropy-coded data between SOS and EOI
}

// Parse extracts the RTP/JPEG fields from a baseline YCbCr JPEG
func Parse(data []byte) (*Image, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("%w: missing SOI marker", ErrUnsupported)
	}

	var (
		img      Image
		tables   [4][]byte
		quantIdx [3]uint8
		haveSOF  bool
	)

	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("%w: expected marker at offset %d", ErrUnsupported, i)
		}

		marker := data[i+1]
		switch {
		case marker == 0xFF:
			i++
			continue
		case marker >= 0xD0 && marker <= 0xD7:
			i += 2
			continue
		}

		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if segLen < 2 || i+2+segLen > len(data) {
			return nil, fmt.Errorf("%w: truncated segment 0x%02X", ErrUnsupported, marker)
		}
		seg := data[i+4 : i+2+segLen]

		switch marker {
		case 0xDB: // DQT
			for j := 0; j < len(seg); j += 65 {
				if seg[j]>>4 != 0 {
					return nil, fmt.Errorf("%w: 16-bit quantization tables", ErrUnsupported)
				}
				if j+65 > len(seg) {
					return nil, fmt.Errorf("%w: short quantization table", ErrUnsupported)
				}
				tables[seg[j]&0x03] = seg[j+1 : j+65]
			}

		case 0xC0: // SOF0, baseline
			if len(seg) < 15 || seg[5] != 3 {
				return nil, fmt.Errorf("%w: need three components", ErrUnsupported)
			}
			img.Height = int(binary.BigEndian.Uint16(seg[1:3]))
			img.Width = int(binary.BigEndian.Uint16(seg[3:5]))

			switch seg[7] {
			case 0x22:
				img.Type = 1
			case 0x21:
				img.Type = 0
			default:
				return nil, fmt.Errorf("%w: luma sampling 0x%02X", ErrUnsupported, seg[7])
			}
			if seg[10] != 0x11 || seg[13] != 0x11 {
				return nil, fmt.Errorf("%w: chroma subsampling", ErrUnsupported)
			}

			quantIdx = [3]uint8{seg[8] & 0x03, seg[11] & 0x03, seg[14] & 0x03}
			haveSOF = true

		case 0xC1, 0xC2, 0xC3, 0xC5, 0xC6, 0xC7, 0xC9, 0xCA, 0xCB, 0xCD, 0xCE, 0xCF:
			return nil, fmt.Errorf("%w: not baseline (SOF 0x%02X)", ErrUnsupported, marker)

		case 0xDD: // DRI
			if len(seg) >= 2 && binary.BigEndian.Uint16(seg) != 0 {
				return nil, fmt.Errorf("%w: restart intervals", ErrUnsupported)
			}

		case 0xDA: // SOS
			if !haveSOF {
				return nil, fmt.Errorf("%w: scan before frame header", ErrUnsupported)
			}

			scan := data[i+2+segLen:]
			if n := len(scan); n >= 2 && scan[n-2] == 0xFF && scan[n-1] == 0xD9 {
				scan = scan[:n-2]
			}
			img.Scan = scan

			luma, chroma := tables[quantIdx[0]], tables[quantIdx[1]]
			if luma == nil || chroma == nil {
				return nil, fmt.Errorf("%w: missing quantization table", ErrUnsupported)
			}
			img.Tables = append(append(make([]byte, 0, 128), luma...), chroma...)

			if img.Width == 0 || img.Height == 0 || img.Width > 2040 || img.Height > 2040 {
				return nil, fmt.Errorf("%w: %dx%d", ErrUnsupported, img.Width, img.Height)
			}
			return &img, nil
		}

		i += 2 + segLen
	}

	return nil, fmt.Errorf("%w: no scan data", ErrUnsupported)
}

// Payloader splits JPEG frames into RFC 2435 payloads. It implements
// rtp.Payloader; frames that cannot be parsed produce no payloads.
type Payloader struct{}

// Payload fragments one JPEG frame. mtu is the space available after the
// RTP header.
func (Payloader) Payload(mtu uint16, payload []byte) [][]byte {
	img, err := Parse(payload)
	if err != nil {
		return nil
	}
	return img.Fragments(int(mtu))
}

// Fragments returns the RTP payloads for img. The first fragment carries
// the quantization tables.
func (img *Image) Fragments(mtu int) [][]byte {
	quantLen := quantHeaderSize + len(img.Tables)
	if mtu <= mainHeaderSize+quantLen {
		return nil
	}

	var out [][]byte
	for offset := 0; offset < len(img.Scan) || offset == 0; {
		room := mtu - mainHeaderSize
		if offset == 0 {
			room -= quantLen
		}

		n := len(img.Scan) - offset
		if n > room {
			n = room
		}

		size := mainHeaderSize + n
		if offset == 0 {
			size += quantLen
		}
		buf := make([]byte, size)

		buf[0] = 0 // type-specific
		buf[1] = byte(offset >> 16)
		buf[2] = byte(offset >> 8)
		buf[3] = byte(offset)
		buf[4] = img.Type
		buf[5] = dynamicQ
		buf[6] = byte((img.Width + 7) / 8)
		buf[7] = byte((img.Height + 7) / 8)

		pos := mainHeaderSize
		if offset == 0 {
			buf[pos] = 0   // MBZ
			buf[pos+1] = 0 // 8-bit precision for both tables
			binary.BigEndian.PutUint16(buf[pos+2:], uint16(len(img.Tables)))
			copy(buf[pos+quantHeaderSize:], img.Tables)
			pos += quantLen
		}
		copy(buf[pos:], img.Scan[offset:offset+n])

		out = append(out, buf)
		offset += n
		if n == 0 {
			break
		}
	}

	return out
}
