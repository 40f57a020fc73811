package pack

import (
	"bufio"
	"encoding/binary"
	"io"

	"fabric/pkg/exception"
)

const (
	// FrameMarker precedes every frame on the wire.
	FrameMarker uint16 = 0xA55A

	FrameHeaderSize = 4

	DefaultMaxPayload = 4096
	MaxPayloadLimit   = int(^uint16(0))
)

// NormalizeMaxPayload maps a configured max payload size to a usable one.
// Zero selects DefaultMaxPayload.
func NormalizeMaxPayload(size int) (int, error) {
	switch {
	case size == 0:
		return DefaultMaxPayload, nil
	case size < prefixSize || size > MaxPayloadLimit:
		return 0, exception.ErrPackInvalidMaxSize
	default:
		return size, nil
	}
}

// AppendFrame appends marker, length and payload to dst.
func AppendFrame(dst []byte, payload []byte, maxPayload int) ([]byte, error) {
	if maxPayload <= 0 || maxPayload > MaxPayloadLimit {
		maxPayload = MaxPayloadLimit
	}
	if len(payload) > maxPayload {
		return dst, exception.ErrPackFrameTooLarge
	}
	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], FrameMarker)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// AppendMessageFrame encodes msg and frames it in one step.
func AppendMessageFrame(dst []byte, msg Message, maxPayload int) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, FrameHeaderSize)...)
	dst, err := Append(dst, msg)
	if err != nil {
		return dst[:start], err
	}
	n := len(dst) - start - FrameHeaderSize
	if maxPayload <= 0 || maxPayload > MaxPayloadLimit {
		maxPayload = MaxPayloadLimit
	}
	if n > maxPayload {
		return dst[:start], exception.ErrPackFrameTooLarge
	}
	binary.LittleEndian.PutUint16(dst[start:start+2], FrameMarker)
	binary.LittleEndian.PutUint16(dst[start+2:start+4], uint16(n))
	return dst, nil
}

// WriteFrame writes payload as a single frame with one Write call.
func WriteFrame(w io.Writer, payload []byte, maxPayload int) error {
	buf, err := AppendFrame(make([]byte, 0, FrameHeaderSize+len(payload)), payload, maxPayload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// FrameReader splits a byte stream into payloads.
type FrameReader struct {
	r       *bufio.Reader
	max     int
	hdr     [FrameHeaderSize]byte
	payload []byte
}

// NewFrameReader wraps r. maxPayload bounds every frame; values outside
// (0, MaxPayloadLimit] select MaxPayloadLimit.
func NewFrameReader(r io.Reader, maxPayload int) *FrameReader {
	if maxPayload <= 0 || maxPayload > MaxPayloadLimit {
		maxPayload = MaxPayloadLimit
	}
	return &FrameReader{
		r:   bufio.NewReader(r),
		max: maxPayload,
	}
}

// Next returns the next payload. The slice is only valid until the next
// call. A bad marker or an oversized length leaves the stream unusable.
func (fr *FrameReader) Next() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(fr.hdr[0:2]) != FrameMarker {
		return nil, exception.ErrPackBadMarker
	}
	n := int(binary.LittleEndian.Uint16(fr.hdr[2:4]))
	if n > fr.max {
		return nil, exception.ErrPackFrameTooLarge
	}
	if cap(fr.payload) < n {
		fr.payload = make([]byte, n)
	}
	fr.payload = fr.payload[:n]
	if _, err := io.ReadFull(fr.r, fr.payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return fr.payload, nil
}
