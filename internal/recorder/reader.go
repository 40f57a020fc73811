package recorder

import (
	"bufio"
	"io"

	"fabric/internal/bus"
	"fabric/internal/pack"
	"fabric/pkg/exception"
)

// ReaderOptions controls record decoding.
type ReaderOptions struct {
	DisableChecksum bool
	// MaxPayloadSize rejects larger records. Zero means no limit.
	MaxPayloadSize int
}

// Reader decodes tape records sequentially.
type Reader struct {
	r    *bufio.Reader
	opts ReaderOptions
	rec  []byte
}

func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{
		r:    bufio.NewReader(r),
		opts: opts,
		rec:  make([]byte, recordHeaderSize, recordSize(pack.DefaultMaxPayload)),
	}
}

// NextRecord returns the next record header and its raw payload. The payload
// is reused by the next call. A clean end of input is io.EOF, a record cut
// short is io.ErrUnexpectedEOF.
func (r *Reader) NextRecord() (RecordHeader, []byte, error) {
	rec := r.rec[:recordHeaderSize]
	if _, err := io.ReadFull(r.r, rec); err != nil {
		return RecordHeader{}, nil, err
	}
	h, n, err := parseRecordHeader(rec)
	if err != nil {
		return RecordHeader{}, nil, err
	}
	if r.opts.MaxPayloadSize > 0 && n > r.opts.MaxPayloadSize {
		return h, nil, exception.ErrTapePayloadSize
	}

	total := recordSize(n)
	if cap(rec) < total {
		grown := make([]byte, total)
		copy(grown, rec)
		rec = grown
	}
	rec = rec[:total]
	r.rec = rec
	if _, err := io.ReadFull(r.r, rec[recordHeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return h, nil, err
	}
	if !r.opts.DisableChecksum && !verifyRecord(rec) {
		return h, nil, exception.ErrTapeChecksum
	}
	return h, rec[recordHeaderSize : recordHeaderSize+n], nil
}

// Next returns the next record as a queue event.
func (r *Reader) Next() (bus.Event, error) {
	h, payload, err := r.NextRecord()
	if err != nil {
		return bus.Event{}, err
	}
	msg, err := pack.Decode(payload)
	if err != nil {
		return bus.Event{}, err
	}
	return bus.Event{
		Seq:        h.Seq,
		ConnID:     h.ConnID,
		RecvTsNano: h.RecvTsNano,
		Message:    msg,
	}, nil
}
