package recorder

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"fabric/internal/pack"
	"fabric/pkg/exception"
)

// Record layout (little endian):
//
//	[0:4]   magic "TAP1"
//	[4:6]   version
//	[6:8]   header size
//	[8:10]  message type
//	[10:12] reserved
//	[12:16] payload length
//	[16:24] queue sequence
//	[24:32] connection id
//	[32:40] receive time, unix nanoseconds
//	payload, then crc32c over header and payload
const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 40
	recordChecksumSize        = 4
)

var (
	recordMagic = []byte("TAP1")
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

// RecordHeader is the fixed part of a tape record.
type RecordHeader struct {
	Type       pack.MessageType
	Seq        uint64
	ConnID     uint64
	RecvTsNano int64
}

func recordSize(payloadLen int) int {
	return recordHeaderSize + payloadLen + recordChecksumSize
}

// appendRecord appends one complete record to dst.
func appendRecord(dst []byte, h RecordHeader, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, recordMagic...)
	dst = binary.LittleEndian.AppendUint16(dst, recordVersion)
	dst = binary.LittleEndian.AppendUint16(dst, recordHeaderSize)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(h.Type))
	dst = binary.LittleEndian.AppendUint16(dst, 0)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.LittleEndian.AppendUint64(dst, h.Seq)
	dst = binary.LittleEndian.AppendUint64(dst, h.ConnID)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(h.RecvTsNano))
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint32(dst, crc32.Checksum(dst[start:], crcTable))
}

// parseRecordHeader validates the fixed header and returns it with the
// payload length that follows.
func parseRecordHeader(src []byte) (RecordHeader, int, error) {
	if len(src) < recordHeaderSize {
		return RecordHeader{}, 0, exception.ErrTapeHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic) {
		return RecordHeader{}, 0, exception.ErrTapeInvalidMagic
	}
	if binary.LittleEndian.Uint16(src[4:6]) != recordVersion {
		return RecordHeader{}, 0, exception.ErrTapeVersion
	}
	if binary.LittleEndian.Uint16(src[6:8]) != recordHeaderSize {
		return RecordHeader{}, 0, exception.ErrTapeHeaderSize
	}
	return RecordHeader{
		Type:       pack.MessageType(binary.LittleEndian.Uint16(src[8:10])),
		Seq:        binary.LittleEndian.Uint64(src[16:24]),
		ConnID:     binary.LittleEndian.Uint64(src[24:32]),
		RecvTsNano: int64(binary.LittleEndian.Uint64(src[32:40])),
	}, int(binary.LittleEndian.Uint32(src[12:16])), nil
}

// verifyRecord checks the trailing checksum of a complete record.
func verifyRecord(rec []byte) bool {
	body := len(rec) - recordChecksumSize
	return crc32.Checksum(rec[:body], crcTable) == binary.LittleEndian.Uint32(rec[body:])
}
