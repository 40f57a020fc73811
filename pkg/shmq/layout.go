package shmq

import (
	"fmt"
	"path/filepath"
	"reflect"
	"unsafe"

	"fabric/pkg/exception"

	"github.com/yanun0323/errors"
)

const (
	segmentMagic   uint32 = 0x534E4150 // "SNAP"
	segmentVersion uint32 = 1

	cacheLine  = 64
	headerSize = 2 * cacheLine
	seqSize    = 8
)

// Cursor sentinels stored in the write cursor word.
const (
	CursorIdle     = -1
	CursorAttached = -2
)

// header is the control block at offset 0 of every segment.
// Cursor and Last live on their own cache line.
type header struct {
	Magic    uint32
	Version  uint32
	Capacity uint64
	SlotSize uint64
	_        [40]byte
	Cursor   int64
	Last     int64
	_        [48]byte
}

func init() {
	if unsafe.Sizeof(header{}) != headerSize {
		panic(fmt.Sprintf("shmq header size is %d, expected %d", unsafe.Sizeof(header{}), headerSize))
	}
}

// layout describes where each region of a segment starts.
type layout struct {
	capacity int
	slotSize int
	seqOff   int
	slotOff  int
	total    int
}

func newLayout(capacity int, slotSize, slotAlign uintptr) layout {
	align := uintptr(cacheLine)
	if slotAlign > align {
		align = slotAlign
	}
	seqOff := headerSize
	slotOff := alignUp(uintptr(seqOff+capacity*seqSize), align)
	return layout{
		capacity: capacity,
		slotSize: int(slotSize),
		seqOff:   seqOff,
		slotOff:  int(slotOff),
		total:    int(slotOff) + capacity*int(slotSize),
	}
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// SegmentPath returns the file backing the segment for key inside dir.
func SegmentPath(dir string, key uint32) string {
	return filepath.Join(dir, fmt.Sprintf("shmq-%08x", key))
}

// checkFixedLayout rejects types whose in-memory image holds
// process-local addresses.
func checkFixedLayout(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkFixedLayout(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := checkFixedLayout(f.Type); err != nil {
				return errors.Wrap(err, "field "+f.Name)
			}
		}
		return nil
	default:
		return errors.Wrap(exception.ErrShmNotFixedLayout, t.Kind().String())
	}
}
