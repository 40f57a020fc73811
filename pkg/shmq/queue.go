// Package shmq implements an index-addressed snapshot queue that lives in a
// shared memory segment. One writer process publishes fixed-layout records
// by index; any number of reader processes read them by index or ask for the
// most recently published one.
//
// The queue never wraps: callers own the index space and must keep it inside
// [0, capacity), e.g. by reducing a running counter modulo Capacity().
//
// Segment layout:
//
//	[0,128)              header: magic, version, capacity, slot size,
//	                     write cursor, last-published index
//	[128, 128+8N)        per-slot sequence words (odd while a write is in flight)
//	[slotOff, +N*size)   N slots of T, slotOff aligned to a cache line
package shmq

import (
	"os"
	"reflect"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"fabric/pkg/exception"

	"github.com/edsrzf/mmap-go"
	"github.com/yanun0323/errors"
)

// Queue is a view of a shared snapshot segment holding records of type T.
// T must be identical, field for field, in every attached process.
//
// Readers may use a Queue concurrently. Write and ResetWriteCursor belong to
// the single writer: exactly one process, and one goroutine within it, may
// call them. Close must not race with any other method.
type Queue[T any] struct {
	key      uint32
	path     string
	capacity int
	retries  int
	locked   bool

	file  *os.File
	mm    mmap.MMap
	hdr   *header
	seq   []uint64
	slots []T
}

// Attach maps the segment identified by key, creating and initializing it
// when it does not exist yet.
func Attach[T any](capacity int, key uint32, opts ...Option) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, exception.ErrShmInvalidCapacity
	}
	typ := reflect.TypeFor[T]()
	if err := checkFixedLayout(typ); err != nil {
		return nil, err
	}
	if typ.Size() == 0 {
		return nil, errors.Wrap(exception.ErrShmNotFixedLayout, "zero-sized record")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	lay := newLayout(capacity, typ.Size(), uintptr(typ.Align()))
	path := SegmentPath(o.dir, key)

	file, created, err := openSegment(path, lay.total, o.initTimeout)
	if err != nil {
		return nil, err
	}

	m, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		_ = file.Close()
		if created {
			_ = os.Remove(path)
		}
		return nil, errors.Wrap(err, "mmap segment").With("path", path)
	}
	if o.lockMemory {
		_ = m.Lock()
	}

	hdr := (*header)(unsafe.Pointer(&m[0]))
	if created {
		hdr.Version = segmentVersion
		hdr.Capacity = uint64(capacity)
		hdr.SlotSize = uint64(lay.slotSize)
		atomic.StoreInt64(&hdr.Cursor, CursorAttached)
		atomic.StoreInt64(&hdr.Last, CursorIdle)
		atomic.StoreUint32(&hdr.Magic, segmentMagic)
	} else if err := waitReady(hdr, lay, o.initTimeout); err != nil {
		_ = m.Unmap()
		_ = file.Close()
		return nil, errors.Wrap(err, "attach segment").With("path", path)
	}

	return &Queue[T]{
		key:      key,
		path:     path,
		capacity: capacity,
		retries:  o.readRetries,
		locked:   o.lockMemory,
		file:     file,
		mm:       m,
		hdr:      hdr,
		seq:      unsafe.Slice((*uint64)(unsafe.Pointer(&m[lay.seqOff])), capacity),
		slots:    unsafe.Slice((*T)(unsafe.Pointer(&m[lay.slotOff])), capacity),
	}, nil
}

// Remove unlinks the segment for key. Mappings that are still attached stay
// valid until they are closed.
func Remove(key uint32, opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.Remove(SegmentPath(o.dir, key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove segment")
	}
	return nil
}

// Write copies v into slot index and publishes index as the latest snapshot.
// It returns false without touching the segment when index is outside
// [0, capacity) or the write cursor already points at index.
func (q *Queue[T]) Write(index int, v T) bool {
	if q == nil || q.hdr == nil || index < 0 || index >= q.capacity {
		return false
	}
	if atomic.LoadInt64(&q.hdr.Cursor) == int64(index) {
		return false
	}

	atomic.StoreInt64(&q.hdr.Cursor, int64(index))

	// an odd word left by a writer that died mid-copy is rounded down
	seq := &q.seq[index]
	base := atomic.LoadUint64(seq) &^ 1
	atomic.StoreUint64(seq, base+1)
	q.slots[index] = v
	atomic.StoreUint64(seq, base+2)

	atomic.StoreInt64(&q.hdr.Last, int64(index))
	atomic.StoreInt64(&q.hdr.Cursor, CursorIdle)
	return true
}

// Read copies slot index into out. It returns false when index is outside
// [0, capacity), when the writer is currently on index, or when the slot kept
// changing for every retry. A slot never written reads as the zero value.
func (q *Queue[T]) Read(index int, out *T) bool {
	if q == nil || q.hdr == nil || out == nil || index < 0 || index >= q.capacity {
		return false
	}

	seq := &q.seq[index]
	for i := 0; i < q.retries; i++ {
		if atomic.LoadInt64(&q.hdr.Cursor) == int64(index) {
			return false
		}
		before := atomic.LoadUint64(seq)
		if before&1 == 1 {
			runtime.Gosched()
			continue
		}
		v := q.slots[index]
		if atomic.LoadUint64(seq) == before {
			*out = v
			return true
		}
	}
	return false
}

// ReadLatest reads the most recently published slot.
func (q *Queue[T]) ReadLatest(out *T) bool {
	idx := q.LastPublishedIndex()
	if idx < 0 {
		return false
	}
	return q.Read(idx, out)
}

// LastPublishedIndex returns the index of the most recently completed write,
// or CursorIdle when nothing has been published.
func (q *Queue[T]) LastPublishedIndex() int {
	if q == nil || q.hdr == nil {
		return CursorIdle
	}
	return int(atomic.LoadInt64(&q.hdr.Last))
}

// ResetCursor rebases the last-published index, e.g. after a writer restart.
// CursorIdle clears it. Any other index must be below capacity.
func (q *Queue[T]) ResetCursor(index int) bool {
	if q == nil || q.hdr == nil || index < CursorIdle || index >= q.capacity {
		return false
	}
	atomic.StoreInt64(&q.hdr.Last, int64(index))
	return true
}

// ResetWriteCursor clears a write cursor left on a slot by a writer that
// exited mid-write, so that slot can be written again. It returns the stale
// index, or CursorIdle when no write was in flight. A restarted writer calls
// it once before its first Write.
func (q *Queue[T]) ResetWriteCursor() int {
	if q == nil || q.hdr == nil {
		return CursorIdle
	}
	cur := atomic.LoadInt64(&q.hdr.Cursor)
	if cur < 0 {
		return CursorIdle
	}
	atomic.StoreInt64(&q.hdr.Cursor, CursorIdle)
	return int(cur)
}

// Cursor returns the raw write cursor: the slot under write, CursorIdle,
// or CursorAttached when the segment was never written.
func (q *Queue[T]) Cursor() int {
	if q == nil || q.hdr == nil {
		return CursorIdle
	}
	return int(atomic.LoadInt64(&q.hdr.Cursor))
}

// Written reports whether slot index has completed at least one write.
func (q *Queue[T]) Written(index int) bool {
	if q == nil || q.hdr == nil || index < 0 || index >= q.capacity {
		return false
	}
	s := atomic.LoadUint64(&q.seq[index])
	return s != 0 && s&1 == 0
}

// Capacity returns the fixed slot count.
func (q *Queue[T]) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

// Key returns the segment key.
func (q *Queue[T]) Key() uint32 {
	if q == nil {
		return 0
	}
	return q.key
}

// Path returns the file backing the segment.
func (q *Queue[T]) Path() string {
	if q == nil {
		return ""
	}
	return q.path
}

// Flush syncs the mapping to its backing file. Only useful when the segment
// lives on a disk-backed directory.
func (q *Queue[T]) Flush() error {
	if q == nil || q.mm == nil {
		return exception.ErrShmClosed
	}
	return q.mm.Flush()
}

// Close unmaps the segment. The segment itself survives until Remove.
func (q *Queue[T]) Close() error {
	if q == nil || q.mm == nil {
		return nil
	}
	q.hdr = nil
	q.seq = nil
	q.slots = nil
	if q.locked {
		_ = q.mm.Unlock()
	}
	err := q.mm.Unmap()
	q.mm = nil
	if cerr := q.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func openSegment(path string, size int, timeout time.Duration) (*os.File, bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err == nil {
		if err := file.Truncate(int64(size)); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return nil, false, errors.Wrap(err, "truncate segment").With("path", path)
		}
		return file, true, nil
	}
	if !os.IsExist(err) {
		return nil, false, errors.Wrap(err, "create segment").With("path", path)
	}

	file, err = os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, false, errors.Wrap(err, "open segment").With("path", path)
	}

	// The creator truncates right after O_EXCL; a zero size means it is
	// still on its way.
	deadline := time.Now().Add(timeout)
	for {
		info, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, false, errors.Wrap(err, "stat segment").With("path", path)
		}
		switch {
		case info.Size() == int64(size):
			return file, false, nil
		case info.Size() != 0:
			_ = file.Close()
			return nil, false, exception.ErrShmLayoutMismatch
		case time.Now().After(deadline):
			_ = file.Close()
			return nil, false, exception.ErrShmInitTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func waitReady(hdr *header, lay layout, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(&hdr.Magic) != segmentMagic {
		if time.Now().After(deadline) {
			return exception.ErrShmInitTimeout
		}
		time.Sleep(time.Millisecond)
	}
	if hdr.Version != segmentVersion ||
		hdr.Capacity != uint64(lay.capacity) ||
		hdr.SlotSize != uint64(lay.slotSize) {
		return exception.ErrShmLayoutMismatch
	}
	return nil
}
