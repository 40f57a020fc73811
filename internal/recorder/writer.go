package recorder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"fabric/internal/bus"
	"fabric/internal/pack"
	"fabric/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// SinkName identifies the tape writer among dispatch sinks.
const SinkName = "tape"

// Writer appends queue events to rolling tape segments. Encoding happens on
// the caller's goroutine, file IO on the writer's own.
type Writer struct {
	cfg     Config
	records chan []byte
	done    chan struct{}
	err     atomic.Pointer[error]

	state     atomic.Uint32
	closeOnce sync.Once

	written  atomic.Uint64
	bytes    atomic.Uint64
	segments atomic.Uint64
}

const (
	writerIdle uint32 = iota
	writerRunning
	writerClosed
)

// Stats is a snapshot of the writer's progress.
type Stats struct {
	Records  uint64
	Bytes    uint64
	Segments uint64
}

// NewWriter creates a tape writer and ensures the target directory exists.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create tape dir").With("dir", cfg.Dir)
	}
	return &Writer{
		cfg:     cfg,
		records: make(chan []byte, cfg.QueueSize),
		done:    make(chan struct{}),
	}, nil
}

// Start runs the file loop until ctx is done or Close is called.
func (w *Writer) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(writerIdle, writerRunning) {
		return exception.ErrTapeStarted
	}
	go func() {
		defer close(w.done)
		w.loop(ctx)
	}()
	return nil
}

// Close stops accepting records, writes what is queued and closes the
// current segment. It returns the first write error, if any. Appends must
// not race with Close.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		prev := w.state.Swap(writerClosed)
		close(w.records)
		if prev == writerIdle {
			close(w.done)
		}
	})
	<-w.done
	return w.Err()
}

// Err returns the first error the file loop hit. The loop stops on it.
func (w *Writer) Err() error {
	if p := w.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns how much has been written so far.
func (w *Writer) Stats() Stats {
	return Stats{
		Records:  w.written.Load(),
		Bytes:    w.bytes.Load(),
		Segments: w.segments.Load(),
	}
}

func (w *Writer) Name() string { return SinkName }

// Handle records e without blocking the dispatcher.
func (w *Writer) Handle(_ context.Context, e bus.Event) error {
	return w.TryAppend(e)
}

// TryAppend encodes e and queues it. A full queue reports ErrTapeQueueFull.
func (w *Writer) TryAppend(e bus.Event) error {
	rec, err := w.prepare(e)
	if err != nil {
		return err
	}
	select {
	case w.records <- rec:
		return nil
	default:
		return exception.ErrTapeQueueFull
	}
}

// Append is TryAppend that waits for queue room until ctx is done.
func (w *Writer) Append(ctx context.Context, e bus.Event) error {
	rec, err := w.prepare(e)
	if err != nil {
		return err
	}
	select {
	case w.records <- rec:
		return nil
	case <-w.done:
		return w.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) prepare(e bus.Event) ([]byte, error) {
	switch w.state.Load() {
	case writerIdle:
		return nil, exception.ErrTapeNotStarted
	case writerClosed:
		return nil, exception.ErrTapeClosed
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	if e.Message == nil {
		return nil, exception.ErrNilInstance
	}
	payload, err := pack.Encode(e.Message)
	if err != nil {
		return nil, err
	}
	return appendRecord(make([]byte, 0, recordSize(len(payload))), RecordHeader{
		Type:       e.Message.Type(),
		Seq:        e.Seq,
		ConnID:     e.ConnID,
		RecvTsNano: e.RecvTsNano,
	}, payload), nil
}

func (w *Writer) closedErr() error {
	if err := w.Err(); err != nil {
		return err
	}
	return exception.ErrTapeClosed
}

func (w *Writer) fail(err error) {
	w.err.CompareAndSwap(nil, &err)
}

func (w *Writer) loop(ctx context.Context) {
	flushTick := newTicker(w.cfg.FlushInterval)
	defer flushTick.Stop()
	syncTick := newTicker(w.cfg.SyncInterval)
	defer syncTick.Stop()

	var seg *segment
	defer func() {
		if err := seg.close(); err != nil {
			w.fail(err)
		}
	}()

	write := func(rec []byte) bool {
		next, err := w.rotate(seg, int64(len(rec)))
		if err != nil {
			w.fail(err)
			return false
		}
		seg = next
		if err := seg.write(rec); err != nil {
			w.fail(errors.Wrap(err, "write tape record").With("path", seg.path))
			return false
		}
		w.written.Add(1)
		w.bytes.Add(uint64(len(rec)))
		return true
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec, ok := <-w.records:
					if !ok || !write(rec) {
						return
					}
				default:
					return
				}
			}
		case rec, ok := <-w.records:
			if !ok || !write(rec) {
				return
			}
		case <-flushTick.C:
			if err := seg.flush(); err != nil {
				w.fail(err)
				return
			}
		case <-syncTick.C:
			if err := seg.sync(); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

// rotate returns the segment the next record of size n goes to.
func (w *Writer) rotate(seg *segment, n int64) (*segment, error) {
	now := time.Now().UTC()
	if seg != nil && !seg.full(now, n, w.cfg.SegmentMaxBytes, w.cfg.SegmentMaxDuration) {
		return seg, nil
	}
	if err := seg.close(); err != nil {
		return nil, err
	}
	next, err := w.openSegment(now)
	if err != nil {
		return nil, err
	}
	w.segments.Add(1)
	logs.Debugf("tape: open segment %s", next.path)
	return next, nil
}

func (w *Writer) openSegment(now time.Time) (*segment, error) {
	stamp := now.Format("20060102-150405")
	for n := w.segments.Load() + 1; ; n++ {
		path := filepath.Join(w.cfg.Dir, fmt.Sprintf("%s-%s-%06d%s", w.cfg.FilePrefix, stamp, n, segmentSuffix))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "open tape segment").With("path", path)
		}
		return &segment{
			path:     path,
			file:     file,
			buf:      bufio.NewWriterSize(file, w.cfg.BufferSize),
			openedAt: now,
		}, nil
	}
}

// segment is one open tape file. Its methods accept a nil receiver.
type segment struct {
	path     string
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}

func (s *segment) full(now time.Time, next, maxBytes int64, maxAge time.Duration) bool {
	if maxBytes > 0 && s.size+next > maxBytes {
		return true
	}
	return maxAge > 0 && now.Sub(s.openedAt) >= maxAge
}

func (s *segment) write(rec []byte) error {
	n, err := s.buf.Write(rec)
	s.size += int64(n)
	return err
}

func (s *segment) flush() error {
	if s == nil {
		return nil
	}
	return s.buf.Flush()
}

func (s *segment) sync() error {
	if s == nil {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if s == nil {
		return nil
	}
	err := s.sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "close tape segment").With("path", s.path)
	}
	return nil
}

// stoppableTicker is a ticker whose channel never fires for a zero interval.
type stoppableTicker struct {
	C <-chan time.Time
	t *time.Ticker
}

func newTicker(d time.Duration) stoppableTicker {
	if d <= 0 {
		return stoppableTicker{}
	}
	t := time.NewTicker(d)
	return stoppableTicker{C: t.C, t: t}
}

func (t stoppableTicker) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
