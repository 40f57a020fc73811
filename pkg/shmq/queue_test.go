package shmq

import (
	"sync"
	"sync/atomic"
	"testing"

	"fabric/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tick struct {
	Seq   int64
	Bid   int64
	Ask   int64
	Size  int64
	Label [16]byte
}

func newTick(n int64) tick {
	t := tick{Seq: n, Bid: n, Ask: n, Size: n}
	for i := range t.Label {
		t.Label[i] = byte(n)
	}
	return t
}

func (t tick) consistent() bool {
	if t.Bid != t.Seq || t.Ask != t.Seq || t.Size != t.Seq {
		return false
	}
	for _, b := range t.Label {
		if b != byte(t.Seq) {
			return false
		}
	}
	return true
}

func attach(t *testing.T, capacity int, key uint32, dir string) *Queue[tick] {
	t.Helper()
	q, err := Attach[tick](capacity, key, WithDir(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestAttachInitializesSegment(t *testing.T) {
	q := attach(t, 8, 0x1001, t.TempDir())

	assert.Equal(t, 8, q.Capacity())
	assert.Equal(t, uint32(0x1001), q.Key())
	assert.Equal(t, CursorAttached, q.Cursor())
	assert.Equal(t, CursorIdle, q.LastPublishedIndex())

	var out tick
	assert.False(t, q.ReadLatest(&out))
	assert.False(t, q.Written(0))
}

func TestAttachRejectsInvalidInput(t *testing.T) {
	dir := t.TempDir()

	_, err := Attach[tick](0, 1, WithDir(dir))
	require.ErrorIs(t, err, exception.ErrShmInvalidCapacity)

	type withString struct {
		Name string
	}
	_, err = Attach[withString](4, 2, WithDir(dir))
	require.Error(t, err)

	type withSlice struct {
		N    int64
		Rows []int64
	}
	_, err = Attach[withSlice](4, 3, WithDir(dir))
	require.Error(t, err)
}

func TestAttachRejectsLayoutMismatch(t *testing.T) {
	dir := t.TempDir()
	_ = attach(t, 8, 7, dir)

	_, err := Attach[tick](16, 7, WithDir(dir))
	require.ErrorIs(t, err, exception.ErrShmLayoutMismatch)
}

func TestWriteThenReadSameIndex(t *testing.T) {
	q := attach(t, 32, 11, t.TempDir())

	for i := 0; i < q.Capacity(); i++ {
		want := newTick(int64(i) + 100)
		require.True(t, q.Write(i, want), "write %d", i)

		var got tick
		require.True(t, q.Read(i, &got), "read %d", i)
		assert.Equal(t, want, got)
		assert.True(t, q.Written(i))
		assert.Equal(t, CursorIdle, q.Cursor())
	}
}

func TestWriteOutOfRangeLeavesSlotsUntouched(t *testing.T) {
	q := attach(t, 4, 12, t.TempDir())

	for i := 0; i < 4; i++ {
		require.True(t, q.Write(i, newTick(int64(i+1))))
	}

	assert.False(t, q.Write(4, newTick(99)))
	assert.False(t, q.Write(100, newTick(99)))
	assert.False(t, q.Write(-1, newTick(99)))

	for i := 0; i < 4; i++ {
		var got tick
		require.True(t, q.Read(i, &got))
		assert.Equal(t, newTick(int64(i+1)), got)
	}
	assert.Equal(t, 3, q.LastPublishedIndex())

	var out tick
	assert.False(t, q.Read(4, &out))
	assert.False(t, q.Read(-1, &out))
	assert.False(t, q.Read(0, nil))
}

func TestWriteRejectsIndexUnderWrite(t *testing.T) {
	q := attach(t, 4, 13, t.TempDir())

	q.hdr.Cursor = 2
	assert.False(t, q.Write(2, newTick(1)))
	assert.False(t, q.Written(2))

	var out tick
	assert.False(t, q.Read(2, &out))

	assert.True(t, q.Write(1, newTick(1)))
	assert.Equal(t, CursorIdle, q.Cursor())
}

func TestLastPublishedFollowsWrites(t *testing.T) {
	q := attach(t, 16, 14, t.TempDir())

	for _, i := range []int{0, 3, 7, 12} {
		require.True(t, q.Write(i, newTick(int64(i))))
	}
	assert.Equal(t, 12, q.LastPublishedIndex())

	var latest tick
	require.True(t, q.ReadLatest(&latest))
	assert.Equal(t, newTick(12), latest)
}

func TestResetCursor(t *testing.T) {
	q := attach(t, 8, 15, t.TempDir())

	require.True(t, q.Write(2, newTick(2)))
	require.True(t, q.Write(5, newTick(5)))

	require.True(t, q.ResetCursor(2))
	var latest tick
	require.True(t, q.ReadLatest(&latest))
	assert.Equal(t, newTick(2), latest)

	assert.False(t, q.ResetCursor(8))
	assert.False(t, q.ResetCursor(-2))
	assert.Equal(t, 2, q.LastPublishedIndex())

	require.True(t, q.ResetCursor(CursorIdle))
	assert.False(t, q.ReadLatest(&latest))
}

func TestSequentialFillScenario(t *testing.T) {
	dir := t.TempDir()
	writer := attach(t, 1000, 0xC0FFEE, dir)
	reader := attach(t, 1000, 0xC0FFEE, dir)

	for i := 0; i < 1000; i++ {
		require.True(t, writer.Write(i, newTick(int64(i))))
	}

	var latest tick
	require.True(t, reader.ReadLatest(&latest))
	assert.Equal(t, int64(999), latest.Seq)
	assert.Equal(t, 999, reader.LastPublishedIndex())

	assert.False(t, reader.Write(1000, newTick(1000)))
	assert.Equal(t, 999, writer.LastPublishedIndex())
}

func TestSecondAttachSharesSegment(t *testing.T) {
	dir := t.TempDir()
	writer := attach(t, 8, 21, dir)
	require.True(t, writer.Write(3, newTick(33)))

	reader := attach(t, 8, 21, dir)
	assert.Equal(t, CursorIdle, reader.Cursor())

	var got tick
	require.True(t, reader.Read(3, &got))
	assert.Equal(t, newTick(33), got)

	require.NoError(t, writer.Close())
	require.True(t, reader.Read(3, &got))
	assert.Equal(t, newTick(33), got)
}

func TestWriterRestartAfterCrashMidWrite(t *testing.T) {
	dir := t.TempDir()
	crashed, err := Attach[tick](4, 22, WithDir(dir))
	require.NoError(t, err)
	require.True(t, crashed.Write(2, newTick(2)))

	// leave slot 2 as a writer killed between the two sequence stores would
	atomic.StoreInt64(&crashed.hdr.Cursor, 2)
	atomic.AddUint64(&crashed.seq[2], 1)
	require.NoError(t, crashed.Close())

	q := attach(t, 4, 22, dir)
	assert.Equal(t, 2, q.Cursor())
	assert.False(t, q.Write(2, newTick(7)))

	assert.Equal(t, 2, q.ResetWriteCursor())
	assert.Equal(t, CursorIdle, q.Cursor())
	assert.Equal(t, CursorIdle, q.ResetWriteCursor())

	var out tick
	assert.False(t, q.Read(2, &out))
	assert.False(t, q.Written(2))

	require.True(t, q.Write(1, newTick(1)))
	require.True(t, q.Write(2, newTick(7)))
	assert.Zero(t, atomic.LoadUint64(&q.seq[2])&1)
	assert.True(t, q.Written(2))
	require.True(t, q.Read(2, &out))
	assert.Equal(t, newTick(7), out)
	require.True(t, q.ReadLatest(&out))
	assert.Equal(t, newTick(7), out)
}

func TestResetWriteCursorOnFreshSegment(t *testing.T) {
	q := attach(t, 4, 23, t.TempDir())
	assert.Equal(t, CursorIdle, q.ResetWriteCursor())
	assert.Equal(t, CursorAttached, q.Cursor())

	var nilQueue *Queue[tick]
	assert.Equal(t, CursorIdle, nilQueue.ResetWriteCursor())
}

func TestRemoveUnlinksSegment(t *testing.T) {
	dir := t.TempDir()
	q, err := Attach[tick](4, 31, WithDir(dir))
	require.NoError(t, err)
	require.True(t, q.Write(0, newTick(5)))
	require.NoError(t, q.Close())

	require.NoError(t, Remove(31, WithDir(dir)))
	require.NoError(t, Remove(31, WithDir(dir)))

	fresh := attach(t, 4, 31, dir)
	assert.Equal(t, CursorAttached, fresh.Cursor())
	assert.False(t, fresh.Written(0))
}

func TestClosedQueueRejectsOperations(t *testing.T) {
	q, err := Attach[tick](4, 41, WithDir(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	var out tick
	assert.False(t, q.Write(0, newTick(1)))
	assert.False(t, q.Read(0, &out))
	assert.False(t, q.ReadLatest(&out))
	assert.ErrorIs(t, q.Flush(), exception.ErrShmClosed)
}

func TestConcurrentReadersNeverSeeTornSlots(t *testing.T) {
	dir := t.TempDir()
	const capacity = 4
	writer := attach(t, capacity, 51, dir)

	var (
		stop atomic.Bool
		torn atomic.Int64
		seen atomic.Int64
		wg   sync.WaitGroup
	)

	for r := 0; r < 4; r++ {
		reader := attach(t, capacity, 51, dir)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out tick
			for {
				for i := 0; i < capacity; i++ {
					if reader.Read(i, &out) {
						seen.Add(1)
						if !out.consistent() {
							torn.Add(1)
						}
					}
				}
				if reader.ReadLatest(&out) && !out.consistent() {
					torn.Add(1)
				}
				if stop.Load() {
					return
				}
			}
		}()
	}

	for n := int64(1); n <= 20000; n++ {
		writer.Write(int(n%capacity), newTick(n))
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, torn.Load())
	assert.NotZero(t, seen.Load())
}

func BenchmarkWrite(b *testing.B) {
	q, err := Attach[tick](1024, 61, WithDir(b.TempDir()))
	if err != nil {
		b.Fatalf("Attach: %v", err)
	}
	defer q.Close()

	v := newTick(1)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Write(i&1023, v)
	}
}

func BenchmarkReadLatest(b *testing.B) {
	q, err := Attach[tick](1024, 62, WithDir(b.TempDir()))
	if err != nil {
		b.Fatalf("Attach: %v", err)
	}
	defer q.Close()
	q.Write(0, newTick(1))

	var out tick
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.ReadLatest(&out)
	}
}
