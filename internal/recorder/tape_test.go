package recorder

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"fabric/internal/bus"
	"fabric/internal/pack"
	"fabric/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []bus.Event {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	return []bus.Event{
		{Seq: 1, ConnID: 0, RecvTsNano: at.UnixNano(), Message: pack.NewEventLog(pack.LevelInfo, "ingestd", "", "listening", at)},
		{Seq: 2, ConnID: 7, RecvTsNano: at.Add(time.Millisecond).UnixNano(), Message: pack.Login{Account: pack.NewStr16("ACC1")}},
		{Seq: 3, ConnID: 7, RecvTsNano: at.Add(3 * time.Millisecond).UnixNano(), Message: pack.Opaque{Kind: pack.MessageOrderInsert, Data: []byte("buy 1")}},
	}
}

func writeTape(t *testing.T, cfg Config, events []bus.Event) {
	t.Helper()
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	for _, e := range events {
		require.NoError(t, w.Handle(context.Background(), e))
	}
	require.NoError(t, w.Close())
}

func replay(t *testing.T, cfg PlaybackConfig) []bus.Event {
	t.Helper()
	p, err := NewPlayback(cfg)
	require.NoError(t, err)
	var got []bus.Event
	require.NoError(t, p.Run(context.Background(), func(e bus.Event) error {
		got = append(got, e)
		return nil
	}))
	return got
}

func TestTapeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	events := sampleEvents()
	writeTape(t, DefaultConfig(dir), events)

	files, err := ListSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, files, 1)

	assert.Equal(t, events, replay(t, PlaybackConfig{Dir: dir}))
}

func TestTapeRotatesSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SegmentMaxBytes = 100
	events := sampleEvents()
	writeTape(t, cfg, events)

	files, err := ListSegments(dir, cfg.FilePrefix)
	require.NoError(t, err)
	assert.Len(t, files, len(events))

	assert.Equal(t, events, replay(t, PlaybackConfig{Dir: dir}))
}

func TestTapeDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	writeTape(t, DefaultConfig(dir), sampleEvents()[:1])

	files, err := ListSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, files, 1)

	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	raw[recordHeaderSize+10] ^= 0xFF
	require.NoError(t, os.WriteFile(files[0], raw, 0o644))

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	_, err = NewReader(f, ReaderOptions{}).Next()
	assert.Equal(t, exception.ErrTapeChecksum, err)

	p, err := NewPlayback(PlaybackConfig{Dir: dir})
	require.NoError(t, err)
	assert.Error(t, p.Run(context.Background(), func(bus.Event) error { return nil }))
}

func TestWriterLifecycleErrors(t *testing.T) {
	w, err := NewWriter(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	e := sampleEvents()[0]

	assert.Equal(t, exception.ErrTapeNotStarted, w.TryAppend(e))
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, exception.ErrTapeStarted, w.Start(context.Background()))
	assert.Equal(t, SinkName, w.Name())
	require.NoError(t, w.Close())
	assert.Equal(t, exception.ErrTapeClosed, w.TryAppend(e))

	_, err = NewWriter(Config{})
	assert.Error(t, err)
}

type recordingClock struct {
	sleeps []time.Duration
}

func (c *recordingClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return nil
}

func TestPlaybackPacesByReceiveTime(t *testing.T) {
	dir := t.TempDir()
	writeTape(t, DefaultConfig(dir), sampleEvents())

	p, err := NewPlayback(PlaybackConfig{Dir: dir, Speed: 2})
	require.NoError(t, err)
	clock := &recordingClock{}
	p.WithClock(clock)

	n := 0
	require.NoError(t, p.Run(context.Background(), func(bus.Event) error {
		n++
		return nil
	}))
	assert.Equal(t, 3, n)
	assert.Equal(t, []time.Duration{500 * time.Microsecond, time.Millisecond}, clock.sleeps)
}

func TestPlaybackFromSeq(t *testing.T) {
	dir := t.TempDir()
	events := sampleEvents()
	writeTape(t, DefaultConfig(dir), events)

	assert.Equal(t, events[1:], replay(t, PlaybackConfig{Dir: dir, FromSeq: 2}))
}

func TestWriterAppendAndStats(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.QueueSize = 1
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	ctx := context.Background()
	for _, e := range sampleEvents() {
		require.NoError(t, w.Append(ctx, e))
	}
	require.NoError(t, w.Close())

	stats := w.Stats()
	assert.Equal(t, uint64(3), stats.Records)
	assert.Equal(t, uint64(1), stats.Segments)
	info, err := os.Stat(mustSegments(t, dir)[0])
	require.NoError(t, err)
	assert.Equal(t, int64(stats.Bytes), info.Size())

	assert.Equal(t, exception.ErrTapeClosed, w.Append(ctx, sampleEvents()[0]))
	assert.Equal(t, exception.ErrNilInstance, func() error {
		w2, err := NewWriter(DefaultConfig(t.TempDir()))
		require.NoError(t, err)
		require.NoError(t, w2.Start(ctx))
		defer w2.Close()
		return w2.TryAppend(bus.Event{Seq: 1})
	}())
}

func TestReaderTruncatedRecord(t *testing.T) {
	dir := t.TempDir()
	writeTape(t, DefaultConfig(dir), sampleEvents()[:1])

	raw, err := os.ReadFile(mustSegments(t, dir)[0])
	require.NoError(t, err)

	_, err = NewReader(bytes.NewReader(raw[:len(raw)-3]), ReaderOptions{}).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = NewReader(bytes.NewReader(raw), ReaderOptions{MaxPayloadSize: 8}).Next()
	assert.Equal(t, exception.ErrTapePayloadSize, err)

	raw[0] = 'X'
	_, err = NewReader(bytes.NewReader(raw), ReaderOptions{}).Next()
	assert.Equal(t, exception.ErrTapeInvalidMagic, err)
}

func mustSegments(t *testing.T, dir string) []string {
	t.Helper()
	files, err := ListSegments(dir, "")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	return files
}
