package recorder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"fabric/internal/bus"
	"fabric/pkg/exception"

	"github.com/yanun0323/errors"
)

// PlaybackConfig selects the tape to replay and how fast.
type PlaybackConfig struct {
	Dir        string
	FilePrefix string
	// Speed reproduces the receive-time gaps divided by Speed. Zero replays
	// as fast as the handler allows.
	Speed float64
	// FromSeq skips events with a lower sequence number.
	FromSeq         uint64
	DisableChecksum bool
	MaxPayloadSize  int
}

func (c PlaybackConfig) Validate() error {
	switch {
	case c.Dir == "":
		return errors.Wrap(exception.ErrConfigInvalid, "playback: Dir is empty")
	case c.Speed < 0:
		return errors.Wrap(exception.ErrConfigInvalid, "playback: Speed must be >= 0")
	case c.MaxPayloadSize < 0:
		return errors.Wrap(exception.ErrConfigInvalid, "playback: MaxPayloadSize must be >= 0")
	}
	return nil
}

// Clock sleeps between paced events.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Playback replays every segment of a tape in write order.
type Playback struct {
	cfg   PlaybackConfig
	clock Clock
}

func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = defaultFilePrefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Playback{cfg: cfg, clock: wallClock{}}, nil
}

// WithClock replaces the wall clock, mostly for tests.
func (p *Playback) WithClock(clock Clock) *Playback {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// Run calls handler for each event until the tape ends, ctx is done or the
// handler fails.
func (p *Playback) Run(ctx context.Context, handler func(bus.Event) error) error {
	if handler == nil {
		return exception.ErrNilInstance
	}
	files, err := ListSegments(p.cfg.Dir, p.cfg.FilePrefix)
	if err != nil {
		return err
	}
	pc := pacer{clock: p.clock, speed: p.cfg.Speed}
	for _, path := range files {
		if err := p.playSegment(ctx, path, &pc, handler); err != nil {
			return err
		}
	}
	return nil
}

func (p *Playback) playSegment(ctx context.Context, path string, pc *pacer, handler func(bus.Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open tape segment").With("path", path)
	}
	defer file.Close()

	reader := NewReader(file, ReaderOptions{
		DisableChecksum: p.cfg.DisableChecksum,
		MaxPayloadSize:  p.cfg.MaxPayloadSize,
	})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read tape segment").With("path", path)
		}
		if e.Seq < p.cfg.FromSeq {
			continue
		}
		if err := pc.wait(ctx, e.RecvTsNano); err != nil {
			return err
		}
		if err := handler(e); err != nil {
			return err
		}
	}
}

// pacer sleeps for the receive-time gap since the previous event.
type pacer struct {
	clock Clock
	speed float64
	last  int64
}

func (p *pacer) wait(ctx context.Context, at int64) error {
	if p.speed <= 0 || at <= 0 {
		return nil
	}
	prev := p.last
	p.last = at
	if prev <= 0 || at <= prev {
		return nil
	}
	return p.clock.Sleep(ctx, time.Duration(float64(at-prev)/p.speed))
}

// ListSegments returns the tape segments of prefix in dir, oldest first.
func ListSegments(dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = defaultFilePrefix
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrap(err, "list tape segments").With("dir", dir)
	}
	return filepath.Glob(filepath.Join(dir, prefix+"-*"+segmentSuffix))
}
