// Package chaos perturbs recorded event streams so downstream consumers can
// be exercised against loss, duplication, reordering and late arrival.
package chaos

import (
	"math/rand"
	"time"

	"fabric/internal/bus"

	"github.com/yanun0323/errors"
)

// Config controls chaos injection behavior.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	ReorderWindow int
	MaxDelay      time.Duration
}

// Engine applies chaos rules to events. It is not safe for concurrent use.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending []bus.Event

	dropped    uint64
	duplicated uint64
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return errors.New("invalid chaos config: DropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return errors.New("invalid chaos config: DuplicateRate must be between 0 and 1")
	}
	if c.ReorderWindow <= 0 {
		return errors.New("invalid chaos config: ReorderWindow must be >= 1")
	}
	if c.MaxDelay < 0 {
		return errors.New("invalid chaos config: MaxDelay must be >= 0")
	}
	return nil
}

// Process applies chaos to a single event and returns the events to emit now.
// With a reorder window above one, events are held back until the window fills.
func (e *Engine) Process(ev bus.Event) []bus.Event {
	if e == nil {
		return []bus.Event{ev}
	}
	if e.shouldDrop() {
		e.dropped++
		return nil
	}
	ev = e.applyDelay(ev)
	if e.cfg.ReorderWindow <= 1 {
		return e.applyDuplicate(ev)
	}
	e.pending = append(e.pending, ev)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	return e.applyDuplicate(e.takeRandom())
}

// Flush returns any events still held by the reorder window.
func (e *Engine) Flush() []bus.Event {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([]bus.Event, 0, len(e.pending))
	for len(e.pending) > 0 {
		out = append(out, e.applyDuplicate(e.takeRandom())...)
	}
	return out
}

// Dropped returns how many events Process discarded.
func (e *Engine) Dropped() uint64 { return e.dropped }

// Duplicated returns how many extra copies were emitted.
func (e *Engine) Duplicated() uint64 { return e.duplicated }

func (e *Engine) takeRandom() bus.Event {
	idx := e.rng.Intn(len(e.pending))
	ev := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return ev
}

func (e *Engine) shouldDrop() bool {
	return e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate
}

func (e *Engine) applyDuplicate(ev bus.Event) []bus.Event {
	out := []bus.Event{ev}
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		e.duplicated++
		out = append(out, ev)
	}
	return out
}

func (e *Engine) applyDelay(ev bus.Event) bus.Event {
	maxDelay := e.cfg.MaxDelay.Nanoseconds()
	if maxDelay <= 0 || ev.RecvTsNano <= 0 {
		return ev
	}
	ev.RecvTsNano += e.rng.Int63n(maxDelay + 1)
	return ev
}
