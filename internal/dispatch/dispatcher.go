// Package dispatch drains the event queue and fans every entry out to the
// configured sinks.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"fabric/internal/bus"
	"fabric/internal/obs"
	"fabric/internal/sink"

	"github.com/yanun0323/logs"
)

// Source is the consumer side of the event queue.
type Source interface {
	PopContext(ctx context.Context) (bus.Event, error)
	TryPop() (bus.Event, bool)
}

type Option func(*Dispatcher)

func WithMetrics(m *obs.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithSinkTimeout bounds one Handle call per sink.
func WithSinkTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.sinkTimeout = timeout
	}
}

// Dispatcher delivers events to sinks in queue order. A failing sink is
// logged and counted; the other sinks still receive the event.
type Dispatcher struct {
	src         Source
	sinks       []sink.Sink
	metrics     *obs.Metrics
	sinkTimeout time.Duration
	now         func() time.Time

	dispatched atomic.Uint64
	failures   atomic.Uint64
}

func New(src Source, sinks []sink.Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		src:   src,
		sinks: sinks,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run dispatches until ctx is done or the queue is closed and empty. On
// return it drains whatever is still queued, so a shutdown that closes the
// queue before cancelling loses nothing.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		e, err := d.src.PopContext(ctx)
		if err != nil {
			d.Drain(context.WithoutCancel(ctx))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		d.Dispatch(ctx, e)
	}
}

// Drain dispatches everything currently queued without blocking.
func (d *Dispatcher) Drain(ctx context.Context) int {
	n := 0
	for {
		e, ok := d.src.TryPop()
		if !ok {
			return n
		}
		d.Dispatch(ctx, e)
		n++
	}
}

// Dispatch hands e to every sink.
func (d *Dispatcher) Dispatch(ctx context.Context, e bus.Event) {
	for _, s := range d.sinks {
		if err := d.handle(ctx, s, e); err != nil {
			d.failures.Add(1)
			d.metrics.SinkError(s.Name())
			logs.Errorf("dispatch: sink %s failed on event #%d, err: %+v", s.Name(), e.Seq, err)
		}
	}
	d.dispatched.Add(1)
	if e.RecvTsNano > 0 {
		d.metrics.ObserveDispatch(d.now().Sub(time.Unix(0, e.RecvTsNano)))
	}
}

func (d *Dispatcher) handle(ctx context.Context, s sink.Sink, e bus.Event) error {
	if d.sinkTimeout <= 0 {
		return s.Handle(ctx, e)
	}
	ctx, cancel := context.WithTimeout(ctx, d.sinkTimeout)
	defer cancel()
	return s.Handle(ctx, e)
}

// Dispatched returns how many events went through the sinks.
func (d *Dispatcher) Dispatched() uint64 {
	return d.dispatched.Load()
}

// Failures returns how many sink calls failed.
func (d *Dispatcher) Failures() uint64 {
	return d.failures.Load()
}
