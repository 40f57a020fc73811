package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fabric/internal/pack"
	"fabric/pkg/exception"
)

// OverflowPolicy decides what Publish does when the queue is full.
type OverflowPolicy uint8

const (
	// OverflowDropOldest evicts the oldest queued event. Producers never block.
	OverflowDropOldest OverflowPolicy = iota
	// OverflowDropNewest rejects the incoming event with ErrQueueFull.
	OverflowDropNewest
	// OverflowBlock waits for room. Socket goroutines stall while they wait.
	OverflowBlock
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropOldest:
		return "drop_oldest"
	case OverflowDropNewest:
		return "drop_newest"
	case OverflowBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy maps a config string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "drop_oldest":
		return OverflowDropOldest, true
	case "drop_newest":
		return OverflowDropNewest, true
	case "block":
		return OverflowBlock, true
	default:
		return OverflowDropOldest, false
	}
}

// Event is the unit passed through the in-memory bus.
type Event struct {
	Seq        uint64
	ConnID     uint64
	RecvTsNano int64
	Message    pack.Message
}

// Queue is a bounded multi-producer ring of events.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []Event
	head     int
	tail     int
	size     int
	seq      uint64
	closed   bool
	policy   OverflowPolicy
	now      func() time.Time

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		buf:    make([]Event, capacity),
		policy: policy,
		now:    time.Now,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Publish stamps msg with the next sequence number and enqueues it
// according to the overflow policy.
func (q *Queue) Publish(connID uint64, msg pack.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return exception.ErrQueueClosed
		}
		if q.size < len(q.buf) {
			q.seq++
			q.buf[q.tail] = Event{
				Seq:        q.seq,
				ConnID:     connID,
				RecvTsNano: q.now().UnixNano(),
				Message:    msg,
			}
			q.tail = (q.tail + 1) % len(q.buf)
			q.size++
			q.published.Add(1)
			q.notEmpty.Signal()
			return nil
		}
		switch q.policy {
		case OverflowBlock:
			q.notFull.Wait()
		case OverflowDropOldest:
			q.buf[q.head] = Event{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.dropped.Add(1)
		default:
			q.dropped.Add(1)
			return exception.ErrQueueFull
		}
	}
}

// Pop dequeues the next event, blocking until one is available.
// It returns false once the queue is closed and empty.
func (q *Queue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.size > 0 {
			return q.popLocked(), true
		}
		if q.closed {
			return Event{}, false
		}
		q.notEmpty.Wait()
	}
}

// PopContext is Pop bounded by ctx. It returns ErrQueueClosed once the queue
// is closed and drained, or the context error.
func (q *Queue) PopContext(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.size > 0 {
			return q.popLocked(), nil
		}
		if q.closed {
			return Event{}, exception.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		q.notEmpty.Wait()
	}
}

// TryPop dequeues without blocking.
func (q *Queue) TryPop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Event{}, false
	}
	return q.popLocked(), true
}

// Drain removes and returns everything currently queued.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Event, 0, q.size)
	for q.size > 0 {
		out = append(out, q.popLocked())
	}
	return out
}

func (q *Queue) popLocked() Event {
	e := q.buf[q.head]
	q.buf[q.head] = Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	q.notFull.Signal()
	return e
}

// Run consumes events until the context is done or the queue is closed
// and drained.
func (q *Queue) Run(ctx context.Context, handler func(Event)) {
	for {
		e, err := q.PopContext(ctx)
		if err != nil {
			return
		}
		handler(e)
	}
}

// Close stops the queue from accepting new events. Queued events stay
// poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
	}
	q.mu.Unlock()
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	size := q.size
	q.mu.Unlock()
	return size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Policy returns the overflow policy.
func (q *Queue) Policy() OverflowPolicy {
	return q.policy
}

// Published returns how many events were accepted.
func (q *Queue) Published() uint64 {
	return q.published.Load()
}

// Dropped returns how many events were lost to overflow.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
