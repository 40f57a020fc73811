package marketdata

import (
	"context"
	"time"

	"fabric/pkg/exception"
	"fabric/pkg/shmq"
)

const defaultPollInterval = time.Millisecond

// Follower tracks a quote segment from a reader process. It delivers every
// quote still present in the segment in sequence order and counts the
// ones it was too slow to see.
type Follower struct {
	q        *shmq.Queue[Quote]
	interval time.Duration
	lastSeq  uint64
	missed   uint64
}

func NewFollower(q *shmq.Queue[Quote], interval time.Duration) (*Follower, error) {
	if q == nil {
		return nil, exception.ErrQuoteNilQueue
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Follower{q: q, interval: interval}, nil
}

// Latest returns the most recently published quote.
func (f *Follower) Latest() (Quote, bool) {
	var out Quote
	if !f.q.ReadLatest(&out) || out.Seq == 0 {
		return Quote{}, false
	}
	return out, true
}

// At returns the quote with sequence seq if it is still in the segment.
func (f *Follower) At(seq uint64) (Quote, bool) {
	var out Quote
	if !f.q.Read(IndexOf(seq, f.q.Capacity()), &out) || out.Seq != seq {
		return Quote{}, false
	}
	return out, true
}

// Poll delivers every quote newer than the last delivered one and returns
// how many were delivered.
func (f *Follower) Poll(fn func(Quote)) int {
	latest, ok := f.Latest()
	if !ok || latest.Seq <= f.lastSeq {
		return 0
	}

	from := f.lastSeq + 1
	if capacity := uint64(f.q.Capacity()); latest.Seq-f.lastSeq > capacity {
		from = latest.Seq - capacity + 1
	}
	f.missed += from - f.lastSeq - 1

	n := 0
	for seq := from; seq < latest.Seq; seq++ {
		quote, ok := f.At(seq)
		if !ok {
			f.missed++
			continue
		}
		fn(quote)
		n++
	}
	fn(latest)
	f.lastSeq = latest.Seq
	return n + 1
}

// Follow polls until ctx is done.
func (f *Follower) Follow(ctx context.Context, fn func(Quote)) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		f.Poll(fn)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LastSeq returns the sequence of the last delivered quote.
func (f *Follower) LastSeq() uint64 {
	return f.lastSeq
}

// Missed returns how many sequences were overwritten before delivery.
func (f *Follower) Missed() uint64 {
	return f.missed
}

// Skip positions the follower so the next Poll starts after seq.
func (f *Follower) Skip(seq uint64) {
	f.lastSeq = seq
}
