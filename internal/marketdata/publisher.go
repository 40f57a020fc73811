package marketdata

import (
	"time"

	"fabric/pkg/exception"
	"fabric/pkg/shmq"

	"github.com/yanun0323/logs"
)

// Publisher is the single writer of a quote segment. It numbers quotes
// with a running sequence and stores sequence n at index (n-1) % capacity,
// so the segment behaves as a ring of the latest capacity quotes.
type Publisher struct {
	q       *shmq.Queue[Quote]
	nextSeq uint64
	now     func() time.Time
}

// NewPublisher resumes numbering after the latest quote already in q and
// clears a write cursor left behind by a previous writer.
func NewPublisher(q *shmq.Queue[Quote]) (*Publisher, error) {
	if q == nil {
		return nil, exception.ErrQuoteNilQueue
	}
	if stale := q.ResetWriteCursor(); stale >= 0 {
		logs.Warnf("snapshot segment %#x: previous writer stopped while writing slot %d", q.Key(), stale)
	}
	p := &Publisher{q: q, nextSeq: 1, now: time.Now}
	var last Quote
	if q.ReadLatest(&last) && last.Seq > 0 {
		p.nextSeq = last.Seq + 1
	}
	return p, nil
}

// Publish stamps quote with the next sequence and publish time and writes
// it. It returns the slot index used.
func (p *Publisher) Publish(quote Quote) (int, error) {
	seq := p.nextSeq
	index := IndexOf(seq, p.q.Capacity())
	quote.Seq = seq
	quote.PublishTsNano = p.now().UnixNano()
	if !p.q.Write(index, quote) {
		return -1, exception.ErrQuoteWriteRejected
	}
	p.nextSeq++
	return index, nil
}

// NextSeq returns the sequence the next Publish will use.
func (p *Publisher) NextSeq() uint64 {
	return p.nextSeq
}

// IndexOf maps a 1-based sequence to its slot.
func IndexOf(seq uint64, capacity int) int {
	if seq == 0 || capacity <= 0 {
		return -1
	}
	return int((seq - 1) % uint64(capacity))
}
