// Package marketdata publishes top-of-book quotes through the shared memory
// snapshot queue and follows them from reader processes.
package marketdata

import (
	"math"
	"time"

	"fabric/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	wire "github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
)

const (
	// PriceScale is the number of decimal places kept in scaled prices and sizes.
	PriceScale = 8
	SymbolSize = 16
)

// Symbol is a fixed-width, NUL-padded instrument name.
type Symbol [SymbolSize]byte

func NewSymbol(s string) Symbol {
	var sym Symbol
	copy(sym[:], s)
	return sym
}

func (s Symbol) String() string {
	for i, b := range s {
		if b == 0 {
			return string(s[:i])
		}
	}
	return string(s[:])
}

// Quote is the snapshot record shared between processes. Prices and sizes
// are integers scaled by 10^PriceScale.
type Quote struct {
	Symbol         Symbol
	Seq            uint64
	BidPrice       int64
	BidSize        int64
	AskPrice       int64
	AskSize        int64
	LastPrice      int64
	LastSize       int64
	ExchangeTsNano int64
	PublishTsNano  int64
}

var maxScaled = decimal.NewFromInt(math.MaxInt64)

// ToScaled converts d to a scaled integer, rounding half away from zero.
// Callers check FitsScaled first; out of range values wrap.
func ToScaled(d decimal.Decimal) int64 {
	return d.Shift(PriceScale).Round(0).IntPart()
}

// FitsScaled reports whether d survives ToScaled without overflowing int64.
func FitsScaled(d decimal.Decimal) bool {
	return d.Shift(PriceScale).Round(0).Abs().LessThanOrEqual(maxScaled)
}

// FromScaled converts a scaled integer back to a decimal.
func FromScaled(v int64) decimal.Decimal {
	return decimal.New(v, -PriceScale)
}

func (q Quote) Bid() decimal.Decimal     { return FromScaled(q.BidPrice) }
func (q Quote) Ask() decimal.Decimal     { return FromScaled(q.AskPrice) }
func (q Quote) Last() decimal.Decimal    { return FromScaled(q.LastPrice) }
func (q Quote) BidQty() decimal.Decimal  { return FromScaled(q.BidSize) }
func (q Quote) AskQty() decimal.Decimal  { return FromScaled(q.AskSize) }
func (q Quote) LastQty() decimal.Decimal { return FromScaled(q.LastSize) }

// Mid returns the mid price, or zero when either side is empty.
func (q Quote) Mid() decimal.Decimal {
	if q.BidPrice == 0 || q.AskPrice == 0 {
		return decimal.Zero
	}
	return q.Bid().Add(q.Ask()).Div(decimal.NewFromInt(2))
}

// Spread returns ask minus bid, or zero when either side is empty.
func (q Quote) Spread() decimal.Decimal {
	if q.BidPrice == 0 || q.AskPrice == 0 {
		return decimal.Zero
	}
	return q.Ask().Sub(q.Bid())
}

// ExchangeTime returns the exchange timestamp.
func (q Quote) ExchangeTime() time.Time {
	return time.Unix(0, q.ExchangeTsNano)
}

// QuoteInput is the JSON form a feed hands to the publisher, one object per
// line. Prices are decimal strings or numbers.
type QuoteInput struct {
	Symbol   string          `json:"symbol"`
	Bid      decimal.Decimal `json:"bid"`
	BidSize  decimal.Decimal `json:"bid_size"`
	Ask      decimal.Decimal `json:"ask"`
	AskSize  decimal.Decimal `json:"ask_size"`
	Last     decimal.Decimal `json:"last"`
	LastSize decimal.Decimal `json:"last_size"`
	Time     time.Time       `json:"time"`
}

type quoteLine struct {
	Symbol   string       `json:"symbol"`
	Bid      wire.Decimal `json:"bid"`
	BidSize  wire.Decimal `json:"bid_size"`
	Ask      wire.Decimal `json:"ask"`
	AskSize  wire.Decimal `json:"ask_size"`
	Last     wire.Decimal `json:"last"`
	LastSize wire.Decimal `json:"last_size"`
	Time     time.Time    `json:"time"`
}

// ParseQuoteInput decodes one JSON line.
func ParseQuoteInput(line []byte) (QuoteInput, error) {
	var raw quoteLine
	if err := sonic.Unmarshal(line, &raw); err != nil {
		return QuoteInput{}, errors.Wrap(err, "decode quote").With("line", string(line))
	}

	in := QuoteInput{Symbol: raw.Symbol, Time: raw.Time}
	fields := []struct {
		name string
		src  wire.Decimal
		dst  *decimal.Decimal
	}{
		{"bid", raw.Bid, &in.Bid},
		{"bid_size", raw.BidSize, &in.BidSize},
		{"ask", raw.Ask, &in.Ask},
		{"ask_size", raw.AskSize, &in.AskSize},
		{"last", raw.Last, &in.Last},
		{"last_size", raw.LastSize, &in.LastSize},
	}
	for _, f := range fields {
		d, err := fromWire(f.src)
		if err != nil {
			return QuoteInput{}, errors.Wrap(err, "decode quote").With("field", f.name)
		}
		*f.dst = d
	}
	return in, nil
}

func fromWire(d wire.Decimal) (decimal.Decimal, error) {
	s := d.String()
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Quote validates the input and converts it to the shared record.
func (in QuoteInput) Quote() (Quote, error) {
	switch {
	case in.Symbol == "":
		return Quote{}, exception.ErrQuoteEmptySymbol
	case len(in.Symbol) > SymbolSize:
		return Quote{}, exception.ErrQuoteSymbolTooLong
	}
	for _, d := range []decimal.Decimal{in.Bid, in.BidSize, in.Ask, in.AskSize, in.Last, in.LastSize} {
		if d.IsNegative() {
			return Quote{}, exception.ErrQuoteNegative
		}
		if !FitsScaled(d) {
			return Quote{}, exception.ErrQuoteOutOfRange
		}
	}
	if !in.Bid.IsZero() && !in.Ask.IsZero() && in.Bid.GreaterThan(in.Ask) {
		return Quote{}, exception.ErrQuoteCrossed
	}

	q := Quote{
		Symbol:    NewSymbol(in.Symbol),
		BidPrice:  ToScaled(in.Bid),
		BidSize:   ToScaled(in.BidSize),
		AskPrice:  ToScaled(in.Ask),
		AskSize:   ToScaled(in.AskSize),
		LastPrice: ToScaled(in.Last),
		LastSize:  ToScaled(in.LastSize),
	}
	if !in.Time.IsZero() {
		q.ExchangeTsNano = in.Time.UnixNano()
	}
	return q, nil
}
