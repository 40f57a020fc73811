package marketdata

import (
	"context"
	"math"
	"testing"
	"time"

	"fabric/pkg/exception"
	"fabric/pkg/shmq"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attach(t *testing.T, dir string, capacity int, key uint32) *shmq.Queue[Quote] {
	t.Helper()
	q, err := shmq.Attach[Quote](capacity, key, shmq.WithDir(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func quote(symbol string, bid, ask string) Quote {
	in := QuoteInput{
		Symbol:  symbol,
		Bid:     decimal.RequireFromString(bid),
		BidSize: decimal.NewFromInt(1),
		Ask:     decimal.RequireFromString(ask),
		AskSize: decimal.NewFromInt(2),
	}
	q, err := in.Quote()
	if err != nil {
		panic(err)
	}
	return q
}

func TestScaledConversion(t *testing.T) {
	assert.Equal(t, int64(10125000000), ToScaled(decimal.RequireFromString("101.25")))
	assert.Equal(t, int64(1), ToScaled(decimal.RequireFromString("0.000000005")))
	assert.True(t, FromScaled(10125000000).Equal(decimal.RequireFromString("101.25")))

	q := quote("BTCUSDT", "100", "101")
	assert.True(t, q.Mid().Equal(decimal.RequireFromString("100.5")))
	assert.True(t, q.Spread().Equal(decimal.NewFromInt(1)))
	assert.True(t, q.AskQty().Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "BTCUSDT", q.Symbol.String())

	assert.True(t, Quote{BidPrice: 1}.Mid().IsZero())

	assert.True(t, FitsScaled(FromScaled(math.MaxInt64)))
	assert.True(t, FitsScaled(FromScaled(math.MinInt64+1)))
	assert.False(t, FitsScaled(decimal.RequireFromString("100000000000")))
	assert.False(t, FitsScaled(decimal.RequireFromString("92233720368.547758075")))
}

func TestParseQuoteInput(t *testing.T) {
	in, err := ParseQuoteInput([]byte(`{"symbol":"ETHUSDT","bid":"3000.5","bid_size":2,"ask":3001,"ask_size":"0.5","time":"2024-03-01T09:30:00Z"}`))
	require.NoError(t, err)
	q, err := in.Quote()
	require.NoError(t, err)
	assert.Equal(t, int64(300050000000), q.BidPrice)
	assert.Equal(t, int64(50000000), q.AskSize)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC).UnixNano(), q.ExchangeTsNano)

	assert.True(t, in.Last.IsZero())
	assert.True(t, in.LastSize.IsZero())

	_, err = ParseQuoteInput([]byte(`{"symbol":`))
	assert.Error(t, err)
}

func TestQuoteInputRejectsValuesBeyondScaledRange(t *testing.T) {
	in, err := ParseQuoteInput([]byte(`{"symbol":"BTCUSDT","bid":"100000000000","bid_size":1,"ask":"100000000001","ask_size":1}`))
	require.NoError(t, err)
	_, err = in.Quote()
	assert.Equal(t, exception.ErrQuoteOutOfRange, err)

	_, err = QuoteInput{Symbol: "X", LastSize: decimal.RequireFromString("92233720368.55")}.Quote()
	assert.Equal(t, exception.ErrQuoteOutOfRange, err)

	q, err := QuoteInput{Symbol: "X", Bid: decimal.RequireFromString("92233720368"), Ask: decimal.RequireFromString("92233720368.5")}.Quote()
	require.NoError(t, err)
	assert.Equal(t, int64(9223372036800000000), q.BidPrice)
	assert.True(t, q.Ask().Equal(decimal.RequireFromString("92233720368.5")))
}

func TestQuoteInputValidation(t *testing.T) {
	_, err := QuoteInput{}.Quote()
	assert.Equal(t, exception.ErrQuoteEmptySymbol, err)

	_, err = QuoteInput{Symbol: "A-VERY-LONG-SYMBOL-NAME"}.Quote()
	assert.Equal(t, exception.ErrQuoteSymbolTooLong, err)

	_, err = QuoteInput{Symbol: "X", Bid: decimal.NewFromInt(5), Ask: decimal.NewFromInt(4)}.Quote()
	assert.Equal(t, exception.ErrQuoteCrossed, err)

	_, err = QuoteInput{Symbol: "X", BidSize: decimal.NewFromInt(-1)}.Quote()
	assert.Equal(t, exception.ErrQuoteNegative, err)
}

func TestPublisherWrapsIndexAndResumes(t *testing.T) {
	dir := t.TempDir()
	q := attach(t, dir, 4, 0x4d44_0001)

	p, err := NewPublisher(q)
	require.NoError(t, err)

	var indices []int
	for i := 0; i < 6; i++ {
		idx, err := p.Publish(quote("BTCUSDT", "100", "101"))
		require.NoError(t, err)
		indices = append(indices, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 0, 1}, indices)
	assert.Equal(t, 1, q.LastPublishedIndex())

	var latest Quote
	require.True(t, q.ReadLatest(&latest))
	assert.Equal(t, uint64(6), latest.Seq)
	assert.NotZero(t, latest.PublishTsNano)

	again, err := NewPublisher(attach(t, dir, 4, 0x4d44_0001))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), again.NextSeq())

	_, err = NewPublisher(nil)
	assert.Equal(t, exception.ErrQuoteNilQueue, err)
}

func TestFollowerDeliversInOrderAndCountsMisses(t *testing.T) {
	dir := t.TempDir()
	writer := attach(t, dir, 4, 0x4d44_0002)
	reader := attach(t, dir, 4, 0x4d44_0002)

	p, err := NewPublisher(writer)
	require.NoError(t, err)
	f, err := NewFollower(reader, time.Millisecond)
	require.NoError(t, err)

	var seen []uint64
	collect := func(q Quote) { seen = append(seen, q.Seq) }

	assert.Zero(t, f.Poll(collect))

	for i := 0; i < 3; i++ {
		_, err := p.Publish(quote("BTCUSDT", "100", "101"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.Poll(collect))
	assert.Equal(t, []uint64{1, 2, 3}, seen)
	assert.Zero(t, f.Poll(collect))

	for i := 0; i < 6; i++ {
		_, err := p.Publish(quote("BTCUSDT", "100", "101"))
		require.NoError(t, err)
	}
	assert.Equal(t, 4, f.Poll(collect))
	assert.Equal(t, []uint64{1, 2, 3, 6, 7, 8, 9}, seen)
	assert.Equal(t, uint64(2), f.Missed())
	assert.Equal(t, uint64(9), f.LastSeq())

	_, ok := f.At(2)
	assert.False(t, ok)
	q, ok := f.At(8)
	require.True(t, ok)
	assert.Equal(t, uint64(8), q.Seq)
}

func TestFollowStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	writer := attach(t, dir, 8, 0x4d44_0003)
	reader := attach(t, dir, 8, 0x4d44_0003)

	p, err := NewPublisher(writer)
	require.NoError(t, err)
	f, err := NewFollower(reader, time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan uint64, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.Follow(ctx, func(q Quote) { got <- q.Seq })
	}()

	_, err = p.Publish(quote("BTCUSDT", "100", "101"))
	require.NoError(t, err)

	select {
	case seq := <-got:
		assert.Equal(t, uint64(1), seq)
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not deliver")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return")
	}
}
