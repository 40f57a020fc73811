package exception

import "github.com/yanun0323/errors"

// Market data errors
var (
	ErrQuoteNilQueue      = errors.New("marketdata: nil snapshot queue")
	ErrQuoteEmptySymbol   = errors.New("marketdata: empty symbol")
	ErrQuoteSymbolTooLong = errors.New("marketdata: symbol too long")
	ErrQuoteCrossed       = errors.New("marketdata: bid above ask")
	ErrQuoteNegative      = errors.New("marketdata: negative price or size")
	ErrQuoteOutOfRange    = errors.New("marketdata: price or size exceeds scaled range")
	ErrQuoteWriteRejected = errors.New("marketdata: snapshot write rejected")
)
