package exception

import "github.com/yanun0323/errors"

// Sink errors
var (
	ErrSinkNilClient    = errors.New("sink: nil client")
	ErrSinkEmptyChannel = errors.New("sink: empty channel")
	ErrFeedClosed       = errors.New("feed: closed")
	ErrTapeQueueFull    = errors.New("tape: queue full")
	ErrTapeClosed       = errors.New("tape: writer closed")
	ErrTapeNotStarted   = errors.New("tape: writer not started")
	ErrTapeStarted      = errors.New("tape: writer already started")
	ErrTapePayloadSize  = errors.New("tape: payload too large")
	ErrTapeInvalidMagic = errors.New("tape: invalid magic")
	ErrTapeVersion      = errors.New("tape: unsupported record version")
	ErrTapeHeaderSize   = errors.New("tape: invalid header size")
	ErrTapeChecksum     = errors.New("tape: checksum mismatch")
)
