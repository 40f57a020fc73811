package exception

import "github.com/yanun0323/errors"

// Event queue errors
var (
	ErrQueueFull   = errors.New("bus: event queue full")
	ErrQueueClosed = errors.New("bus: event queue closed")
)
