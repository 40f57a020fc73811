package exception

import "github.com/yanun0323/errors"

// Snapshot queue errors
var (
	ErrShmInvalidCapacity = errors.New("shmq: capacity must be > 0")
	ErrShmNotFixedLayout  = errors.New("shmq: record type is not fixed-layout")
	ErrShmLayoutMismatch  = errors.New("shmq: existing segment layout mismatch")
	ErrShmInitTimeout     = errors.New("shmq: timed out waiting for segment initialization")
	ErrShmClosed          = errors.New("shmq: queue closed")
)
