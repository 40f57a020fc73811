package shmq

import (
	"os"
	"time"
)

const (
	defaultDir         = "/dev/shm"
	defaultInitTimeout = time.Second
	defaultReadRetries = 64
)

type options struct {
	dir         string
	lockMemory  bool
	initTimeout time.Duration
	readRetries int
}

// Option configures Attach.
type Option func(*options)

// WithDir places the segment file in dir instead of /dev/shm.
func WithDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.dir = dir
		}
	}
}

// WithLockMemory pins the mapping in RAM (mlock). Failures are ignored.
func WithLockMemory(lock bool) Option {
	return func(o *options) { o.lockMemory = lock }
}

// WithInitTimeout bounds how long Attach waits for another process to
// finish initializing a segment it just created.
func WithInitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.initTimeout = d
		}
	}
}

// WithReadRetries sets how many times Read retries a slot that changed
// underneath it before giving up.
func WithReadRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readRetries = n
		}
	}
}

func defaultOptions() options {
	dir := defaultDir
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = os.TempDir()
	}
	return options{
		dir:         dir,
		initTimeout: defaultInitTimeout,
		readRetries: defaultReadRetries,
	}
}
