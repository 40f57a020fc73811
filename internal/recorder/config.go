package recorder

import (
	"time"

	"fabric/pkg/exception"

	"github.com/yanun0323/errors"
)

const (
	defaultFilePrefix = "events"
	segmentSuffix     = ".tape"

	defaultSegmentMaxBytes    int64 = 256 << 20
	defaultSegmentMaxDuration       = time.Hour
	defaultQueueSize                = 4096
	defaultBufferSize               = 64 << 10
)

// Config controls the tape writer. Segments are named
// <FilePrefix>-<yyyymmdd-hhmmss>-<n>.tape so lexical order is write order.
type Config struct {
	Dir        string
	FilePrefix string

	// A segment is closed once the next record would push it past
	// SegmentMaxBytes or it has been open for SegmentMaxDuration.
	SegmentMaxBytes    int64
	SegmentMaxDuration time.Duration

	// QueueSize bounds the records waiting for the writer goroutine.
	QueueSize  int
	BufferSize int

	FlushInterval time.Duration
	SyncInterval  time.Duration
}

// DefaultConfig returns a tape writer config rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		FilePrefix:         defaultFilePrefix,
		SegmentMaxBytes:    defaultSegmentMaxBytes,
		SegmentMaxDuration: defaultSegmentMaxDuration,
		QueueSize:          defaultQueueSize,
		BufferSize:         defaultBufferSize,
		FlushInterval:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

// Validate reports the first unusable field wrapped in ErrConfigInvalid.
func (c Config) Validate() error {
	checks := []struct {
		bad   bool
		field string
	}{
		{c.Dir == "", "tape: Dir is empty"},
		{c.FilePrefix == "", "tape: FilePrefix is empty"},
		{c.SegmentMaxBytes <= 0, "tape: SegmentMaxBytes must be > 0"},
		{c.SegmentMaxDuration < 0, "tape: SegmentMaxDuration must be >= 0"},
		{c.QueueSize <= 0, "tape: QueueSize must be > 0"},
		{c.BufferSize <= 0, "tape: BufferSize must be > 0"},
		{c.FlushInterval < 0, "tape: FlushInterval must be >= 0"},
		{c.SyncInterval < 0, "tape: SyncInterval must be >= 0"},
	}
	for _, check := range checks {
		if check.bad {
			return errors.Wrap(exception.ErrConfigInvalid, check.field)
		}
	}
	return nil
}
