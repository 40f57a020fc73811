package exception

import "github.com/yanun0323/errors"

// Ingestion server errors
var (
	ErrIngestNilQueue       = errors.New("ingest: nil event queue")
	ErrIngestAlreadyStarted = errors.New("ingest: server already started")
	ErrIngestNotStarted     = errors.New("ingest: server not started")
	ErrIngestUnknownConn    = errors.New("ingest: unknown connection")
	ErrIngestUnknownNetwork = errors.New("ingest: unsupported network")
	ErrIngestLoginRejected  = errors.New("ingest: login rejected")
)
