package exception

import "github.com/yanun0323/errors"

// Wire errors
var (
	ErrPackBadMarker      = errors.New("pack: bad frame marker")
	ErrPackFrameTooLarge  = errors.New("pack: frame exceeds max payload size")
	ErrPackShortPayload   = errors.New("pack: payload too short")
	ErrPackUnknownType    = errors.New("pack: unknown message type")
	ErrPackTypeMismatch   = errors.New("pack: body does not match message type")
	ErrPackInvalidMaxSize = errors.New("pack: invalid max payload size")
)
