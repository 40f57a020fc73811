// Package pack defines the PackMessage wire model exchanged between trading
// clients and the ingestion server, and the marker-delimited framing that
// carries it over a byte stream.
//
// Payload layout (little endian):
//
//	[0:2]  MessageType
//	[2:4]  reserved, zero
//	[4:]   fixed-layout body of the type
package pack

import (
	"encoding/binary"
	"time"

	"fabric/pkg/exception"
)

const (
	prefixSize   = 4
	LoginSize    = 16 + 32 + 16 + 32
	EventLogSize = 4 + 32 + 16 + 256 + 32

	// TimestampLayout formats EventLog.Timestamp.
	TimestampLayout = "2006-01-02 15:04:05.000000"
)

// Message is a decoded PackMessage. The set of implementations is closed:
// Login, EventLog and Opaque.
type Message interface {
	Type() MessageType
	appendBody(dst []byte) []byte
}

var (
	_ Message = Login{}
	_ Message = EventLog{}
	_ Message = Opaque{}
)

// Login is sent by a client to bind an identity to its connection.
type Login struct {
	Account       Str16
	Credential    Str32
	ClientType    Str16
	CorrelationID Str32
}

func (Login) Type() MessageType { return MessageLogin }

func (m Login) appendBody(dst []byte) []byte {
	dst = append(dst, m.Account[:]...)
	dst = append(dst, m.Credential[:]...)
	dst = append(dst, m.ClientType[:]...)
	dst = append(dst, m.CorrelationID[:]...)
	return dst
}

func decodeLogin(src []byte) Login {
	_ = src[LoginSize-1]
	var m Login
	copy(m.Account[:], src[0:16])
	copy(m.Credential[:], src[16:48])
	copy(m.ClientType[:], src[48:64])
	copy(m.CorrelationID[:], src[64:96])
	return m
}

// EventLog is an operator-facing record. The server synthesizes one for every
// lifecycle transition it observes.
type EventLog struct {
	Level       Level
	App         Str32
	Account     Str16
	Description Str256
	Timestamp   Str32
}

// NewEventLog builds an EventLog stamped with at.
func NewEventLog(level Level, app, account, description string, at time.Time) EventLog {
	return EventLog{
		Level:       level,
		App:         NewStr32(app),
		Account:     NewStr16(account),
		Description: NewStr256(description),
		Timestamp:   NewStr32(at.Format(TimestampLayout)),
	}
}

func (EventLog) Type() MessageType { return MessageEventLog }

func (m EventLog) appendBody(dst []byte) []byte {
	dst = append(dst, byte(m.Level), 0, 0, 0)
	dst = append(dst, m.App[:]...)
	dst = append(dst, m.Account[:]...)
	dst = append(dst, m.Description[:]...)
	dst = append(dst, m.Timestamp[:]...)
	return dst
}

func decodeEventLog(src []byte) EventLog {
	_ = src[EventLogSize-1]
	var m EventLog
	m.Level = Level(src[0])
	copy(m.App[:], src[4:36])
	copy(m.Account[:], src[36:52])
	copy(m.Description[:], src[52:308])
	copy(m.Timestamp[:], src[308:340])
	return m
}

// Opaque carries a trading-domain body (orders, reports, quotes, queries)
// whose layout belongs to the client SDK. Only Kind is interpreted here.
type Opaque struct {
	Kind MessageType
	Data []byte
}

func (m Opaque) Type() MessageType { return m.Kind }

func (m Opaque) appendBody(dst []byte) []byte {
	return append(dst, m.Data...)
}

// Append encodes msg as a payload appended to dst.
func Append(dst []byte, msg Message) ([]byte, error) {
	if msg == nil {
		return dst, exception.ErrNilInstance
	}
	t := msg.Type()
	if !t.IsAvailable() {
		return dst, exception.ErrPackUnknownType
	}
	if _, ok := msg.(Opaque); ok && !t.IsOpaque() {
		return dst, exception.ErrPackTypeMismatch
	}

	var prefix [prefixSize]byte
	binary.LittleEndian.PutUint16(prefix[0:2], uint16(t))
	dst = append(dst, prefix[:]...)
	return msg.appendBody(dst), nil
}

// Encode returns msg as a freshly allocated payload.
func Encode(msg Message) ([]byte, error) {
	return Append(make([]byte, 0, Size(msg)), msg)
}

// Size returns the encoded payload size of msg.
func Size(msg Message) int {
	switch m := msg.(type) {
	case Login:
		return prefixSize + LoginSize
	case EventLog:
		return prefixSize + EventLogSize
	case Opaque:
		return prefixSize + len(m.Data)
	default:
		return prefixSize
	}
}

// PeekType returns the discriminator of an encoded payload.
func PeekType(src []byte) (MessageType, bool) {
	if len(src) < 2 {
		return 0, false
	}
	return MessageType(binary.LittleEndian.Uint16(src[0:2])), true
}

// Decode parses one payload. Opaque data is copied, so src may be reused.
func Decode(src []byte) (Message, error) {
	if len(src) < prefixSize {
		return nil, exception.ErrPackShortPayload
	}
	t := MessageType(binary.LittleEndian.Uint16(src[0:2]))
	body := src[prefixSize:]

	switch {
	case t == MessageLogin:
		if len(body) < LoginSize {
			return nil, exception.ErrPackShortPayload
		}
		return decodeLogin(body), nil
	case t == MessageEventLog:
		if len(body) < EventLogSize {
			return nil, exception.ErrPackShortPayload
		}
		return decodeEventLog(body), nil
	case t.IsOpaque():
		data := make([]byte, len(body))
		copy(data, body)
		return Opaque{Kind: t, Data: data}, nil
	default:
		return nil, exception.ErrPackUnknownType
	}
}
