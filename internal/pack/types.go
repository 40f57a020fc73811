package pack

import "strconv"

// MessageType is the wire discriminator carried in the first two bytes of
// every payload.
type MessageType uint16

const (
	_message_type_beg MessageType = iota
	MessageLogin
	MessageEventLog
	MessageOrderInsert
	MessageOrderCancel
	MessageOrderReport
	MessageTradeReport
	MessageQuote
	MessageQuery
	MessageQueryReply
	MessageHeartbeat
	_message_type_end
)

func (t MessageType) IsAvailable() bool {
	return t > _message_type_beg && t < _message_type_end
}

// IsOpaque reports whether the body of t is carried as raw bytes.
func (t MessageType) IsOpaque() bool {
	return t.IsAvailable() && t != MessageLogin && t != MessageEventLog
}

func (t MessageType) String() string {
	switch t {
	case MessageLogin:
		return "login"
	case MessageEventLog:
		return "event_log"
	case MessageOrderInsert:
		return "order_insert"
	case MessageOrderCancel:
		return "order_cancel"
	case MessageOrderReport:
		return "order_report"
	case MessageTradeReport:
		return "trade_report"
	case MessageQuote:
		return "quote"
	case MessageQuery:
		return "query"
	case MessageQueryReply:
		return "query_reply"
	case MessageHeartbeat:
		return "heartbeat"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// Level is the severity of an EventLog.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "level(" + strconv.Itoa(int(l)) + ")"
	}
}
