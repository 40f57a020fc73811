// Package sink holds the downstream consumers of the event queue.
package sink

import (
	"context"
	"time"

	"fabric/internal/bus"
	"fabric/internal/pack"
)

// Sink consumes queue events. Handle must not retain e.Message.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e bus.Event) error
}

// EventView is the flattened, credential-free rendering of an event shared
// by the journal and the redis publisher.
type EventView struct {
	Seq           uint64    `json:"seq"`
	ConnID        uint64    `json:"conn_id"`
	RecvAt        time.Time `json:"recv_at"`
	Type          string    `json:"type"`
	Level         string    `json:"level,omitempty"`
	App           string    `json:"app,omitempty"`
	Account       string    `json:"account,omitempty"`
	ClientType    string    `json:"client_type,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Description   string    `json:"description,omitempty"`
	Timestamp     string    `json:"timestamp,omitempty"`
	Size          int       `json:"size"`
}

func NewEventView(e bus.Event) EventView {
	v := EventView{
		Seq:    e.Seq,
		ConnID: e.ConnID,
		RecvAt: time.Unix(0, e.RecvTsNano).UTC(),
	}
	if e.Message == nil {
		return v
	}
	v.Type = e.Message.Type().String()
	v.Size = pack.Size(e.Message)

	switch m := e.Message.(type) {
	case pack.Login:
		v.Account = m.Account.String()
		v.ClientType = m.ClientType.String()
		v.CorrelationID = m.CorrelationID.String()
	case pack.EventLog:
		v.Level = m.Level.String()
		v.App = m.App.String()
		v.Account = m.Account.String()
		v.Description = m.Description.String()
		v.Timestamp = m.Timestamp.String()
	}
	return v
}
