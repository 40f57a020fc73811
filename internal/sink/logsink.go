package sink

import (
	"context"

	"fabric/internal/bus"
	"fabric/internal/pack"

	"github.com/yanun0323/logs"
)

// LogSink renders event logs through the process logger at their own
// level. Client messages are logged at debug when Verbose is set.
type LogSink struct {
	Verbose bool
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Handle(_ context.Context, e bus.Event) error {
	switch m := e.Message.(type) {
	case pack.EventLog:
		app, account, desc := m.App.String(), m.Account.String(), m.Description.String()
		switch m.Level {
		case pack.LevelDebug:
			logs.Debugf("[%s] #%d conn=%d account=%s %s", app, e.Seq, e.ConnID, account, desc)
		case pack.LevelInfo:
			logs.Infof("[%s] #%d conn=%d account=%s %s", app, e.Seq, e.ConnID, account, desc)
		case pack.LevelWarn:
			logs.Warnf("[%s] #%d conn=%d account=%s %s", app, e.Seq, e.ConnID, account, desc)
		default:
			logs.Errorf("[%s] #%d conn=%d account=%s %s", app, e.Seq, e.ConnID, account, desc)
		}
	case nil:
	default:
		if s.Verbose {
			logs.Debugf("#%d conn=%d %s (%d bytes)", e.Seq, e.ConnID, m.Type(), pack.Size(m))
		}
	}
	return nil
}
