package sink

import (
	"context"
	"time"

	"fabric/internal/bus"
	"fabric/pkg/exception"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

// EventRecord is one journaled queue event.
type EventRecord struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	Seq           uint64    `gorm:"index"`
	ConnID        uint64    `gorm:"index"`
	RecvAt        time.Time `gorm:"index"`
	MessageType   string    `gorm:"size:32"`
	Level         string    `gorm:"size:8"`
	App           string    `gorm:"size:32"`
	Account       string    `gorm:"size:16;index"`
	ClientType    string    `gorm:"size:16"`
	CorrelationID string    `gorm:"size:32"`
	Description   string    `gorm:"size:256"`
	EventTime     string    `gorm:"size:32"`
	Size          int
}

func (EventRecord) TableName() string {
	return "fabric_events"
}

func newEventRecord(e bus.Event) EventRecord {
	v := NewEventView(e)
	return EventRecord{
		Seq:           v.Seq,
		ConnID:        v.ConnID,
		RecvAt:        v.RecvAt,
		MessageType:   v.Type,
		Level:         v.Level,
		App:           v.App,
		Account:       v.Account,
		ClientType:    v.ClientType,
		CorrelationID: v.CorrelationID,
		Description:   v.Description,
		EventTime:     v.Timestamp,
		Size:          v.Size,
	}
}

// Journal persists every event into the fabric_events table. Login
// credentials are never stored.
type Journal struct {
	db *gorm.DB
}

// NewJournal migrates the schema and returns a journal on db.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, exception.ErrSinkNilClient
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate fabric_events")
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Name() string { return "journal" }

func (j *Journal) Handle(ctx context.Context, e bus.Event) error {
	rec := newEventRecord(e)
	if err := j.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return errors.Wrap(err, "insert event").With("seq", e.Seq)
	}
	return nil
}

// ByAccount returns the newest events of account, newest first.
func (j *Journal) ByAccount(ctx context.Context, account string, limit int) ([]EventRecord, error) {
	var out []EventRecord
	q := j.db.WithContext(ctx).Where("account = ?", account).Order("seq desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "query events by account").With("account", account)
	}
	return out, nil
}

// Since returns events received at or after t, oldest first.
func (j *Journal) Since(ctx context.Context, t time.Time, limit int) ([]EventRecord, error) {
	var out []EventRecord
	q := j.db.WithContext(ctx).Where("recv_at >= ?", t.UTC()).Order("seq asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "query events since")
	}
	return out, nil
}
