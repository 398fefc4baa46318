package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncState tracks whether a locally stored record has reached the record store.
type SyncState string

const (
	SyncPendingUpload SyncState = "PENDING_UPLOAD"
	SyncSynced        SyncState = "SYNCED"
)

// OutboxOp is a queued follow-up mutation for a record that was already uploaded.
type OutboxOp string

const (
	OutboxUpdate OutboxOp = "update"
	OutboxDelete OutboxOp = "delete"
)

// OutboxEntry is one pending remote update or delete. Seq increases every time
// the entry is re-queued so an ack for an older attempt cannot drop a newer one.
type OutboxEntry struct {
	Collection Collection
	RecordID   string
	Op         OutboxOp
	Seq        int64
	Attempts   int
	LastError  string
	QueuedAt   time.Time
}

// ChangeEvent is the server-side change journal. Every accepted write appends
// one row; Seq orders the feed.
type ChangeEvent struct {
	Seq        uint64         `gorm:"primaryKey;autoIncrement" json:"seq"`
	Collection Collection     `gorm:"type:varchar(20);not null;index" json:"collection"`
	RecordID   string         `gorm:"type:uuid;not null;index" json:"id"`
	Type       EventType      `gorm:"type:varchar(10);not null" json:"type"`
	Record     datatypes.JSON `json:"record,omitempty"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
}

// TableName specifies the table name
func (ChangeEvent) TableName() string {
	return "change_events"
}

// FeedMessage converts the journal row to its wire form.
func (c ChangeEvent) FeedMessage() FeedMessage {
	msg := FeedMessage{Type: c.Type, Collection: c.Collection, ID: c.RecordID, Seq: c.Seq}
	if len(c.Record) > 0 && c.Type != EventDelete {
		msg.Record = []byte(c.Record)
	}
	return msg
}
