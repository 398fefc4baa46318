package models

import "encoding/json"

// Collection names a remote record collection.
type Collection string

const (
	CollectionTags    Collection = "tags"
	CollectionBatches Collection = "batches"
)

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return c == CollectionTags || c == CollectionBatches
}

// EventType is the kind of change carried by the feed.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// FeedMessage is the wire form of one change on the feed.
type FeedMessage struct {
	Type       EventType       `json:"type" validate:"required,oneof=insert update delete"`
	Collection Collection      `json:"collection" validate:"required,oneof=tags batches"`
	ID         string          `json:"id" validate:"required"`
	Seq        uint64          `json:"seq,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// Event is a decoded feed change. Exactly one of Tag or Batch is set for
// insert and update events; delete events carry only the id.
type Event struct {
	Type       EventType
	Collection Collection
	ID         string
	Tag        *Tag
	Batch      *Batch
}

// SubscribeMessage selects which collections a feed connection receives.
type SubscribeMessage struct {
	Type        string       `json:"type" validate:"required,eq=subscribe"`
	Collections []Collection `json:"collections" validate:"required,min=1,dive,oneof=tags batches"`
}
