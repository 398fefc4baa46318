package models

import "time"

// Batch ("lote") groups tags scanned together.
type Batch struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id" validate:"required,uuid"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name" validate:"required,max=255"`
	CreatedAt time.Time `gorm:"not null;index;autoCreateTime:false" json:"created_at" validate:"required"`
	Closed    bool      `gorm:"not null;default:false" json:"closed"`

	SyncState SyncState `gorm:"-" json:"-"`
	Rev       int64     `gorm:"-" json:"-"`
}

// TableName specifies the table name
func (Batch) TableName() string {
	return "batches"
}

// BatchFields is a partial update of a batch's mutable fields.
type BatchFields struct {
	Name   *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Closed *bool   `json:"closed,omitempty"`
}

// Empty reports whether no field is set.
func (f BatchFields) Empty() bool {
	return f.Name == nil && f.Closed == nil
}

// Apply copies the set fields onto b.
func (f BatchFields) Apply(b *Batch) {
	if f.Name != nil {
		b.Name = *f.Name
	}
	if f.Closed != nil {
		b.Closed = *f.Closed
	}
}
