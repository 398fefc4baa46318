package models

import (
	"fmt"
	"strings"
	"time"
)

// TagStatus is the registration status of an ear tag.
type TagStatus string

const (
	StatusPending      TagStatus = "PENDING"
	StatusConfirmed    TagStatus = "CONFIRMED"
	StatusUnregistered TagStatus = "UNREGISTERED"
	StatusWithdrawn    TagStatus = "WITHDRAWN"
)

// TagStatuses lists every status in display order.
var TagStatuses = []TagStatus{StatusPending, StatusConfirmed, StatusUnregistered, StatusWithdrawn}

// Valid reports whether s is a known status.
func (s TagStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusUnregistered, StatusWithdrawn:
		return true
	}
	return false
}

// ParseTagStatus accepts a status name in any case.
func ParseTagStatus(s string) (TagStatus, error) {
	status := TagStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown tag status %q", s)
	}
	return status, nil
}

// Tag is one scanned ear tag. BatchID nil means the unassigned scope.
type Tag struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id" validate:"required,uuid"`
	Code      string    `gorm:"type:varchar(128);not null;index" json:"code" validate:"required,max=128"`
	ScannedAt time.Time `gorm:"not null;index" json:"scanned_at" validate:"required"`
	Status    TagStatus `gorm:"type:varchar(20);not null;default:PENDING" json:"status" validate:"required,oneof=PENDING CONFIRMED UNREGISTERED WITHDRAWN"`
	BatchID   *string   `gorm:"type:uuid;index" json:"batch_id" validate:"omitempty,uuid"`
	Notes     *string   `gorm:"type:text" json:"notes,omitempty" validate:"omitempty,max=2000"`

	// Local bookkeeping, never transmitted.
	SyncState SyncState `gorm:"-" json:"-"`
	Rev       int64     `gorm:"-" json:"-"`
}

// TableName specifies the table name
func (Tag) TableName() string {
	return "tags"
}

// InBatch reports whether the tag belongs to batchID ("" = unassigned scope).
func (t Tag) InBatch(batchID string) bool {
	if t.BatchID == nil {
		return batchID == ""
	}
	return *t.BatchID == batchID
}

// NormalizeCode is the form used for duplicate detection.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// TagFields is a partial update of a tag's mutable fields.
type TagFields struct {
	Status *TagStatus `json:"status,omitempty" validate:"omitempty,oneof=PENDING CONFIRMED UNREGISTERED WITHDRAWN"`
	Notes  *string    `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// Empty reports whether no field is set.
func (f TagFields) Empty() bool {
	return f.Status == nil && f.Notes == nil
}

// Apply copies the set fields onto t.
func (f TagFields) Apply(t *Tag) {
	if f.Status != nil {
		t.Status = *f.Status
	}
	if f.Notes != nil {
		if *f.Notes == "" {
			t.Notes = nil
		} else {
			notes := *f.Notes
			t.Notes = &notes
		}
	}
}
