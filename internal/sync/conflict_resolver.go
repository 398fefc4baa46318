package sync

import (
	"fmt"

	"github.com/ganadoscan/ganadoscan/internal/models"
)

// LocalState describes what the device holds for a record id when a remote
// version (snapshot row or feed event) arrives.
type LocalState struct {
	Exists    bool
	SyncState models.SyncState
	// Queued is true when an outbox update or delete is still owed for the id.
	Queued bool
}

// Protected reports whether local state must not be touched by remote data.
func (l LocalState) Protected() bool {
	return l.Queued || (l.Exists && l.SyncState == models.SyncPendingUpload)
}

// ConflictResolution represents the resolution of a conflict
type ConflictResolution struct {
	Strategy     ConflictResolutionStrategy `json:"strategy"`
	WinnerSource TruthSource                `json:"winner_source"`
	Reason       string                     `json:"reason"`
}

// ConflictResolver decides between local and remote versions of a record.
// Unsynced local state always wins; otherwise the record store is authoritative.
type ConflictResolver struct{}

// NewConflictResolver creates a new conflict resolver
func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// Resolve decides which side wins for one record.
func (cr *ConflictResolver) Resolve(collection models.Collection, id string, local LocalState) ConflictResolution {
	switch {
	case local.Exists && local.SyncState == models.SyncPendingUpload:
		return ConflictResolution{
			Strategy:     ConflictClientWins,
			WinnerSource: TruthSourceLocal,
			Reason:       fmt.Sprintf("%s/%s awaits upload", collection, id),
		}
	case local.Queued && !local.Exists:
		return ConflictResolution{
			Strategy:     ConflictClientWins,
			WinnerSource: TruthSourceLocal,
			Reason:       fmt.Sprintf("%s/%s deleted locally, remote delete queued", collection, id),
		}
	case local.Queued:
		return ConflictResolution{
			Strategy:     ConflictClientWins,
			WinnerSource: TruthSourceLocal,
			Reason:       fmt.Sprintf("%s/%s has a queued local edit", collection, id),
		}
	}
	return ConflictResolution{
		Strategy:     ConflictServerWins,
		WinnerSource: TruthSourceRemote,
		Reason:       "no unsynced local state",
	}
}

// ShouldAcceptRemote reports whether a remote version may replace local state.
func (cr *ConflictResolver) ShouldAcceptRemote(collection models.Collection, id string, local LocalState) (bool, string) {
	res := cr.Resolve(collection, id, local)
	return res.WinnerSource == TruthSourceRemote, res.Reason
}
