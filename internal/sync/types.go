package sync

import (
	"context"
	"time"

	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/remote"
)

// RemoteClient is the record store as seen by the engine.
type RemoteClient interface {
	CreateTag(ctx context.Context, t models.Tag) (models.Tag, error)
	CreateBatch(ctx context.Context, b models.Batch) (models.Batch, error)
	UpdateTag(ctx context.Context, id string, fields models.TagFields) error
	UpdateBatch(ctx context.Context, id string, fields models.BatchFields) error
	DeleteTag(ctx context.Context, id string) error
	DeleteBatch(ctx context.Context, id string) error
	ListTags(ctx context.Context) ([]models.Tag, error)
	ListBatches(ctx context.Context) ([]models.Batch, error)
	Subscribe(ctx context.Context, handler func(models.Event)) (remote.Subscription, error)
	Ping(ctx context.Context) error
}

// ConnectivityState is the change-feed connection state.
type ConnectivityState string

const (
	StateDisconnected ConnectivityState = "DISCONNECTED"
	StateConnecting   ConnectivityState = "CONNECTING"
	StateConnected    ConnectivityState = "CONNECTED"
)

func (s ConnectivityState) gauge() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	default:
		return 0
	}
}

// TruthSource represents the origin of a record version.
type TruthSource string

const (
	TruthSourceLocal  TruthSource = "local"
	TruthSourceRemote TruthSource = "remote"
)

// ConflictResolutionStrategy names the rule that decided a conflict.
type ConflictResolutionStrategy string

const (
	// ConflictClientWins keeps unsynced local state over anything remote.
	ConflictClientWins ConflictResolutionStrategy = "client_wins"
	// ConflictServerWins lets the record store overwrite synced local copies.
	ConflictServerWins ConflictResolutionStrategy = "server_wins"
)

// Config holds engine tuning.
type Config struct {
	// RequestTimeout bounds each background remote call.
	RequestTimeout time.Duration
	// RetryInterval, when positive, drains the queue periodically while running.
	RetryInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 15 * time.Second,
	}
}

// View is the merged state shown to the operator.
type View struct {
	Tags          []models.Tag
	Batches       []models.Batch
	ActiveBatchID string
	// Unassigned is true when scans go to the unassigned scope.
	Unassigned bool
	// Queued counts outbox entries (updates and deletes) not yet acknowledged.
	Queued int
}

// DrainReport summarizes one pass over the pending queue.
type DrainReport struct {
	Skipped  bool
	Uploaded int
	Updated  int
	Deleted  int
	Failed   int
	Duration time.Duration
}

// SnapshotReport summarizes a snapshot refresh.
type SnapshotReport struct {
	Applied int
	Ignored int
	Pruned  int
}
