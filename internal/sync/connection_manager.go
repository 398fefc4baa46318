package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/remote"
)

const (
	// DefaultReconnectBackoff is the fixed wait before re-subscribing.
	DefaultReconnectBackoff = 5 * time.Second
	// DefaultHealthCheckInterval is how often the health probe runs.
	DefaultHealthCheckInterval = 30 * time.Second

	maxStateHistory = 100
)

// FeedClient is the part of the record store the connection manager uses.
type FeedClient interface {
	Subscribe(ctx context.Context, handler func(models.Event)) (remote.Subscription, error)
	Ping(ctx context.Context) error
}

// Syncer is what the connection manager drives on connectivity changes.
type Syncer interface {
	RequestSync(refresh bool)
	ApplyRemoteEvent(ctx context.Context, ev models.Event) error
}

// StateChange records one connectivity transition.
type StateChange struct {
	From      ConnectivityState `json:"from"`
	To        ConnectivityState `json:"to"`
	Reason    string            `json:"reason"`
	Timestamp time.Time         `json:"timestamp"`
}

// ConnectionStatus is a snapshot of the manager's state.
type ConnectionStatus struct {
	State       ConnectivityState `json:"state"`
	Online      bool              `json:"online"`
	LastCheck   time.Time         `json:"last_check"`
	LastSuccess *time.Time        `json:"last_success,omitempty"`
	LastFailure *time.Time        `json:"last_failure,omitempty"`
}

// ConnectionManagerOptions configures a ConnectionManager.
type ConnectionManagerOptions struct {
	Backoff             time.Duration
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	Logger              *slog.Logger
	Metrics             *Metrics
	// OnStateChange, if set, is called after every transition.
	OnStateChange func(StateChange)
}

// ConnectionManager keeps the change feed subscribed and tracks whether the
// record store is reachable. Entering CONNECTED asks the engine for a drain
// followed by a snapshot refresh; the health probe turning online asks for a
// drain.
type ConnectionManager struct {
	mu gosync.RWMutex

	client  FeedClient
	syncer  Syncer
	log     *slog.Logger
	metrics *Metrics
	notify  func(StateChange)

	// Configuration
	backoff             time.Duration
	healthCheckInterval time.Duration
	probeTimeout        time.Duration

	// Current state
	state       ConnectivityState
	isOnline    bool
	lastCheck   time.Time
	lastSuccess *time.Time
	lastFailure *time.Time
	history     []StateChange

	running bool
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(client FeedClient, syncer Syncer, opts ConnectionManagerOptions) *ConnectionManager {
	cm := &ConnectionManager{
		client:              client,
		syncer:              syncer,
		log:                 opts.Logger,
		metrics:             opts.Metrics,
		notify:              opts.OnStateChange,
		backoff:             opts.Backoff,
		healthCheckInterval: opts.HealthCheckInterval,
		probeTimeout:        opts.ProbeTimeout,
		state:               StateDisconnected,
		history:             make([]StateChange, 0),
	}
	if cm.log == nil {
		cm.log = slog.Default()
	}
	cm.log = cm.log.With("component", "connectivity")
	if cm.metrics == nil {
		cm.metrics = NewMetrics(nil)
	}
	if cm.backoff <= 0 {
		cm.backoff = DefaultReconnectBackoff
	}
	if cm.healthCheckInterval <= 0 {
		cm.healthCheckInterval = DefaultHealthCheckInterval
	}
	if cm.probeTimeout <= 0 {
		cm.probeTimeout = 10 * time.Second
	}
	return cm
}

// Start subscribes to the feed and begins health checking.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.running {
		return errors.Conflict("connection manager already running")
	}
	cm.running = true

	ctx, cm.cancel = context.WithCancel(ctx)
	cm.wg.Add(2)
	go cm.feedLoop(ctx)
	go cm.healthCheckLoop(ctx)
	return nil
}

// Stop closes the feed and stops health checking. Uploads already running
// in the engine are not affected.
func (cm *ConnectionManager) Stop() {
	cm.mu.Lock()
	if !cm.running {
		cm.mu.Unlock()
		return
	}
	cm.running = false
	cm.cancel()
	cm.mu.Unlock()

	cm.wg.Wait()
	cm.setState(StateDisconnected, "stopped")
}

// State returns the current connectivity state.
func (cm *ConnectionManager) State() ConnectivityState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsOnline returns whether the last health probe succeeded
func (cm *ConnectionManager) IsOnline() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isOnline
}

// Status returns the current state and probe results.
func (cm *ConnectionManager) Status() ConnectionStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return ConnectionStatus{
		State:       cm.state,
		Online:      cm.isOnline,
		LastCheck:   cm.lastCheck,
		LastSuccess: cm.lastSuccess,
		LastFailure: cm.lastFailure,
	}
}

// History returns the most recent transitions, oldest first.
func (cm *ConnectionManager) History() []StateChange {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]StateChange, len(cm.history))
	copy(out, cm.history)
	return out
}

func (cm *ConnectionManager) setState(to ConnectivityState, reason string) {
	cm.mu.Lock()
	from := cm.state
	if from == to {
		cm.mu.Unlock()
		return
	}
	cm.state = to
	change := StateChange{From: from, To: to, Reason: reason, Timestamp: time.Now()}
	cm.history = append(cm.history, change)

	// Keep only last 100 transitions
	if len(cm.history) > maxStateHistory {
		cm.history = cm.history[len(cm.history)-maxStateHistory:]
	}
	notify := cm.notify
	cm.mu.Unlock()

	cm.metrics.Connectivity.Set(to.gauge())
	cm.log.Info("connectivity changed", "from", from, "to", to, "reason", reason)
	if notify != nil {
		notify(change)
	}
}

// feedLoop keeps one subscription open, waiting a fixed backoff after
// every failure or disconnect.
func (cm *ConnectionManager) feedLoop(ctx context.Context) {
	defer cm.wg.Done()

	handler := func(ev models.Event) {
		if err := cm.syncer.ApplyRemoteEvent(ctx, ev); err != nil {
			cm.log.Warn("failed to apply remote event", "collection", ev.Collection, "id", ev.ID, "error", err)
		}
	}

	for {
		cm.setState(StateConnecting, "subscribing")
		sub, err := cm.client.Subscribe(ctx, handler)
		if ctx.Err() != nil {
			if sub != nil {
				_ = sub.Close()
			}
			return
		}
		if err != nil {
			cm.setState(StateDisconnected, err.Error())
		} else {
			cm.setState(StateConnected, "feed subscribed")
			cm.syncer.RequestSync(true)

			select {
			case <-sub.Done():
				reason := "feed closed"
				if err := sub.Err(); err != nil {
					reason = err.Error()
				}
				cm.setState(StateDisconnected, reason)
			case <-ctx.Done():
				_ = sub.Close()
				return
			}
		}

		select {
		case <-time.After(cm.backoff):
		case <-ctx.Done():
			return
		}
	}
}

// healthCheckLoop periodically probes the record store
func (cm *ConnectionManager) healthCheckLoop(ctx context.Context) {
	defer cm.wg.Done()

	cm.probe(ctx)
	ticker := time.NewTicker(cm.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (cm *ConnectionManager) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, cm.probeTimeout)
	err := cm.client.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	now := time.Now()
	cm.mu.Lock()
	was := cm.isOnline
	cm.isOnline = err == nil
	cm.lastCheck = now
	if err == nil {
		cm.lastSuccess = &now
	} else {
		cm.lastFailure = &now
	}
	cm.mu.Unlock()

	if err == nil {
		cm.metrics.Online.Set(1)
	} else {
		cm.metrics.Online.Set(0)
	}

	switch {
	case err == nil && !was:
		cm.log.Info("record store reachable, draining pending queue")
		cm.syncer.RequestSync(false)
	case err != nil && was:
		cm.log.Warn("record store unreachable", "error", err)
	}
}
