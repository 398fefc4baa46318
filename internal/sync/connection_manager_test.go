package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/logger"
	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/remote"
)

type fakeSubscription struct {
	done chan struct{}
	once gosync.Once
	err  error
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{done: make(chan struct{})}
}

func (s *fakeSubscription) Done() <-chan struct{} { return s.done }
func (s *fakeSubscription) Err() error            { return s.err }
func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSubscription) drop(err error) {
	s.err = err
	s.once.Do(func() { close(s.done) })
}

type fakeFeed struct {
	mu       gosync.Mutex
	failures int
	subs     []*fakeSubscription
	handler  func(models.Event)
	pingErr  error
	attempts atomic.Int32
}

func (f *fakeFeed) Subscribe(_ context.Context, handler func(models.Event)) (remote.Subscription, error) {
	f.attempts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.RemoteUnavailable(nil, "dial refused")
	}
	sub := newFakeSubscription()
	f.subs = append(f.subs, sub)
	f.handler = handler
	return sub, nil
}

func (f *fakeFeed) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeFeed) latest() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type fakeSyncer struct {
	mu       gosync.Mutex
	requests []bool
	events   []models.Event
}

func (s *fakeSyncer) RequestSync(refresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, refresh)
}

func (s *fakeSyncer) ApplyRemoteEvent(_ context.Context, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSyncer) snapshot() ([]bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(s.requests))
	copy(out, s.requests)
	return out, len(s.events)
}

func newTestManager(feed *fakeFeed, syncer *fakeSyncer) *ConnectionManager {
	return NewConnectionManager(feed, syncer, ConnectionManagerOptions{
		Backoff:             20 * time.Millisecond,
		HealthCheckInterval: time.Hour,
		Logger:              logger.Discard().Logger,
	})
}

func TestConnectionManager_ConnectsAndRequestsRefresh(t *testing.T) {
	feed := &fakeFeed{failures: 2, pingErr: errors.RemoteUnavailable(nil, "down")}
	syncer := &fakeSyncer{}
	cm := newTestManager(feed, syncer)

	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop()

	require.Eventually(t, func() bool { return cm.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, int(feed.attempts.Load()), 3)

	require.Eventually(t, func() bool {
		requests, _ := syncer.snapshot()
		return len(requests) > 0
	}, 2*time.Second, 5*time.Millisecond)
	requests, _ := syncer.snapshot()
	assert.True(t, requests[len(requests)-1], "entering CONNECTED asks for drain and refresh")

	history := cm.History()
	require.NotEmpty(t, history)
	assert.Equal(t, StateConnected, history[len(history)-1].To)
	assert.Equal(t, StateConnecting, history[len(history)-1].From)
}

func TestConnectionManager_ReconnectsAfterDrop(t *testing.T) {
	feed := &fakeFeed{}
	syncer := &fakeSyncer{}
	cm := newTestManager(feed, syncer)

	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop()

	require.Eventually(t, func() bool { return cm.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	first := feed.latest()
	first.drop(errors.RemoteUnavailable(nil, "feed read"))

	require.Eventually(t, func() bool {
		return feed.latest() != first && cm.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	var sawDisconnect bool
	for _, change := range cm.History() {
		if change.To == StateDisconnected && change.From == StateConnected {
			sawDisconnect = true
		}
	}
	assert.True(t, sawDisconnect)
}

func TestConnectionManager_ForwardsEvents(t *testing.T) {
	feed := &fakeFeed{}
	syncer := &fakeSyncer{}
	cm := newTestManager(feed, syncer)

	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop()
	require.Eventually(t, func() bool { return cm.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	feed.mu.Lock()
	handler := feed.handler
	feed.mu.Unlock()
	handler(models.Event{Type: models.EventDelete, Collection: models.CollectionTags, ID: "t1"})

	_, events := syncer.snapshot()
	assert.Equal(t, 1, events)
}

func TestConnectionManager_OnlineProbeRequestsDrain(t *testing.T) {
	feed := &fakeFeed{failures: 1 << 20}
	syncer := &fakeSyncer{}
	cm := newTestManager(feed, syncer)

	require.NoError(t, cm.Start(context.Background()))
	require.Eventually(t, func() bool {
		requests, _ := syncer.snapshot()
		return len(requests) > 0
	}, 2*time.Second, 5*time.Millisecond)

	requests, _ := syncer.snapshot()
	assert.True(t, cm.IsOnline())
	assert.False(t, requests[0], "online signal asks for a drain only")
	assert.NotNil(t, cm.Status().LastSuccess)

	cm.Stop()
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestConnectionManager_HistoryIsCapped(t *testing.T) {
	cm := newTestManager(&fakeFeed{}, &fakeSyncer{})
	for i := 0; i < 150; i++ {
		if i%2 == 0 {
			cm.setState(StateConnecting, "test")
		} else {
			cm.setState(StateDisconnected, "test")
		}
	}
	assert.Len(t, cm.History(), maxStateHistory)
}
