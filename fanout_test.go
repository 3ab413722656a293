package olx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, creds Credentials) (*Bus, *MemoryTokenStore, *fakeDialer) {
	t.Helper()
	store := NewMemoryTokenStore(creds)
	dialer := newFakeDialer(ConnOpen)
	bus := NewBus(store, dialer, &BusConfig{PollInterval: 5 * time.Millisecond, Logger: discardLogger()})
	t.Cleanup(func() { bus.Close() })
	return bus, store, dialer
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.calls...)
}

func TestBus_DispatchOrder(t *testing.T) {
	bus, _, dialer := newTestBus(t, Credentials{AccessToken: "a"})
	var log callLog

	bus.Subscribe(AnyEvent, func(Event) { log.add("any") })
	bus.Subscribe(EventNotificationCreated, func(Event) { log.add("first") })
	bus.Subscribe(EventNotificationCreated, func(Event) { log.add("second") })
	bus.Subscribe(EventMessageCreated, func(Event) { log.add("message") })

	bus.Start(context.Background())
	require.Equal(t, 1, dialer.count())
	assert.Equal(t, GlobalTarget(), dialer.last().target)
	assert.True(t, bus.Authenticated())

	dialer.last().handler(Event{Type: EventNotificationCreated})
	assert.Equal(t, []string{"first", "second", "any"}, log.get())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus, _, dialer := newTestBus(t, Credentials{AccessToken: "a"})
	var log callLog

	unsubA := bus.Subscribe(EventUnreadCount, func(Event) { log.add("a") })
	bus.Subscribe(EventUnreadCount, func(Event) { log.add("b") })
	bus.Start(context.Background())

	unsubA()
	unsubA()

	dialer.last().handler(Event{Type: EventUnreadCount})
	assert.Equal(t, []string{"b"}, log.get())
}

func TestBus_PanickingSubscriberDoesNotStopOthers(t *testing.T) {
	bus, _, dialer := newTestBus(t, Credentials{AccessToken: "a"})
	var log callLog

	bus.Subscribe(EventMessageCreated, func(Event) { panic("boom") })
	bus.Subscribe(EventMessageCreated, func(Event) { log.add("after") })
	bus.Start(context.Background())

	assert.NotPanics(t, func() {
		dialer.last().handler(Event{Type: EventMessageCreated})
	})
	assert.Equal(t, []string{"after"}, log.get())
}

func TestBus_IdleWithoutCredentials(t *testing.T) {
	bus, _, dialer := newTestBus(t, Credentials{})
	bus.Start(context.Background())

	assert.Zero(t, dialer.count())
	assert.False(t, bus.Authenticated())
}

func TestBus_RebuildsOnSessionChange(t *testing.T) {
	bus, store, dialer := newTestBus(t, Credentials{})
	var log callLog
	bus.Subscribe(AnyEvent, func(ev Event) { log.add(string(ev.Type)) })
	bus.Start(context.Background())
	require.Zero(t, dialer.count())

	require.NoError(t, store.Save(Credentials{AccessToken: "a", UserID: "7"}))
	require.Eventually(t, func() bool { return dialer.count() == 1 }, time.Second, 5*time.Millisecond)
	first := dialer.last()

	require.NoError(t, store.Save(Credentials{AccessToken: "b", UserID: "8"}))
	require.Eventually(t, func() bool { return dialer.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ConnClosed, first.transport.State())

	// the replaced connection no longer reaches subscribers
	first.handler(Event{Type: EventTyping})
	dialer.last().handler(Event{Type: EventUnreadCount})
	assert.Equal(t, []string{string(EventUnreadCount)}, log.get())

	require.NoError(t, store.Clear())
	require.Eventually(t, func() bool { return !bus.Authenticated() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ConnClosed, dialer.last().transport.State())
	assert.Equal(t, 2, dialer.count())
}

func TestBus_TokenRefreshKeepsConnection(t *testing.T) {
	bus, store, dialer := newTestBus(t, Credentials{AccessToken: "a1", RefreshToken: "r", UserID: "7"})
	bus.Start(context.Background())
	require.Equal(t, 1, dialer.count())

	require.NoError(t, store.Save(Credentials{AccessToken: "a2", RefreshToken: "r", UserID: "7"}))

	assert.Never(t, func() bool { return dialer.count() != 1 }, 60*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, ConnOpen, dialer.last().transport.State())
	assert.True(t, bus.Authenticated())
}

func TestBus_TokenRefreshRevivesEndedConnection(t *testing.T) {
	bus, store, dialer := newTestBus(t, Credentials{AccessToken: "a1", RefreshToken: "r", UserID: "7"})
	bus.Start(context.Background())
	dialer.last().onState(StateChange{State: ConnClosed, Reason: ReasonAuthRejected})
	require.False(t, bus.Authenticated())

	require.NoError(t, store.Save(Credentials{AccessToken: "a2", RefreshToken: "r", UserID: "7"}))

	require.Eventually(t, func() bool { return dialer.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, bus.Authenticated())
}

func TestBus_Reconnect(t *testing.T) {
	bus, _, dialer := newTestBus(t, Credentials{AccessToken: "a"})
	bus.Start(context.Background())
	first := dialer.last()

	bus.Reconnect(context.Background())

	assert.Equal(t, 2, dialer.count())
	assert.Equal(t, ConnClosed, first.transport.State())
	assert.True(t, bus.Authenticated())
}

func TestBus_TerminalCloseClearsConnection(t *testing.T) {
	store := NewMemoryTokenStore(Credentials{AccessToken: "a"})
	dialer := newFakeDialer(ConnOpen)
	var states []StateChange
	bus := NewBus(store, dialer, &BusConfig{
		PollInterval: time.Hour,
		Logger:       discardLogger(),
		OnState:      func(sc StateChange) { states = append(states, sc) },
	})
	defer bus.Close()
	bus.Start(context.Background())

	dialer.last().onState(StateChange{State: ConnClosed, Reason: ReasonAuthRejected})

	assert.False(t, bus.Authenticated())
	require.Len(t, states, 1)
	assert.Equal(t, ReasonAuthRejected, states[0].Reason)
}

func TestBus_Close(t *testing.T) {
	bus, _, dialer := newTestBus(t, Credentials{AccessToken: "a"})
	var log callLog
	unsub := bus.Subscribe(AnyEvent, func(Event) { log.add("x") })
	bus.Start(context.Background())

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.Equal(t, ConnClosed, dialer.last().transport.State())

	assert.NotPanics(t, unsub)
	bus.Subscribe(AnyEvent, func(Event) { log.add("late") })
	dialer.last().handler(Event{Type: EventUnreadCount})
	assert.Empty(t, log.get())

	bus.Reconnect(context.Background())
	assert.Equal(t, 1, dialer.count())
}
