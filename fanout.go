package olx

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AnyEvent subscribes to every event type.
const AnyEvent EventType = "*"

// BusConfig configures a Bus.
type BusConfig struct {
	// Target defaults to the global event stream.
	Target       *Target
	PollInterval time.Duration
	Logger       *slog.Logger
	OnState      StateHandler
}

func (c *BusConfig) defaults() {
	if c.Target == nil {
		t := GlobalTarget()
		c.Target = &t
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// identity is the part of the credentials that decides which stream to hold.
type identity struct {
	authenticated bool
	user          ID
}

func identityOf(c Credentials) identity {
	return identity{authenticated: c.Authenticated(), user: c.UserID}
}

type subscription struct {
	handler func(Event)
}

// Bus shares one live connection between any number of subscribers. It
// watches the credential store and rebuilds the connection when the session
// identity changes: a login, a logout or a different user, including one done
// by another process. A token refresh for the same user keeps the connection.
type Bus struct {
	store  TokenStore
	dialer Dialer
	config BusConfig
	log    *slog.Logger

	mu         sync.Mutex
	handlers   map[EventType][]*subscription
	transport  Transport
	generation uint64
	version    uint64
	identity   identity
	started    bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewBus creates a bus. Call Start to connect.
func NewBus(store TokenStore, dialer Dialer, config *BusConfig) *Bus {
	cfg := BusConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Bus{
		store:    store,
		dialer:   dialer,
		config:   cfg,
		log:      cfg.Logger.With("component", "bus"),
		handlers: make(map[EventType][]*subscription),
		done:     make(chan struct{}),
	}
}

// Start connects if credentials are present and begins watching the store.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.started = true
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.version = b.store.Version()
	b.identity = identityOf(b.store.Load())
	b.mu.Unlock()

	b.rebuild(ctx)
	go b.watch(ctx)
}

// Subscribe registers h for events of type t; AnyEvent matches every type.
// Handlers for a type run in registration order. The returned function
// removes the subscription; calling it again, or after Close, does nothing.
func (b *Bus) Subscribe(t EventType, h func(Event)) (unsubscribe func()) {
	sub := &subscription{handler: h}
	b.mu.Lock()
	if !b.closed {
		b.handlers[t] = append(b.handlers[t], sub)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[t]
			for i, s := range subs {
				if s == sub {
					b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.handlers[t]) == 0 {
				delete(b.handlers, t)
			}
		})
	}
}

// Authenticated reports whether the bus currently holds a connection.
func (b *Bus) Authenticated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport != nil
}

// Reconnect tears down the connection and, if credentials are present,
// opens a fresh one.
func (b *Bus) Reconnect(ctx context.Context) {
	b.mu.Lock()
	if b.closed || !b.started {
		b.mu.Unlock()
		return
	}
	b.version = b.store.Version()
	b.identity = identityOf(b.store.Load())
	b.mu.Unlock()
	b.rebuild(ctx)
}

// Close disconnects and drops every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	t := b.transport
	b.transport = nil
	b.generation++
	b.handlers = make(map[EventType][]*subscription)
	cancel, started := b.cancel, b.started
	b.mu.Unlock()

	if t != nil {
		t.Close()
	}
	if cancel != nil {
		cancel()
	}
	if started {
		<-b.done
	}
	return nil
}

func (b *Bus) watch(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.credentialsChanged() {
				b.log.Info("session changed, rebuilding connection")
				b.rebuild(ctx)
			}
		}
	}
}

// credentialsChanged reports whether the store changed in a way that needs a
// new connection. A refreshed token for the same user only needs one when the
// previous connection has ended for good.
func (b *Bus) credentialsChanged() bool {
	v := b.store.Version()
	b.mu.Lock()
	defer b.mu.Unlock()
	if v == b.version {
		return false
	}
	b.version = v
	next := identityOf(b.store.Load())
	if next != b.identity {
		b.identity = next
		return true
	}
	return next.authenticated && b.transport == nil
}

// rebuild replaces the current connection.
func (b *Bus) rebuild(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	old := b.transport
	b.transport = nil
	b.generation++
	gen := b.generation
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if !b.store.Load().Authenticated() {
		b.log.Debug("not authenticated, bus idle")
		return
	}

	t := b.dialer.Dial(ctx, *b.config.Target,
		func(ev Event) { b.dispatch(gen, ev) },
		func(sc StateChange) { b.stateChanged(gen, sc) },
	)

	b.mu.Lock()
	if b.closed || b.generation != gen {
		b.mu.Unlock()
		t.Close()
		return
	}
	if t.State() != ConnClosed {
		b.transport = t
	}
	b.mu.Unlock()
}

func (b *Bus) dispatch(gen uint64, ev Event) {
	b.mu.Lock()
	if b.generation != gen {
		b.mu.Unlock()
		return
	}
	subs := append([]*subscription{}, b.handlers[ev.Type]...)
	subs = append(subs, b.handlers[AnyEvent]...)
	b.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("subscriber panicked", "type", ev.Type, "panic", r)
				}
			}()
			s.handler(ev)
		}()
	}
}

func (b *Bus) stateChanged(gen uint64, sc StateChange) {
	b.mu.Lock()
	current := b.generation == gen
	if current && sc.Terminal() {
		b.transport = nil
	}
	b.mu.Unlock()
	if current && b.config.OnState != nil {
		b.config.OnState(sc)
	}
}
