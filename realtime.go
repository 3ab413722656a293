package olx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Targets
// ============================================================================

// TargetKind selects which server-side event channel a Conn attaches to.
type TargetKind int

const (
	// TargetConversation is the per-conversation chat socket.
	TargetConversation TargetKind = iota
	// TargetNotifications is the per-user notification socket.
	TargetNotifications
	// TargetGlobal is the per-user server-sent event stream.
	TargetGlobal
)

// Target identifies one live channel.
type Target struct {
	Kind           TargetKind
	ConversationID ID
}

// ConversationTarget returns the target for one conversation's socket.
func ConversationTarget(id ID) Target {
	return Target{Kind: TargetConversation, ConversationID: id}
}

// NotificationsTarget returns the target for the notification socket.
func NotificationsTarget() Target { return Target{Kind: TargetNotifications} }

// GlobalTarget returns the target for the user's event stream.
func GlobalTarget() Target { return Target{Kind: TargetGlobal} }

func (t Target) String() string {
	switch t.Kind {
	case TargetConversation:
		return "conversation:" + string(t.ConversationID)
	case TargetNotifications:
		return "notifications"
	default:
		return "global"
	}
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures real-time connections.
type RealtimeConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	IdleTimeout          time.Duration
	WriteTimeout         time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 8
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 45 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HTTPClient == nil {
		// Streams stay open indefinitely, so no client timeout.
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnState is the lifecycle state of a Conn.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnOpen         ConnState = "open"
	ConnReconnecting ConnState = "reconnecting"
	ConnClosing      ConnState = "closing"
	ConnClosed       ConnState = "closed"
)

// CloseReason says why a Conn reached ConnClosed.
type CloseReason string

const (
	ReasonNone         CloseReason = ""
	ReasonClosed       CloseReason = "closed"
	ReasonNoCredential CloseReason = "no-credential"
	ReasonAuthRejected CloseReason = "auth-rejected"
	ReasonExhausted    CloseReason = "retries-exhausted"
)

// StateChange is reported on every Conn state transition.
type StateChange struct {
	Target  Target
	State   ConnState
	Attempt int
	Delay   time.Duration
	Reason  CloseReason
	Err     error
}

// Terminal reports whether the change ends the connection for good.
func (s StateChange) Terminal() bool { return s.State == ConnClosed }

// EventHandler receives decoded inbound events, one at a time, in arrival order.
type EventHandler func(Event)

// StateHandler receives connection state changes.
type StateHandler func(StateChange)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

// nextDelay returns min(base * 2^attempt, max) and advances the attempt.
func (r *reconnector) nextDelay() time.Duration {
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt)),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Streams
// ============================================================================

// stream is one established connection to a live channel.
type stream interface {
	// Next blocks for the next frame. A nil frame with a nil error is a
	// keep-alive comment.
	Next(ctx context.Context) (data []byte, event string, err error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

type wsStream struct {
	conn *websocket.Conn
}

func dialWS(ctx context.Context, u string) (stream, error) {
	conn, resp, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket handshake %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &wsStream{conn: conn}, nil
}

func (s *wsStream) Next(ctx context.Context) ([]byte, string, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, "", err
	}
	return data, "", nil
}

func (s *wsStream) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsStream) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	event   string
	data    []string
}

func dialSSE(ctx context.Context, client *http.Client, u string) (stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: SSE HTTP %d", ErrAuthRejected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

func (s *sseStream) Next(context.Context) ([]byte, string, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if len(s.data) == 0 {
				s.event = ""
				continue
			}
			data, event := strings.Join(s.data, "\n"), s.event
			s.data, s.event = nil, ""
			return []byte(data), event, nil
		case strings.HasPrefix(line, ":"):
			return nil, "", nil
		case strings.HasPrefix(line, "event:"):
			s.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			s.data = append(s.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, "", err
	}
	return nil, "", io.EOF
}

func (s *sseStream) Write(context.Context, []byte) error {
	return fmt.Errorf("%w: event stream is receive-only", ErrNotConnected)
}

func (s *sseStream) Ping(context.Context) error { return nil }

func (s *sseStream) Close() error { return s.body.Close() }

// ============================================================================
// Conn
// ============================================================================

// Conn owns exactly one live connection to a target and re-establishes it on
// failure. It is created by RealtimeClient.Connect and must be closed by its
// owner.
type Conn struct {
	target   Target
	endpoint string
	store    TokenStore
	config   RealtimeConfig
	handler  EventHandler
	onState  StateHandler
	refresh  func(context.Context) error
	log      *slog.Logger

	mu               sync.Mutex
	state            ConnState
	reason           CloseReason
	current          stream
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector
	done             chan struct{}
}

func newConn(target Target, endpoint string, store TokenStore, config RealtimeConfig, handler EventHandler, onState StateHandler) *Conn {
	config.defaults()
	return &Conn{
		target:   target,
		endpoint: endpoint,
		store:    store,
		config:   config,
		handler:  handler,
		onState:  onState,
		log:      config.Logger.With("target", target.String()),
		state:    ConnConnecting,
		recon:    newReconnector(&config),
		done:     make(chan struct{}),
	}
}

func (c *Conn) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFn = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

// Target returns the channel this connection is attached to.
func (c *Conn) Target() Target { return c.target }

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns why the connection closed, or ReasonNone while it is live.
func (c *Conn) Reason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Attempts returns the number of consecutive failed attempts since the last
// successful open.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recon.attempt
}

// Done is closed once the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes one frame. It only succeeds while the connection is open and
// never queues; callers fall back to the request/response path on error.
func (c *Conn) Send(ctx context.Context, frame any) error {
	c.mu.Lock()
	st, open := c.current, c.state == ConnOpen
	c.mu.Unlock()
	if !open || st == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()
	if err := st.Write(wctx, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close shuts the connection down and cancels any pending reconnect. It never
// triggers a reconnect and is safe to call more than once. Use Done to wait
// for shutdown to finish.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = true
	if c.state != ConnClosed {
		c.state = ConnClosing
	}
	cancel := c.cancelFn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	var rejected string
	for {
		if ctx.Err() != nil {
			c.finish(ReasonClosed, nil)
			return
		}

		token := c.store.Load().AccessToken
		if token == "" {
			c.log.Info("no access token, not connecting")
			c.finish(ReasonNoCredential, ErrNoCredential)
			return
		}

		err := c.attempt(ctx, token)
		if ctx.Err() != nil {
			c.finish(ReasonClosed, nil)
			return
		}

		if errors.Is(err, ErrAuthRejected) {
			if token == rejected || c.refresh == nil {
				c.log.Warn("credential rejected", "err", err)
				c.finish(ReasonAuthRejected, err)
				return
			}
			rejected = token
			c.log.Info("credential rejected, refreshing", "err", err)
			if rerr := c.refresh(ctx); rerr != nil || c.store.Load().AccessToken == token {
				c.log.Warn("credential rejected and refresh failed", "err", rerr)
				c.finish(ReasonAuthRejected, err)
				return
			}
			continue
		}

		c.mu.Lock()
		retry := c.recon.shouldReconnect()
		var delay time.Duration
		if retry {
			delay = c.recon.nextDelay()
		}
		attempt := c.recon.attempt
		c.mu.Unlock()

		if !retry {
			c.log.Error("reconnect budget exhausted", "attempts", attempt, "err", err)
			c.finish(ReasonExhausted, err)
			return
		}

		c.log.Info("connection dropped, retry scheduled", "attempt", attempt, "delay", delay, "err", err)
		c.setState(StateChange{State: ConnReconnecting, Attempt: attempt, Delay: delay, Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.finish(ReasonClosed, nil)
			return
		case <-timer.C:
		}
	}
}

// attempt opens one connection and reads from it until it fails.
func (c *Conn) attempt(ctx context.Context, token string) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	attempt := c.recon.attempt
	c.mu.Unlock()
	if attempt == 0 {
		c.setState(StateChange{State: ConnConnecting})
	}
	c.log.Debug("connecting", "attempt", attempt)

	st, err := c.open(connCtx, token)
	if err != nil {
		return err
	}
	defer st.Close()

	c.mu.Lock()
	c.current = st
	c.recon.reset()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}()

	c.log.Info("connection open")
	c.setState(StateChange{State: ConnOpen})
	return c.readLoop(connCtx, cancel, st)
}

func (c *Conn) open(ctx context.Context, token string) (stream, error) {
	u := c.endpoint + "?" + url.Values{"token": {token}}.Encode()
	if c.target.Kind == TargetGlobal {
		return dialSSE(ctx, c.config.HTTPClient, u)
	}
	return dialWS(ctx, u)
}

func (c *Conn) readLoop(ctx context.Context, cancel context.CancelFunc, st stream) error {
	var (
		seenMu   sync.Mutex
		lastSeen = time.Now()
	)
	touch := func() {
		seenMu.Lock()
		lastSeen = time.Now()
		seenMu.Unlock()
	}

	go c.heartbeatLoop(ctx, cancel, st, touch)
	go func() {
		ticker := time.NewTicker(c.config.IdleTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seenMu.Lock()
				idle := time.Since(lastSeen)
				seenMu.Unlock()
				if idle > c.config.IdleTimeout {
					c.log.Warn("connection idle, forcing reconnect", "idle", idle)
					cancel()
					return
				}
			}
		}
	}()

	for {
		data, eventName, err := st.Next(ctx)
		if err != nil {
			return err
		}
		touch()
		if data == nil || ctx.Err() != nil {
			continue
		}
		c.dispatch(data, eventName)
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, st stream, touch func()) {
	if c.target.Kind == TargetGlobal {
		return
	}
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, c.config.IdleTimeout)
			err := st.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("heartbeat failed", "err", err)
					cancel()
				}
				return
			}
			touch()
		}
	}
}

func (c *Conn) dispatch(data []byte, eventName string) {
	ev, err := decodeEvent(data, eventName)
	switch {
	case errors.Is(err, errHistoryFrame):
		c.log.Warn("rejected history frame on live channel", "err", err)
		return
	case err != nil:
		c.log.Warn("dropped malformed frame", "err", err, "size", len(data))
		return
	case ev.Type == EventKeepAlive:
		return
	}

	c.mu.Lock()
	closing := c.intentionalClose
	c.mu.Unlock()
	if closing || c.handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	c.handler(ev)
}

func (c *Conn) setState(change StateChange) {
	change.Target = c.target
	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return
	}
	if c.intentionalClose && change.State != ConnClosed {
		c.mu.Unlock()
		return
	}
	c.state = change.State
	if change.State == ConnClosed {
		c.reason = change.Reason
	}
	c.mu.Unlock()

	if c.onState == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("state handler panicked", "state", change.State, "panic", r)
		}
	}()
	c.onState(change)
}

func (c *Conn) finish(reason CloseReason, err error) {
	if reason == ReasonClosed {
		c.log.Info("connection closed")
	}
	c.setState(StateChange{State: ConnClosed, Reason: reason, Err: err})
}
