package olx

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ============================================================================
// Collaborators
// ============================================================================

// ChatAPI is the request/response surface a conversation view uses.
// *ChatClient implements it.
type ChatAPI interface {
	GetConversation(ctx context.Context, id ID) (*Conversation, error)
	Messages(ctx context.Context, id ID, opts *PageOptions) (*MessagePage, error)
	SendMessage(ctx context.Context, id ID, req SendMessageRequest) (*Message, error)
	MarkRead(ctx context.Context, id ID) error
	MarkDelivered(ctx context.Context, messageID ID) error
	HideConversation(ctx context.Context, id ID) error
}

// Transport is a live connection owned by a single view.
type Transport interface {
	Send(ctx context.Context, frame any) error
	State() ConnState
	Close() error
}

// Dialer opens live connections. *RealtimeClient implements it.
type Dialer interface {
	Dial(ctx context.Context, target Target, handler EventHandler, onState StateHandler) Transport
}

// ============================================================================
// Configuration
// ============================================================================

// ViewConfig configures a ConversationView.
type ViewConfig struct {
	// Self is the logged-in user's id.
	Self           ID
	PageSize       int
	EchoWindow     time.Duration
	TypingInterval time.Duration
	Logger         *slog.Logger
	Notifier       Notifier
	Navigator      Navigator
	Now            func() time.Time
}

func (c *ViewConfig) defaults() {
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = 30 * time.Second
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Notifier == nil {
		c.Notifier = NopNotifier{}
	}
	if c.Navigator == nil {
		c.Navigator = NopNavigator{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ViewState is the lifecycle of one conversation view.
type ViewState string

const (
	ViewLoading      ViewState = "loading"
	ViewReady        ViewState = "ready"
	ViewReconnecting ViewState = "reconnecting"
	ViewClosed       ViewState = "closed"
)

// ViewSnapshot is what a renderer draws.
type ViewSnapshot struct {
	State        ViewState
	Conversation *Conversation
	Messages     []Message
	OtherTyping  bool
	HasMore      bool
	Connection   ConnState
	// Disconnected is set once the live connection gave up for good.
	Disconnected bool
	CloseReason  CloseReason
}

// Empty reports the "no messages yet" state.
func (s ViewSnapshot) Empty() bool {
	return s.State != ViewLoading && len(s.Messages) == 0
}

// ============================================================================
// Conversation View
// ============================================================================

// ConversationView loads one conversation, merges live events into it and
// manages optimistic sends. A view is single-use: once closed, open a new one.
type ConversationView struct {
	id     ID
	api    ChatAPI
	dialer Dialer
	config ViewConfig
	log    *slog.Logger
	typing *rate.Limiter

	mu           sync.Mutex
	state        ViewState
	conv         *Conversation
	list         *messageList
	otherTyping  bool
	focused      bool
	notified     map[ID]bool
	transport    Transport
	connState    ConnState
	connReason   CloseReason
	disconnected bool
	page         int
	hasMore      bool
	closed       bool
	cancel       context.CancelFunc
	listeners    []func(ViewSnapshot)
	echoTimers   map[string]*time.Timer
	background   sync.WaitGroup
}

// NewConversationView creates a view for conversation id. Call Open to load it.
func NewConversationView(id ID, api ChatAPI, dialer Dialer, config *ViewConfig) *ConversationView {
	cfg := ViewConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ConversationView{
		id:         id,
		api:        api,
		dialer:     dialer,
		config:     cfg,
		log:        cfg.Logger.With("conversation", string(id)),
		typing:     rate.NewLimiter(rate.Every(cfg.TypingInterval), 1),
		state:      ViewLoading,
		list:       newMessageList(),
		notified:   make(map[ID]bool),
		echoTimers: make(map[string]*time.Timer),
	}
}

// ID returns the conversation id.
func (v *ConversationView) ID() ID { return v.id }

// OnChange registers a renderer callback invoked after every change.
func (v *ConversationView) OnChange(fn func(ViewSnapshot)) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

// Snapshot returns the current view contents.
func (v *ConversationView) Snapshot() ViewSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *ConversationView) snapshotLocked() ViewSnapshot {
	snap := ViewSnapshot{
		State:        v.state,
		Messages:     v.list.Snapshot(),
		OtherTyping:  v.otherTyping,
		HasMore:      v.hasMore,
		Connection:   v.connState,
		Disconnected: v.disconnected,
		CloseReason:  v.connReason,
	}
	if v.conv != nil {
		c := *v.conv
		snap.Conversation = &c
	}
	return snap
}

// changed publishes a snapshot to every listener. Must not hold v.mu.
func (v *ConversationView) changed() {
	v.mu.Lock()
	snap := v.snapshotLocked()
	listeners := append([]func(ViewSnapshot){}, v.listeners...)
	v.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					v.log.Error("view listener panicked", "panic", r)
				}
			}()
			fn(snap)
		}()
	}
}

// Open connects the live channel and loads the conversation and its latest
// page of history. On failure the view closes itself and asks the navigator
// to leave it.
func (v *ConversationView) Open(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	viewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v.cancel = cancel
	v.mu.Unlock()

	// Connect first so nothing sent while history loads is missed; the list
	// merges both in created_at order.
	if v.dialer != nil {
		t := v.dialer.Dial(viewCtx, ConversationTarget(v.id), v.handleEvent, v.handleState)
		v.mu.Lock()
		v.transport = t
		if v.connState == "" {
			v.connState = t.State()
		}
		closed := v.closed
		v.mu.Unlock()
		if closed {
			t.Close()
			return ErrViewClosed
		}
	}

	conv, err := v.api.GetConversation(ctx, v.id)
	var page *MessagePage
	if err == nil {
		page, err = v.api.Messages(ctx, v.id, &PageOptions{PageSize: v.config.PageSize})
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	if err != nil {
		v.mu.Unlock()
		v.log.Error("failed to load conversation", "err", err)
		v.Close()
		v.config.Navigator.ToConversationList(err)
		return err
	}

	v.conv = conv
	v.mergeConfirmedLocked(page.Messages)
	v.page = 1
	v.hasMore = page.HasMore()
	v.state = ViewReady
	if v.connState == ConnReconnecting {
		v.state = ViewReconnecting
	}
	unread := v.list.Unread(v.config.Self) > 0 || conv.UnreadCount > 0
	v.mu.Unlock()

	v.log.Debug("conversation loaded", "messages", page.Count)
	v.changed()
	if unread {
		v.markReadAsync()
	}
	return nil
}

// LoadOlder fetches the next older page and merges it. It returns how many
// messages were added.
func (v *ConversationView) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return 0, ErrViewClosed
	}
	if !v.hasMore {
		v.mu.Unlock()
		return 0, nil
	}
	next := v.page + 1
	v.mu.Unlock()

	page, err := v.api.Messages(ctx, v.id, &PageOptions{Page: next, PageSize: v.config.PageSize})
	if err != nil {
		v.log.Warn("failed to load older messages", "page", next, "err", err)
		return 0, err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return 0, ErrViewClosed
	}
	added := v.list.Merge(page.Messages)
	v.page = next
	v.hasMore = page.HasMore()
	v.mu.Unlock()

	v.changed()
	return added, nil
}

// Send validates text and sends it. The message is inserted optimistically,
// then sent over the live connection when it is open, otherwise through the
// request/response path. Empty text is rejected with no side effect.
func (v *ConversationView) Send(ctx context.Context, text string) error {
	content, err := ValidateContent(text)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	clientID := uuid.NewString()
	prior := v.list.confirmedWith(v.config.Self, content)
	v.list.Insert(Message{
		ClientID:       clientID,
		Pending:        true,
		ConversationID: v.id,
		SenderID:       v.config.Self,
		Content:        content,
		Type:           "text",
		CreatedAt:      v.config.Now(),
	})
	t := v.transport
	v.mu.Unlock()
	v.changed()

	if t != nil && t.State() == ConnOpen {
		err := t.Send(ctx, ChatMessageFrame(content))
		if err == nil {
			v.watchEcho(clientID, content, prior)
			return nil
		}
		v.log.Info("live send failed, using request path", "err", err)
	}

	msg, err := v.api.SendMessage(ctx, v.id, SendMessageRequest{Content: content})

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	if err != nil {
		v.list.Drop(clientID)
		v.mu.Unlock()
		v.changed()
		v.log.Warn("send failed", "err", err)
		return err
	}
	v.list.Reconcile(clientID, *msg)
	v.mu.Unlock()
	v.changed()
	return nil
}

// watchEcho confirms a live-sent message whose echo has not arrived within
// the echo window by re-reading the latest page. prior holds the ids of
// identical messages that were already confirmed before the send.
func (v *ConversationView) watchEcho(clientID, content string, prior map[ID]bool) {
	v.background.Add(1)
	timer := time.AfterFunc(v.config.EchoWindow, func() {
		defer v.background.Done()

		v.mu.Lock()
		delete(v.echoTimers, clientID)
		_, pending := v.list.byClient[clientID]
		closed := v.closed
		v.mu.Unlock()
		if closed || !pending {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		page, err := v.api.Messages(ctx, v.id, &PageOptions{PageSize: v.config.PageSize})

		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return
		}
		if err == nil {
			v.mergeConfirmedLocked(page.Messages)
		}
		_, stillPending := v.list.byClient[clientID]
		confirmed := false
		if stillPending {
			v.list.Drop(clientID)
			confirmed = err == nil && echoedIn(page.Messages, v.config.Self, content, prior)
		}
		v.mu.Unlock()

		switch {
		case confirmed:
			v.log.Debug("sent message confirmed by refetch", "client_id", clientID)
		case stillPending:
			v.log.Warn("sent message was never confirmed", "client_id", clientID, "err", err)
			v.config.Notifier.Warn("A message could not be delivered. Please try again.")
		}
		v.changed()
	})

	v.mu.Lock()
	if v.closed {
		v.stopEchoLocked(clientID, timer)
	} else {
		v.echoTimers[clientID] = timer
	}
	v.mu.Unlock()
}

// echoedIn reports whether msgs holds a copy of a sent message that was not
// confirmed before the send.
func echoedIn(msgs []Message, self ID, content string, prior map[ID]bool) bool {
	for _, m := range msgs {
		if m.ID != "" && m.SenderID == self && m.Content == content && !prior[m.ID] {
			return true
		}
	}
	return false
}

// stopEchoLocked cancels a pending echo check that has not fired yet.
func (v *ConversationView) stopEchoLocked(clientID string, timer *time.Timer) {
	delete(v.echoTimers, clientID)
	if timer != nil && timer.Stop() {
		v.background.Done()
	}
}

// SetTyping reports the local user's typing state. Start events are
// throttled; stop events always go out.
func (v *ConversationView) SetTyping(ctx context.Context, isTyping bool) error {
	if isTyping && !v.typing.Allow() {
		return nil
	}
	v.mu.Lock()
	t, closed := v.transport, v.closed
	v.mu.Unlock()
	if closed {
		return ErrViewClosed
	}
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(ctx, TypingFrame(isTyping))
}

// SetFocused tells the view whether the user is looking at it. Focusing a
// view with unread messages marks them read.
func (v *ConversationView) SetFocused(focused bool) {
	v.mu.Lock()
	v.focused = focused
	unread := focused && !v.closed && v.state != ViewLoading && v.list.Unread(v.config.Self) > 0
	v.mu.Unlock()
	if unread {
		v.markReadAsync()
	}
}

// Hide hides the conversation for the current participant only and closes
// the view.
func (v *ConversationView) Hide(ctx context.Context) error {
	if err := v.api.HideConversation(ctx, v.id); err != nil {
		return err
	}
	v.Close()
	v.config.Navigator.ToConversationList(nil)
	return nil
}

// Close tears the view down: the live connection is closed, pending retries
// are cancelled and any result that arrives later is discarded.
func (v *ConversationView) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.state = ViewClosed
	t := v.transport
	cancel := v.cancel
	for clientID, timer := range v.echoTimers {
		v.stopEchoLocked(clientID, timer)
	}
	v.mu.Unlock()

	if t != nil {
		t.Close()
	}
	if cancel != nil {
		cancel()
	}
	v.changed()
	return nil
}

// Wait blocks until background work started by the view has finished.
func (v *ConversationView) Wait() {
	v.background.Wait()
}

// ============================================================================
// Inbound events
// ============================================================================

type sideEffects struct {
	deliver []ID
	notify  []Message
}

func (v *ConversationView) handleEvent(ev Event) {
	var fx sideEffects

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	changed := false
	switch p := ev.Payload.(type) {
	case *MessageCreated:
		changed = v.applyMessageLocked(p.Message, &fx)
	case *StatusChanged:
		changed = v.list.ApplyStatus(p.MessageID, p.State)
	case *MessagesRead:
		if p.UserID != v.config.Self {
			changed = v.list.MarkReadBy(p.UserID) > 0
		}
	case *TypingChanged:
		if p.UserID != "" && p.UserID != v.config.Self && v.otherTyping != p.IsTyping {
			v.otherTyping = p.IsTyping
			changed = true
		}
	default:
		v.log.Debug("ignored event", "type", ev.Type)
	}
	v.mu.Unlock()

	for _, m := range fx.notify {
		v.config.Notifier.NotifyMessage(v.id, m)
	}
	for _, id := range fx.deliver {
		v.markDeliveredAsync(id)
	}
	if changed {
		v.changed()
	}
}

func (v *ConversationView) applyMessageLocked(m Message, fx *sideEffects) bool {
	if m.ConversationID != "" && m.ConversationID != v.id {
		return false
	}
	if m.ID == "" || v.list.Has(m.ID) {
		return false
	}

	if m.SenderID == v.config.Self {
		if clientID, ok := v.list.MatchPending(m); ok {
			v.list.Reconcile(clientID, m)
			v.stopEchoLocked(clientID, v.echoTimers[clientID])
			return true
		}
		return v.list.Insert(m)
	}

	if !v.list.Insert(m) {
		return false
	}
	v.otherTyping = false
	if !m.IsDelivered && !m.IsRead {
		fx.deliver = append(fx.deliver, m.ID)
	}
	if !v.focused && !v.notified[m.ID] {
		v.notified[m.ID] = true
		fx.notify = append(fx.notify, m)
	}
	return true
}

// mergeConfirmedLocked merges server messages, reconciling any optimistic
// entry they confirm instead of adding a second copy.
func (v *ConversationView) mergeConfirmedLocked(msgs []Message) {
	for _, m := range msgs {
		if v.list.Has(m.ID) {
			continue
		}
		if m.SenderID == v.config.Self {
			if clientID, ok := v.list.MatchPending(m); ok {
				v.list.Reconcile(clientID, m)
				v.stopEchoLocked(clientID, v.echoTimers[clientID])
				continue
			}
		}
		v.list.Insert(m)
	}
}

func (v *ConversationView) handleState(change StateChange) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	prev := v.connState
	v.connState = change.State
	catchUp := false
	switch change.State {
	case ConnReconnecting:
		if v.state == ViewReady {
			v.state = ViewReconnecting
		}
	case ConnOpen:
		if v.state == ViewReconnecting {
			v.state = ViewReady
		}
		catchUp = prev == ConnReconnecting && v.state == ViewReady
		v.disconnected = false
	case ConnClosed:
		if v.state == ViewReconnecting {
			v.state = ViewReady
		}
		v.connReason = change.Reason
		v.disconnected = change.Reason == ReasonExhausted || change.Reason == ReasonAuthRejected
	}
	disconnected := v.disconnected
	v.mu.Unlock()

	switch {
	case disconnected && change.Reason == ReasonAuthRejected:
		v.config.Notifier.Warn("Your session is no longer valid. Please log in again.")
	case disconnected:
		v.config.Notifier.Warn("Disconnected from chat. Messages will still be sent.")
	}
	if catchUp {
		v.catchUpAsync()
	}
	v.changed()
}

// ============================================================================
// Fire-and-forget calls
// ============================================================================

func (v *ConversationView) markReadAsync() {
	v.background.Add(1)
	go func() {
		defer v.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := v.api.MarkRead(ctx, v.id); err != nil {
			v.log.Warn("mark read failed", "err", err)
			return
		}
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return
		}
		for _, m := range v.list.items {
			if m.ID != "" && m.SenderID != v.config.Self && !m.IsRead {
				m.setDelivery(StateRead)
			}
		}
		if v.conv != nil {
			v.conv.UnreadCount = 0
		}
		v.mu.Unlock()
		v.changed()
	}()
}

func (v *ConversationView) markDeliveredAsync(id ID) {
	v.background.Add(1)
	go func() {
		defer v.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := v.api.MarkDelivered(ctx, id); err != nil {
			v.log.Debug("mark delivered failed", "message", id, "err", err)
		}
	}()
}

// catchUpAsync re-reads the latest page after a reconnect so messages sent
// while the connection was down are not lost. History enters only here,
// never through the live channel.
func (v *ConversationView) catchUpAsync() {
	v.background.Add(1)
	go func() {
		defer v.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		page, err := v.api.Messages(ctx, v.id, &PageOptions{PageSize: v.config.PageSize})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				v.log.Warn("catch-up after reconnect failed", "err", err)
			}
			return
		}
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return
		}
		before := v.list.Len()
		v.mergeConfirmedLocked(page.Messages)
		added := v.list.Len() - before
		v.mu.Unlock()
		if added > 0 {
			v.log.Info("caught up after reconnect", "added", added)
			v.changed()
		}
	}()
}
