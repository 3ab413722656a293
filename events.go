package olx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType names an inbound real-time event.
type EventType string

const (
	EventMessageCreated      EventType = "message-created"
	EventDeliveryStatus      EventType = "delivery/read-status-changed"
	EventTyping              EventType = "typing-indicator"
	EventMessagesRead        EventType = "messages-read"
	EventNotificationCreated EventType = "notification-created"
	EventNotificationRead    EventType = "notification-read"
	EventUnreadCount         EventType = "unread-count-updated"
	EventConnected           EventType = "connected"
	EventKeepAlive           EventType = "keep-alive"
)

// wireAliases maps backend frame types onto canonical event types.
var wireAliases = map[string]EventType{
	"chat_message":          EventMessageCreated,
	"message_status_update": EventDeliveryStatus,
	"typing":                EventTyping,
	"messages_read":         EventMessagesRead,
	"notification_created":  EventNotificationCreated,
	"notification_read":     EventNotificationRead,
	"unread_count_updated":  EventUnreadCount,
	"connected":             EventConnected,
	"heartbeat":             EventKeepAlive,
	"ping":                  EventKeepAlive,
	"pong":                  EventKeepAlive,
}

// historyFrames are batch catch-up frames. History only arrives through the
// load path, so these are refused on the live channel.
var historyFrames = map[string]bool{
	"history":          true,
	"message_history":  true,
	"messages_history": true,
}

var (
	errMalformedFrame = errors.New("malformed frame")
	errHistoryFrame   = errors.New("history frame on live channel")
)

// ============================================================================
// Event Payloads
// ============================================================================

// Event is one decoded inbound frame. Payload holds one of the *Payload
// types below, or nil for keep-alive and unknown types.
type Event struct {
	Type    EventType
	Payload any
	Raw     json.RawMessage
}

// MessageCreated carries a new message.
type MessageCreated struct {
	Message Message
}

// StatusChanged carries a delivery receipt for one message.
type StatusChanged struct {
	MessageID ID
	State     DeliveryState
	At        time.Time
}

// TypingChanged reports a participant starting or stopping typing.
type TypingChanged struct {
	UserID   ID
	Username string
	IsTyping bool
}

// MessagesRead reports that UserID has read every message sent to them.
type MessagesRead struct {
	UserID ID
}

// NotificationCreated carries a new bell notification.
type NotificationCreated struct {
	Notification Notification
}

// NotificationRead reports a notification marked read elsewhere.
type NotificationRead struct {
	NotificationID ID
}

// UnreadCountChanged carries the new unread notification count.
type UnreadCountChanged struct {
	Count int
}

// ============================================================================
// Decoding
// ============================================================================

type frame struct {
	Type string `json:"type"`

	// chat_message: nested (socket) or flat (event stream)
	Message        *Message    `json:"message,omitempty"`
	ConversationID ID          `json:"conversation_id"`
	MessageID      ID          `json:"message_id"`
	SenderID       ID          `json:"sender_id"`
	SenderUsername string      `json:"sender_username"`
	Content        string      `json:"content"`
	MessageType    string      `json:"message_type"`
	OfferAmount    json.Number `json:"offer_amount"`
	CreatedAt      time.Time   `json:"created_at"`

	// message_status_update
	ID          ID        `json:"id"`
	IsDelivered bool      `json:"is_delivered"`
	IsRead      bool      `json:"is_read"`
	DeliveredAt time.Time `json:"delivered_at"`
	ReadAt      time.Time `json:"read_at"`

	// typing, messages_read
	UserID   ID     `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`

	// notifications
	Notification   *Notification `json:"notification,omitempty"`
	NotificationID ID            `json:"notification_id"`
	Count          *int          `json:"count,omitempty"`
}

// decodeEvent decodes one frame. eventName is the SSE "event:" field and
// stands in for a missing "type".
func decodeEvent(data []byte, eventName string) (Event, error) {
	data = bytes.TrimSpace(data)
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if f.Type == "" {
		f.Type = eventName
	}
	if f.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", errMalformedFrame)
	}
	if historyFrames[f.Type] {
		return Event{}, fmt.Errorf("%w: %s", errHistoryFrame, f.Type)
	}

	typ, ok := wireAliases[f.Type]
	if !ok {
		typ = EventType(f.Type)
	}
	ev := Event{Type: typ, Raw: json.RawMessage(data)}

	switch typ {
	case EventMessageCreated:
		msg, err := f.message()
		if err != nil {
			return Event{}, err
		}
		ev.Payload = &MessageCreated{Message: msg}
	case EventDeliveryStatus:
		id := f.MessageID
		if id == "" {
			id = f.ID
		}
		if id == "" {
			return Event{}, fmt.Errorf("%w: status update without message id", errMalformedFrame)
		}
		sc := &StatusChanged{MessageID: id, State: StateSent, At: f.DeliveredAt}
		if f.IsDelivered {
			sc.State = StateDelivered
		}
		if f.IsRead {
			sc.State = StateRead
			if !f.ReadAt.IsZero() {
				sc.At = f.ReadAt
			}
		}
		ev.Payload = sc
	case EventTyping:
		ev.Payload = &TypingChanged{UserID: f.UserID, Username: f.Username, IsTyping: f.IsTyping}
	case EventMessagesRead:
		ev.Payload = &MessagesRead{UserID: f.UserID}
	case EventNotificationCreated:
		if f.Notification == nil {
			return Event{}, fmt.Errorf("%w: notification frame without notification", errMalformedFrame)
		}
		ev.Payload = &NotificationCreated{Notification: *f.Notification}
	case EventNotificationRead:
		ev.Payload = &NotificationRead{NotificationID: f.NotificationID}
	case EventUnreadCount:
		if f.Count == nil {
			return Event{}, fmt.Errorf("%w: unread count frame without count", errMalformedFrame)
		}
		ev.Payload = &UnreadCountChanged{Count: *f.Count}
	}
	return ev, nil
}

func (f *frame) message() (Message, error) {
	if f.Message != nil {
		if f.Message.ID == "" {
			return Message{}, fmt.Errorf("%w: message without id", errMalformedFrame)
		}
		return *f.Message, nil
	}
	if f.MessageID == "" {
		return Message{}, fmt.Errorf("%w: message without id", errMalformedFrame)
	}
	return Message{
		ID:             f.MessageID,
		ConversationID: f.ConversationID,
		SenderID:       f.SenderID,
		SenderUsername: f.SenderUsername,
		Content:        f.Content,
		Type:           f.MessageType,
		OfferAmount:    f.OfferAmount,
		CreatedAt:      f.CreatedAt,
	}, nil
}

// ============================================================================
// Outbound Frames
// ============================================================================

type chatMessageFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type typingFrame struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// ChatMessageFrame builds the socket frame that posts a message.
func ChatMessageFrame(content string) any {
	return chatMessageFrame{Type: "chat_message", Content: content}
}

// TypingFrame builds the socket frame that reports typing.
func TypingFrame(isTyping bool) any {
	return typingFrame{Type: "typing", IsTyping: isTyping}
}
