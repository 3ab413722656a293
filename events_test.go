package olx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent_NestedChatMessage(t *testing.T) {
	data := `{"type":"chat_message","message":{"id":42,"conversation":10,"sender":2,
		"sender_username":"bob","content":"still available?","message_type":"text",
		"is_read":false,"created_at":"2026-03-01T12:00:00Z"}}`

	ev, err := decodeEvent([]byte(data), "")
	require.NoError(t, err)
	assert.Equal(t, EventMessageCreated, ev.Type)

	p, ok := ev.Payload.(*MessageCreated)
	require.True(t, ok)
	assert.Equal(t, ID("42"), p.Message.ID)
	assert.Equal(t, ID("10"), p.Message.ConversationID)
	assert.Equal(t, ID("2"), p.Message.SenderID)
	assert.Equal(t, "still available?", p.Message.Content)
	assert.True(t, t0.Equal(p.Message.CreatedAt))
}

func TestDecodeEvent_FlatChatMessageFromStream(t *testing.T) {
	data := `{"conversation_id":10,"message_id":43,"sender_id":2,"sender_username":"bob",
		"content":"hello","message_type":"text","created_at":"2026-03-01T12:00:00Z"}`

	ev, err := decodeEvent([]byte(data), "chat_message")
	require.NoError(t, err)
	assert.Equal(t, EventMessageCreated, ev.Type)

	p := ev.Payload.(*MessageCreated)
	assert.Equal(t, ID("43"), p.Message.ID)
	assert.Equal(t, ID("10"), p.Message.ConversationID)
	assert.Equal(t, "bob", p.Message.SenderUsername)
}

func TestDecodeEvent_StatusUpdate(t *testing.T) {
	tests := []struct {
		name string
		data string
		id   ID
		want DeliveryState
	}{
		{"delivered by message_id", `{"type":"message_status_update","message_id":7,"is_delivered":true,"delivered_at":"2026-03-01T12:00:00Z"}`, "7", StateDelivered},
		{"read by id", `{"type":"message_status_update","id":"8","is_delivered":true,"is_read":true}`, "8", StateRead},
		{"no flags", `{"type":"message_status_update","message_id":9}`, "9", StateSent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeEvent([]byte(tt.data), "")
			require.NoError(t, err)
			assert.Equal(t, EventDeliveryStatus, ev.Type)
			p := ev.Payload.(*StatusChanged)
			assert.Equal(t, tt.id, p.MessageID)
			assert.Equal(t, tt.want, p.State)
		})
	}
}

func TestDecodeEvent_Participants(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type":"typing","user_id":2,"username":"bob","is_typing":true}`), "")
	require.NoError(t, err)
	assert.Equal(t, &TypingChanged{UserID: "2", Username: "bob", IsTyping: true}, ev.Payload)

	ev, err = decodeEvent([]byte(`{"type":"messages_read","user_id":2}`), "")
	require.NoError(t, err)
	assert.Equal(t, EventMessagesRead, ev.Type)
	assert.Equal(t, &MessagesRead{UserID: "2"}, ev.Payload)
}

func TestDecodeEvent_Notifications(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type":"notification_created","notification":{"id":5,
		"notification_type":"message","title":"New message","message":"bob: hi","is_read":false,
		"created_at":"2026-03-01T12:00:00Z"}}`), "")
	require.NoError(t, err)
	p := ev.Payload.(*NotificationCreated)
	assert.Equal(t, ID("5"), p.Notification.ID)
	assert.Equal(t, "message", p.Notification.Type)

	ev, err = decodeEvent([]byte(`{"type":"unread_count_updated","count":0}`), "")
	require.NoError(t, err)
	assert.Equal(t, &UnreadCountChanged{Count: 0}, ev.Payload)

	ev, err = decodeEvent([]byte(`{"type":"notification_read","notification_id":5}`), "")
	require.NoError(t, err)
	assert.Equal(t, &NotificationRead{NotificationID: "5"}, ev.Payload)
}

func TestDecodeEvent_KeepAliveAliases(t *testing.T) {
	for _, name := range []string{"heartbeat", "ping", "pong"} {
		ev, err := decodeEvent([]byte(`{"type":"`+name+`","timestamp":"2026-03-01T12:00:00Z"}`), "")
		require.NoError(t, err, name)
		assert.Equal(t, EventKeepAlive, ev.Type, name)
		assert.Nil(t, ev.Payload, name)
	}

	ev, err := decodeEvent([]byte(`{"timestamp":1}`), "heartbeat")
	require.NoError(t, err)
	assert.Equal(t, EventKeepAlive, ev.Type)
}

func TestDecodeEvent_UnknownTypePassesThrough(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type":"listing_sold","listing_id":3}`), "")
	require.NoError(t, err)
	assert.Equal(t, EventType("listing_sold"), ev.Type)
	assert.Nil(t, ev.Payload)
	assert.JSONEq(t, `{"type":"listing_sold","listing_id":3}`, string(ev.Raw))
}

func TestDecodeEvent_HistoryRejected(t *testing.T) {
	for _, name := range []string{"history", "message_history", "messages_history"} {
		_, err := decodeEvent([]byte(`{"type":"`+name+`","messages":[]}`), "")
		assert.ErrorIs(t, err, errHistoryFrame, name)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":                  `not json`,
		"missing type":              `{"content":"x"}`,
		"chat message without id":   `{"type":"chat_message","message":{"content":"x"}}`,
		"flat message without id":   `{"type":"chat_message","content":"x"}`,
		"status without id":         `{"type":"message_status_update","is_read":true}`,
		"notification without body": `{"type":"notification_created"}`,
		"count without count":       `{"type":"unread_count_updated"}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := decodeEvent([]byte(data), "")
			assert.ErrorIs(t, err, errMalformedFrame)
		})
	}
}

func TestOutboundFrames(t *testing.T) {
	assert.Equal(t, chatMessageFrame{Type: "chat_message", Content: "hi"}, ChatMessageFrame("hi"))
	assert.Equal(t, typingFrame{Type: "typing", IsTyping: true}, TypingFrame(true))
}

func TestDeliveryStateUpgrade(t *testing.T) {
	assert.Equal(t, StateRead, StateRead.Upgrade(StateDelivered))
	assert.Equal(t, StateDelivered, StateSent.Upgrade(StateDelivered))
	assert.Equal(t, "read", StateRead.String())
}
