package olx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(msgs []Message) []ID {
	out := make([]ID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func find(l *messageList, id ID) (Message, bool) {
	for _, m := range l.Snapshot() {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

func TestMessageList_InsertDropsDuplicateIDs(t *testing.T) {
	l := newMessageList()

	assert.True(t, l.Insert(newMsg("42", otherID, "hi", t0)))
	assert.False(t, l.Insert(newMsg("42", otherID, "hi again", t0.Add(time.Second))))
	assert.Equal(t, 1, l.Len())

	got, ok := find(l, "42")
	require.True(t, ok)
	assert.Equal(t, "hi", got.Content)
}

func TestMessageList_InsertRequiresIdentity(t *testing.T) {
	l := newMessageList()
	assert.False(t, l.Insert(Message{Content: "no id"}))

	temp := Message{ClientID: "c1", Pending: true, Content: "x"}
	assert.True(t, l.Insert(temp))
	assert.False(t, l.Insert(temp))
	assert.Equal(t, 1, l.Len())
}

func TestMessageList_InsertKeepsCreatedAtOrder(t *testing.T) {
	l := newMessageList()
	l.Insert(newMsg("3", otherID, "c", t0.Add(3*time.Second)))
	l.Insert(newMsg("1", otherID, "a", t0.Add(1*time.Second)))
	l.Insert(newMsg("4", otherID, "d", t0.Add(4*time.Second)))
	l.Insert(newMsg("2", otherID, "b", t0.Add(2*time.Second)))

	// equal timestamps keep arrival order
	l.Insert(newMsg("2b", otherID, "b2", t0.Add(2*time.Second)))

	assert.Equal(t, []ID{"1", "2", "2b", "3", "4"}, ids(l.Snapshot()))
}

func TestMessageList_Merge(t *testing.T) {
	l := newMessageList()
	l.Insert(newMsg("2", otherID, "b", t0.Add(2*time.Second)))

	added := l.Merge([]Message{
		newMsg("1", otherID, "a", t0.Add(1*time.Second)),
		newMsg("2", otherID, "b", t0.Add(2*time.Second)),
		newMsg("3", otherID, "c", t0.Add(3*time.Second)),
	})
	assert.Equal(t, 2, added)
	assert.Equal(t, []ID{"1", "2", "3"}, ids(l.Snapshot()))
}

func TestMessageList_ApplyStatusIsMonotonic(t *testing.T) {
	tests := []struct {
		name    string
		steps   []DeliveryState
		want    DeliveryState
		changed []bool
	}{
		{"sent to delivered", []DeliveryState{StateDelivered}, StateDelivered, []bool{true}},
		{"delivered to read", []DeliveryState{StateDelivered, StateRead}, StateRead, []bool{true, true}},
		{"read then delivered", []DeliveryState{StateRead, StateDelivered}, StateRead, []bool{true, false}},
		{"read then sent", []DeliveryState{StateRead, StateSent}, StateRead, []bool{true, false}},
		{"repeat", []DeliveryState{StateDelivered, StateDelivered}, StateDelivered, []bool{true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMessageList()
			l.Insert(newMsg("7", selfID, "x", t0))
			for i, s := range tt.steps {
				assert.Equal(t, tt.changed[i], l.ApplyStatus("7", s), "step %d", i)
			}
			got, _ := find(l, "7")
			assert.Equal(t, tt.want, got.Delivery())
		})
	}
}

func TestMessageList_ApplyStatusUnknownID(t *testing.T) {
	l := newMessageList()
	assert.False(t, l.ApplyStatus("missing", StateRead))
}

func TestMessageList_MarkReadBy(t *testing.T) {
	l := newMessageList()
	l.Insert(newMsg("1", selfID, "mine", t0))
	l.Insert(newMsg("2", otherID, "theirs", t0.Add(time.Second)))
	l.Insert(Message{ClientID: "c1", Pending: true, SenderID: selfID, Content: "pending", CreatedAt: t0.Add(2 * time.Second)})

	assert.Equal(t, 1, l.MarkReadBy(otherID))
	assert.Equal(t, 0, l.MarkReadBy(otherID))

	mine, _ := find(l, "1")
	theirs, _ := find(l, "2")
	assert.True(t, mine.IsRead)
	assert.True(t, mine.IsDelivered)
	assert.False(t, theirs.IsRead)
}

func TestMessageList_ReconcileReplacesOptimisticEntry(t *testing.T) {
	l := newMessageList()
	l.Insert(Message{ClientID: "c1", Pending: true, SenderID: selfID, Content: "hello", CreatedAt: t0})

	l.Reconcile("c1", newMsg("100", selfID, "hello", t0.Add(time.Second)))

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, ID("100"), snap[0].ID)
	assert.False(t, snap[0].Pending)
	assert.Empty(t, snap[0].ClientID)
	assert.False(t, l.Drop("c1"))
}

func TestMessageList_ReconcileAfterEcho(t *testing.T) {
	l := newMessageList()
	l.Insert(Message{ClientID: "c1", Pending: true, SenderID: selfID, Content: "hello", CreatedAt: t0})

	echo := newMsg("100", selfID, "hello", t0.Add(time.Second))
	echo.IsDelivered = true
	l.Insert(echo)
	require.Equal(t, 2, l.Len())

	l.Reconcile("c1", newMsg("100", selfID, "hello", t0.Add(time.Second)))

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, ID("100"), snap[0].ID)
	assert.Equal(t, StateDelivered, snap[0].Delivery())
}

func TestMessageList_MatchPending(t *testing.T) {
	l := newMessageList()
	l.Insert(Message{ClientID: "c1", Pending: true, SenderID: selfID, Content: "hello", CreatedAt: t0})
	l.Insert(Message{ClientID: "c2", Pending: true, SenderID: selfID, Content: "hello", CreatedAt: t0.Add(time.Second)})

	id, ok := l.MatchPending(newMsg("1", selfID, "hello", t0.Add(2*time.Second)))
	assert.True(t, ok)
	assert.Equal(t, "c1", id)

	// server time is not compared with the local send time
	id, ok = l.MatchPending(newMsg("1", selfID, "hello", t0.Add(-time.Hour)))
	assert.True(t, ok)
	assert.Equal(t, "c1", id)

	_, ok = l.MatchPending(newMsg("1", selfID, "other text", t0))
	assert.False(t, ok)

	_, ok = l.MatchPending(newMsg("1", otherID, "hello", t0))
	assert.False(t, ok)

	l.Reconcile("c1", newMsg("1", selfID, "hello", t0))
	id, ok = l.MatchPending(newMsg("2", selfID, "hello", t0))
	assert.True(t, ok)
	assert.Equal(t, "c2", id)
}

func TestMessageList_ConfirmedWith(t *testing.T) {
	l := newMessageList()
	l.Insert(newMsg("1", selfID, "ok", t0))
	l.Insert(newMsg("2", otherID, "ok", t0.Add(time.Second)))
	l.Insert(newMsg("3", selfID, "no", t0.Add(2*time.Second)))
	l.Insert(Message{ClientID: "c1", Pending: true, SenderID: selfID, Content: "ok", CreatedAt: t0.Add(3 * time.Second)})

	assert.Equal(t, map[ID]bool{"1": true}, l.confirmedWith(selfID, "ok"))
	assert.Empty(t, l.confirmedWith(selfID, "missing"))
}

func TestMessageList_Unread(t *testing.T) {
	l := newMessageList()
	l.Insert(newMsg("1", otherID, "a", t0))
	l.Insert(newMsg("2", otherID, "b", t0.Add(time.Second)))
	l.Insert(newMsg("3", selfID, "c", t0.Add(2*time.Second)))
	l.ApplyStatus("1", StateRead)

	assert.Equal(t, 1, l.Unread(selfID))
}
