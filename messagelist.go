package olx

import "sort"

// ============================================================================
// Message List
// ============================================================================

// messageList is the ordered, id-indexed message list of one conversation.
// Entries are kept in created_at order; a server id appears at most once.
// It is not goroutine-safe; ConversationView guards it.
type messageList struct {
	items    []*Message
	byID     map[ID]*Message
	byClient map[string]*Message
}

func newMessageList() *messageList {
	return &messageList{
		byID:     make(map[ID]*Message),
		byClient: make(map[string]*Message),
	}
}

func (l *messageList) Len() int { return len(l.items) }

// Has reports whether a message with the server id is present.
func (l *messageList) Has(id ID) bool {
	_, ok := l.byID[id]
	return ok
}

// Insert adds m and reports whether it was added. Messages whose server id is
// already present are duplicates and are dropped.
func (l *messageList) Insert(m Message) bool {
	if m.ID != "" {
		if _, dup := l.byID[m.ID]; dup {
			return false
		}
	} else if m.ClientID == "" {
		return false
	} else if _, dup := l.byClient[m.ClientID]; dup {
		return false
	}

	entry := &m
	l.insertOrdered(entry)
	l.index(entry)
	return true
}

// Merge inserts every message in page and returns how many were new.
func (l *messageList) Merge(page []Message) int {
	added := 0
	for _, m := range page {
		if l.Insert(m) {
			added++
		}
	}
	return added
}

// insertOrdered appends in the common case and otherwise places the entry
// after every message created at or before it.
func (l *messageList) insertOrdered(entry *Message) {
	n := len(l.items)
	if n == 0 || entry.CreatedAt.IsZero() || !entry.CreatedAt.Before(l.items[n-1].CreatedAt) {
		l.items = append(l.items, entry)
		return
	}
	pos := sort.Search(n, func(i int) bool {
		return l.items[i].CreatedAt.After(entry.CreatedAt)
	})
	l.items = append(l.items, nil)
	copy(l.items[pos+1:], l.items[pos:])
	l.items[pos] = entry
}

func (l *messageList) index(entry *Message) {
	if entry.ID != "" {
		l.byID[entry.ID] = entry
	}
	if entry.ClientID != "" {
		l.byClient[entry.ClientID] = entry
	}
}

func (l *messageList) remove(entry *Message) {
	for i, m := range l.items {
		if m == entry {
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	if entry.ID != "" && l.byID[entry.ID] == entry {
		delete(l.byID, entry.ID)
	}
	if entry.ClientID != "" && l.byClient[entry.ClientID] == entry {
		delete(l.byClient, entry.ClientID)
	}
}

// ApplyStatus upgrades the delivery state of message id. It reports whether
// anything changed; unknown ids and downgrades are no-ops.
func (l *messageList) ApplyStatus(id ID, state DeliveryState) bool {
	m, ok := l.byID[id]
	if !ok {
		return false
	}
	cur := m.Delivery()
	next := cur.Upgrade(state)
	if next == cur {
		return false
	}
	m.setDelivery(next)
	return true
}

// MarkReadBy marks every confirmed message not sent by reader as read and
// returns how many changed.
func (l *messageList) MarkReadBy(reader ID) int {
	changed := 0
	for _, m := range l.items {
		if m.ID == "" || m.SenderID == reader {
			continue
		}
		if m.Delivery() != StateRead {
			m.setDelivery(StateRead)
			changed++
		}
	}
	return changed
}

// Reconcile replaces the optimistic entry clientID with the confirmed server
// copy. If the server copy is already present (its echo arrived first) the
// optimistic entry is dropped instead. Either way exactly one entry carries
// the server id afterwards.
func (l *messageList) Reconcile(clientID string, confirmed Message) {
	confirmed.ClientID = ""
	confirmed.Pending = false

	temp, hasTemp := l.byClient[clientID]
	if existing, ok := l.byID[confirmed.ID]; ok {
		if hasTemp && temp != existing {
			l.remove(temp)
		}
		existing.setDelivery(existing.Delivery().Upgrade(confirmed.Delivery()))
		existing.Pending = false
		return
	}
	if hasTemp {
		l.remove(temp)
	}
	l.Insert(confirmed)
}

// MatchPending finds the optimistic entry that m confirms when no client id
// is echoed back: the oldest pending entry with the same sender and content.
// Server and client clocks are never compared.
func (l *messageList) MatchPending(m Message) (string, bool) {
	for _, entry := range l.items {
		if entry.Pending && entry.SenderID == m.SenderID && entry.Content == m.Content {
			return entry.ClientID, true
		}
	}
	return "", false
}

// confirmedWith returns the ids of confirmed messages from sender with the
// given content.
func (l *messageList) confirmedWith(sender ID, content string) map[ID]bool {
	ids := make(map[ID]bool)
	for _, m := range l.items {
		if m.ID != "" && m.SenderID == sender && m.Content == content {
			ids[m.ID] = true
		}
	}
	return ids
}

// Drop removes the optimistic entry clientID, if any.
func (l *messageList) Drop(clientID string) bool {
	entry, ok := l.byClient[clientID]
	if !ok {
		return false
	}
	l.remove(entry)
	return true
}

// Unread returns the confirmed messages from others that are not yet read.
func (l *messageList) Unread(self ID) int {
	n := 0
	for _, m := range l.items {
		if m.ID != "" && m.SenderID != self && !m.IsRead {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the list.
func (l *messageList) Snapshot() []Message {
	out := make([]Message, len(l.items))
	for i, m := range l.items {
		out[i] = *m
	}
	return out
}
