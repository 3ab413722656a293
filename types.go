package olx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

// Error codes carried by APIError.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeValidation   = "VALIDATION"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeRateLimited  = "RATE_LIMITED"
	CodeServer       = "SERVER_ERROR"
	CodeNetwork      = "NETWORK_ERROR"
	CodeDecode       = "DECODE_ERROR"
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrMessageTooLong = fmt.Errorf("message content exceeds %d characters", MaxMessageLength)
	ErrNoCredential   = errors.New("no access token available")
	ErrAuthRejected   = errors.New("credential rejected by server")
	ErrNotConnected   = errors.New("not connected")
	ErrViewClosed     = errors.New("conversation view is closed")
	ErrSessionExpired = errors.New("session expired")
)

// APIError represents a failed backend call.
type APIError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// apiErrorFromResponse maps an HTTP status and body to an APIError.
func apiErrorFromResponse(status int, body []byte) *APIError {
	e := &APIError{Status: status, Message: serverMessage(body)}
	switch {
	case status == http.StatusUnauthorized:
		e.Code = CodeUnauthorized
	case status == http.StatusForbidden:
		e.Code = CodeForbidden
	case status == http.StatusNotFound:
		e.Code = CodeNotFound
	case status == http.StatusTooManyRequests:
		e.Code = CodeRateLimited
	case status == http.StatusBadRequest:
		e.Code = CodeValidation
	case status >= 500:
		e.Code = CodeServer
		e.Message = "Server error. Please try again later."
	default:
		e.Code = CodeBadRequest
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// serverMessage extracts a human-readable message from the backend's error
// shapes: {"detail": ...}, {"error": ...} or {"field": ["msg", ...]}.
func serverMessage(body []byte) string {
	var m map[string]json.RawMessage
	if json.Unmarshal(body, &m) != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"detail", "error", "message"} {
		var s string
		if raw, ok := m[key]; ok && json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	for field, raw := range m {
		var list []string
		if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
			return field + ": " + list[0]
		}
	}
	return ""
}

// ============================================================================
// Identifiers
// ============================================================================

// ID is an opaque backend identifier. The backend emits integers; the client
// never interprets them.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// ============================================================================
// Data Model
// ============================================================================

// DeliveryState is the monotonic delivery progress of a message.
type DeliveryState int

const (
	StateSent DeliveryState = iota
	StateDelivered
	StateRead
)

func (s DeliveryState) String() string {
	switch s {
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	default:
		return "sent"
	}
}

// Upgrade returns the later of s and next. Delivery state never regresses.
func (s DeliveryState) Upgrade(next DeliveryState) DeliveryState {
	if next > s {
		return next
	}
	return s
}

// User is a marketplace participant.
type User struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Location string `json:"location,omitempty"`
}

// Listing is the classified ad a conversation is about.
type Listing struct {
	ID         ID          `json:"id"`
	Title      string      `json:"title"`
	Price      json.Number `json:"price,omitempty"`
	IsSold     bool        `json:"is_sold,omitempty"`
	FirstImage string      `json:"first_image,omitempty"`
}

// LastMessage is the conversation list preview.
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  ID        `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

// Conversation is a buyer/seller thread about one listing. Participants and
// listing are fixed at creation.
type Conversation struct {
	ID          ID           `json:"id"`
	Listing     Listing      `json:"listing"`
	Buyer       User         `json:"buyer"`
	Seller      User         `json:"seller"`
	OtherUser   *User        `json:"other_user,omitempty"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
	IsActive    bool         `json:"is_active"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// HasParticipant reports whether userID is the buyer or the seller.
func (c *Conversation) HasParticipant(userID ID) bool {
	return userID != "" && (c.Buyer.ID == userID || c.Seller.ID == userID)
}

// Counterpart returns the participant that is not userID.
func (c *Conversation) Counterpart(userID ID) User {
	if c.Buyer.ID == userID {
		return c.Seller
	}
	return c.Buyer
}

// Message is a single chat message.
type Message struct {
	ID             ID          `json:"id"`
	ConversationID ID          `json:"conversation"`
	SenderID       ID          `json:"sender"`
	SenderUsername string      `json:"sender_username,omitempty"`
	Content        string      `json:"content"`
	Type           string      `json:"message_type,omitempty"`
	OfferAmount    json.Number `json:"offer_amount,omitempty"`
	IsDelivered    bool        `json:"is_delivered,omitempty"`
	IsRead         bool        `json:"is_read"`
	CreatedAt      time.Time   `json:"created_at"`

	// ClientID and Pending are client-side only. An optimistic entry has an
	// empty ID until the server copy replaces it.
	ClientID string `json:"-"`
	Pending  bool   `json:"-"`
}

// Delivery derives the delivery state from the receipt flags.
func (m *Message) Delivery() DeliveryState {
	switch {
	case m.IsRead:
		return StateRead
	case m.IsDelivered:
		return StateDelivered
	default:
		return StateSent
	}
}

// setDelivery writes the receipt flags for s. Read implies delivered.
func (m *Message) setDelivery(s DeliveryState) {
	m.IsDelivered = s >= StateDelivered
	m.IsRead = s >= StateRead
}

// Key returns the identity used for de-duplication.
func (m *Message) Key() string {
	if m.ID != "" {
		return "id:" + string(m.ID)
	}
	return "client:" + m.ClientID
}

// Notification is an in-app notification shown by the bell.
type Notification struct {
	ID        ID        `json:"id"`
	Type      string    `json:"notification_type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	LinkURL   string    `json:"link_url,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
	TimeAgo   string    `json:"time_ago,omitempty"`
}

// ============================================================================
// Request / Response Types
// ============================================================================

// TokenPair is returned by login and refresh.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// LoginResult is the login response.
type LoginResult struct {
	TokenPair
	User *User `json:"user,omitempty"`
}

// PageOptions selects one page of a paginated list.
type PageOptions struct {
	Page     int
	PageSize int
}

// MessagePage is one page of history, oldest first.
type MessagePage struct {
	Messages []Message
	Next     string
	Count    int
}

// HasMore reports whether an older page exists.
func (p *MessagePage) HasMore() bool { return p.Next != "" }

// SendMessageRequest is the request/response send path payload.
type SendMessageRequest struct {
	Content     string      `json:"content" conform:"trim" validate:"required,max=2000"`
	Type        string      `json:"message_type" validate:"omitempty,oneof=text offer system"`
	OfferAmount json.Number `json:"offer_amount,omitempty"`
}

type paginated[T any] struct {
	Count   int    `json:"count"`
	Next    string `json:"next"`
	Results []T    `json:"results"`
}

// decodeList accepts either a bare JSON array or a paginated envelope.
func decodeList[T any](data []byte) (*paginated[T], error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &APIError{Code: CodeDecode, Message: "failed to decode list", Err: err}
		}
		return &paginated[T]{Count: len(items), Results: items}, nil
	}
	var page paginated[T]
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, &APIError{Code: CodeDecode, Message: "failed to decode page", Err: err}
	}
	return &page, nil
}
