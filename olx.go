// Package olx is the Go client for the marketplace messaging backend.
//
// It covers the REST API (auth, conversations, messages, notifications) and
// the real-time layer: a reconnecting live connection, a per-conversation
// state machine, a fan-out bus for the user's event stream and a session
// monitor.
//
// Example:
//
//	store := olx.NewFileTokenStore("/home/alice/.olx/config.toml")
//	client := olx.NewClient("http://localhost:8000/api", store)
//
//	creds, _ := client.Auth.Login(ctx, "alice", "secret")
//	convs, _ := client.Chat.ListConversations(ctx)
//
//	view := olx.NewConversationView(convs[0].ID, client.Chat, client.Realtime, &olx.ViewConfig{Self: creds.UserID})
//	view.Open(ctx)
//	defer view.Close()
//	view.Send(ctx, "Is this still available?")
package olx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8000/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the backend. Every request reads the current access token
// from the store; tokens are never cached across calls.
type Client struct {
	baseURL    string
	wsURL      string
	store      TokenStore
	httpClient *http.Client
	logger     *slog.Logger
	realtime   RealtimeConfig

	refreshMu sync.Mutex

	Auth          *AuthClient
	Chat          *ChatClient
	Notifications *NotificationsClient
	Realtime      *RealtimeClient
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithWebSocketURL sets the socket origin, e.g. "wss://example.com". By
// default it is derived from the base URL.
func WithWebSocketURL(u string) ClientOption {
	return func(c *Client) { c.wsURL = strings.TrimRight(u, "/") }
}

// WithRealtimeConfig sets the defaults used for live connections.
func WithRealtimeConfig(cfg RealtimeConfig) ClientOption {
	return func(c *Client) { c.realtime = cfg }
}

// NewClient creates a client for baseURL (including the /api prefix).
func NewClient(baseURL string, store TokenStore, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if store == nil {
		store = NewMemoryTokenStore(Credentials{})
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		store:   store,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.wsURL == "" {
		c.wsURL = deriveWebSocketURL(c.baseURL)
	}
	if c.realtime.Logger == nil {
		c.realtime.Logger = c.logger
	}

	c.Auth = &AuthClient{client: c}
	c.Chat = &ChatClient{client: c}
	c.Notifications = &NotificationsClient{client: c}
	c.Realtime = &RealtimeClient{client: c}
	return c
}

// Store returns the credential store.
func (c *Client) Store() TokenStore { return c.store }

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// deriveWebSocketURL turns "https://host/api" into "wss://host".
func deriveWebSocketURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimSuffix(u, "/api")
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	token := c.store.Load().AccessToken
	status, data, err := c.send(ctx, method, path, body, query, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && c.store.Load().RefreshToken != "" {
		if err := c.refreshSession(ctx, token, false); err != nil {
			return nil, err
		}
		status, data, err = c.send(ctx, method, path, body, query, c.store.Load().AccessToken)
		if err != nil {
			return nil, err
		}
	}

	if status >= 300 {
		return nil, apiErrorFromResponse(status, data)
	}
	return data, nil
}

// send performs one HTTP round trip without any retry.
func (c *Client) send(ctx context.Context, method, path string, body interface{}, query map[string]string, token string) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &APIError{Code: CodeNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &APIError{Code: CodeNetwork, Message: "failed to read response", Err: err}
	}
	c.logger.Debug("api request", "method", method, "path", path, "status", resp.StatusCode)
	return resp.StatusCode, data, nil
}

// refreshSession exchanges the refresh token for a new access token. stale is
// the access token that was rejected; if another caller already replaced it
// the refresh is skipped. A rejected refresh token clears the store.
func (c *Client) refreshSession(ctx context.Context, stale string, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	creds := c.store.Load()
	if !force && creds.AccessToken != "" && creds.AccessToken != stale {
		return nil
	}
	if creds.RefreshToken == "" {
		return &APIError{Code: CodeUnauthorized, Message: "no refresh token", Err: ErrSessionExpired}
	}

	status, data, err := c.send(ctx, http.MethodPost, "/users/token/refresh/", map[string]string{"refresh": creds.RefreshToken}, nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		if status == http.StatusUnauthorized || status == http.StatusBadRequest {
			c.logger.Info("refresh token rejected, clearing session")
			if cerr := c.store.Clear(); cerr != nil {
				c.logger.Warn("failed to clear credentials", "err", cerr)
			}
		}
		apiErr := apiErrorFromResponse(status, data)
		apiErr.Code = CodeUnauthorized
		apiErr.Err = ErrSessionExpired
		return apiErr
	}

	pair, err := decodeJSON[TokenPair](data)
	if err != nil {
		return err
	}
	creds.AccessToken = pair.Access
	if pair.Refresh != "" {
		creds.RefreshToken = pair.Refresh
	}
	if err := c.store.Save(creds); err != nil {
		return fmt.Errorf("failed to store refreshed token: %w", err)
	}
	c.logger.Debug("access token refreshed")
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &APIError{Code: CodeDecode, Message: "failed to unmarshal response", Err: err}
	}
	return &result, nil
}

func pageQuery(opts *PageOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Page > 0 {
		q["page"] = strconv.Itoa(opts.Page)
	}
	if opts.PageSize > 0 {
		q["page_size"] = strconv.Itoa(opts.PageSize)
	}
	return q
}

// ============================================================================
// Auth
// ============================================================================

type AuthClient struct{ client *Client }

// Login exchanges credentials for a token pair and stores it together with
// the user identity carried in the access token.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*Credentials, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, &APIError{Code: CodeValidation, Message: "username and password are required"}
	}
	status, data, err := a.client.send(ctx, http.MethodPost, "/users/login/",
		map[string]string{"username": username, "password": password}, nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFromResponse(status, data)
	}
	res, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, err
	}

	creds := Credentials{
		AccessToken:  res.Access,
		RefreshToken: res.Refresh,
		Username:     username,
	}
	if claims, err := ParseTokenClaims(res.Access); err == nil {
		creds.UserID = claims.UserID
	}
	if res.User != nil {
		creds.UserID = res.User.ID
		creds.Username = res.User.Username
	}
	if err := a.client.store.Save(creds); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}
	a.client.logger.Info("logged in", "user_id", creds.UserID, "username", creds.Username)
	return &creds, nil
}

// Refresh forces a token refresh.
func (a *AuthClient) Refresh(ctx context.Context) error {
	return a.client.refreshSession(ctx, "", true)
}

// Logout clears the stored credentials.
func (a *AuthClient) Logout() error {
	return a.client.store.Clear()
}

// Profile returns the logged-in user.
func (a *AuthClient) Profile(ctx context.Context) (*User, error) {
	data, err := a.client.doRequest(ctx, http.MethodGet, "/users/profile/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Chat
// ============================================================================

type ChatClient struct{ client *Client }

// ListConversations returns the caller's visible conversations, most recent first.
func (ch *ChatClient) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := ch.client.doRequest(ctx, http.MethodGet, "/chat/conversations/", nil, nil)
	if err != nil {
		return nil, err
	}
	page, err := decodeList[Conversation](data)
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

// GetOrCreateConversation opens the caller's conversation about a listing,
// reactivating it if it was hidden.
func (ch *ChatClient) GetOrCreateConversation(ctx context.Context, listingID ID) (*Conversation, error) {
	data, err := ch.client.doRequest(ctx, http.MethodPost, "/chat/conversations/",
		map[string]string{"listing_id": string(listingID)}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

func (ch *ChatClient) GetConversation(ctx context.Context, id ID) (*Conversation, error) {
	data, err := ch.client.doRequest(ctx, http.MethodGet, "/chat/conversations/"+url.PathEscape(string(id))+"/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// Messages returns one page of history ordered by created_at ascending.
func (ch *ChatClient) Messages(ctx context.Context, id ID, opts *PageOptions) (*MessagePage, error) {
	data, err := ch.client.doRequest(ctx, http.MethodGet, "/chat/conversations/"+url.PathEscape(string(id))+"/messages/", nil, pageQuery(opts))
	if err != nil {
		return nil, err
	}
	page, err := decodeList[Message](data)
	if err != nil {
		return nil, err
	}
	msgs := page.Results
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return &MessagePage{Messages: msgs, Next: page.Next, Count: page.Count}, nil
}

// SendMessage posts a message through the request/response path.
func (ch *ChatClient) SendMessage(ctx context.Context, id ID, req SendMessageRequest) (*Message, error) {
	if err := ValidateSendRequest(&req); err != nil {
		return nil, err
	}
	data, err := ch.client.doRequest(ctx, http.MethodPost, "/chat/conversations/"+url.PathEscape(string(id))+"/send_message/", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// MarkRead marks every message from the other participant as read.
func (ch *ChatClient) MarkRead(ctx context.Context, id ID) error {
	_, err := ch.client.doRequest(ctx, http.MethodPost, "/chat/conversations/"+url.PathEscape(string(id))+"/mark_read/", nil, nil)
	return err
}

// HideConversation hides the conversation for the caller only.
func (ch *ChatClient) HideConversation(ctx context.Context, id ID) error {
	_, err := ch.client.doRequest(ctx, http.MethodPost, "/chat/conversations/"+url.PathEscape(string(id))+"/hide/", nil, nil)
	return err
}

// MarkDelivered acknowledges receipt of one message.
func (ch *ChatClient) MarkDelivered(ctx context.Context, messageID ID) error {
	_, err := ch.client.doRequest(ctx, http.MethodPost, "/chat/messages/"+url.PathEscape(string(messageID))+"/mark_delivered/", nil, nil)
	return err
}

// ============================================================================
// Notifications
// ============================================================================

type NotificationsClient struct{ client *Client }

func (n *NotificationsClient) List(ctx context.Context, opts *PageOptions) ([]Notification, error) {
	data, err := n.client.doRequest(ctx, http.MethodGet, "/notifications/notifications/", nil, pageQuery(opts))
	if err != nil {
		return nil, err
	}
	page, err := decodeList[Notification](data)
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

func (n *NotificationsClient) UnreadCount(ctx context.Context) (int, error) {
	data, err := n.client.doRequest(ctx, http.MethodGet, "/notifications/notifications/unread_count/", nil, nil)
	if err != nil {
		return 0, err
	}
	res, err := decodeJSON[struct {
		Count int `json:"count"`
	}](data)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (n *NotificationsClient) MarkRead(ctx context.Context, id ID) error {
	_, err := n.client.doRequest(ctx, http.MethodPost, "/notifications/notifications/"+url.PathEscape(string(id))+"/mark_read/", nil, nil)
	return err
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.client.doRequest(ctx, http.MethodPost, "/notifications/notifications/mark_all_read/", nil, nil)
	return err
}

// ============================================================================
// Realtime
// ============================================================================

// RealtimeClient opens live connections.
type RealtimeClient struct{ client *Client }

// Endpoint returns the channel URL for target, without the token.
func (r *RealtimeClient) Endpoint(target Target) string {
	switch target.Kind {
	case TargetConversation:
		return r.client.wsURL + "/ws/chat/" + url.PathEscape(string(target.ConversationID)) + "/"
	case TargetNotifications:
		return r.client.wsURL + "/ws/notifications/"
	default:
		return r.client.baseURL + "/events/stream/"
	}
}

// Connect opens a live connection to target. It never fails: a missing
// token or a rejected credential shows up as a closed Conn with the matching
// CloseReason.
func (r *RealtimeClient) Connect(ctx context.Context, target Target, handler EventHandler, onState StateHandler) *Conn {
	conn := newConn(target, r.Endpoint(target), r.client.store, r.client.realtime, handler, onState)
	conn.refresh = func(ctx context.Context) error {
		return r.client.refreshSession(ctx, "", true)
	}
	conn.start(ctx)
	return conn
}

// Dial implements Dialer.
func (r *RealtimeClient) Dial(ctx context.Context, target Target, handler EventHandler, onState StateHandler) Transport {
	return r.Connect(ctx, target, handler, onState)
}
