package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	olx "github.com/mohammadkhasimpathan/olx-clone"
)

// session bundles what every command needs.
type session struct {
	cfg    *Config
	store  *olx.FileTokenStore
	client *olx.Client
	logger *slog.Logger
}

// newSession builds a client over the config file's credential store.
func newSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	logger := olx.NewLogger(os.Stderr, cfg.Default.Env, olx.ParseLevel(cfg.Default.LogLevel))
	store := olx.NewFileTokenStore(path)

	opts := []olx.ClientOption{olx.WithLogger(logger)}
	if cfg.Default.WSURL != "" {
		opts = append(opts, olx.WithWebSocketURL(cfg.Default.WSURL))
	}

	return &session{
		cfg:    cfg,
		store:  store,
		client: olx.NewClient(cfg.Default.BaseURL, store, opts...),
		logger: logger,
	}, nil
}

// requireLogin returns a session with stored credentials or an error telling
// the user to log in.
func requireLogin() (*session, error) {
	s, err := newSession()
	if err != nil {
		return nil, err
	}
	if !s.store.Load().Authenticated() {
		return nil, fmt.Errorf("not logged in. Run 'olx login <username>' first")
	}
	return s, nil
}

func requestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func secondsDuration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// ============================================================================
// Formatting
// ============================================================================

func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 16 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func receipt(m olx.Message) string {
	switch m.Delivery() {
	case olx.StateRead:
		return "✓✓ read"
	case olx.StateDelivered:
		return "✓✓"
	default:
		return "✓"
	}
}

// formatMessage renders one chat line. self is the logged-in user.
func formatMessage(m olx.Message, self olx.ID) string {
	who := valueOrDefault(m.SenderUsername, "user "+string(m.SenderID))
	status := ""
	if m.SenderID == self {
		who = "you"
		status = "  " + receipt(m)
	}
	body := m.Content
	if m.Type == "offer" && m.OfferAmount != "" {
		body = fmt.Sprintf("[offer %s] %s", m.OfferAmount, body)
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("Jan 02 15:04"), who, body, status)
}

func printMessages(w io.Writer, msgs []olx.Message, self olx.ID) {
	for _, m := range msgs {
		fmt.Fprintln(w, formatMessage(m, self))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// terminalNavigator maps view navigation onto ending the command.
type terminalNavigator struct {
	out    io.Writer
	cancel context.CancelFunc
}

func (n terminalNavigator) ToConversationList(reason error) {
	if reason != nil {
		fmt.Fprintf(n.out, "Leaving conversation: %v\n", reason)
	}
	n.cancel()
}

func (n terminalNavigator) ToLogin() {
	fmt.Fprintln(n.out, "Session expired. Run 'olx login <username>' to sign in again.")
	n.cancel()
}

// terminalNotifier prints notifications inline.
type terminalNotifier struct {
	out io.Writer
}

func (n terminalNotifier) NotifyMessage(conv olx.ID, m olx.Message) {
	fmt.Fprintf(n.out, "🔔 %s (conversation %s): %s\n", valueOrDefault(m.SenderUsername, "new message"), conv, truncate(m.Content, 60))
}

func (n terminalNotifier) Warn(text string) {
	fmt.Fprintf(n.out, "! %s\n", text)
}
