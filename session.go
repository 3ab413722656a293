package olx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ============================================================================
// Token Claims
// ============================================================================

// TokenClaims are the claims the backend puts in its tokens.
type TokenClaims struct {
	UserID    ID     `json:"user_id"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// ParseTokenClaims decodes a token's claims without verifying the signature.
// The client cannot verify; it only needs the expiry and user id.
func ParseTokenClaims(token string) (*TokenClaims, error) {
	if token == "" {
		return nil, ErrNoCredential
	}
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}

// tokenExpiry returns when token expires. A token without an exp claim never
// expires; a token that cannot be decoded is already expired.
func tokenExpiry(token string) (time.Time, bool) {
	claims, err := ParseTokenClaims(token)
	if err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, true
	}
	return claims.ExpiresAt.Time, true
}

func tokenValidAt(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	exp, ok := tokenExpiry(token)
	if !ok {
		return false
	}
	return exp.IsZero() || now.Before(exp)
}

// ============================================================================
// Session Monitor
// ============================================================================

// CheckResult is the outcome of one monitor cycle.
type CheckResult string

const (
	CheckNoSession CheckResult = "no-session"
	CheckValid     CheckResult = "valid"
	CheckWarned    CheckResult = "warned"
	CheckRefreshed CheckResult = "refreshed"
	CheckLoggedOut CheckResult = "logged-out"
)

// SessionAuth is what the monitor needs from the auth client.
type SessionAuth interface {
	Refresh(ctx context.Context) error
	Logout() error
}

// MonitorConfig configures a SessionMonitor.
type MonitorConfig struct {
	Interval   time.Duration
	WarnWindow time.Duration
	Logger     *slog.Logger
	Notifier   Notifier
	Navigator  Navigator
}

func (c *MonitorConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	if c.WarnWindow == 0 {
		c.WarnWindow = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Notifier == nil {
		c.Notifier = LogNotifier{Logger: c.Logger}
	}
	if c.Navigator == nil {
		c.Navigator = NopNavigator{}
	}
}

// SessionMonitor periodically checks the access token and refreshes it or
// forces a logout when it expires.
type SessionMonitor struct {
	store  TokenStore
	auth   SessionAuth
	config MonitorConfig

	warnedFor string
}

// NewSessionMonitor creates a monitor over store. auth is usually client.Auth.
func NewSessionMonitor(store TokenStore, auth SessionAuth, config *MonitorConfig) *SessionMonitor {
	cfg := MonitorConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &SessionMonitor{store: store, auth: auth, config: cfg}
}

// Run checks once immediately and then on every interval until ctx is done.
func (m *SessionMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.Check(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.Check(ctx, now)
		}
	}
}

// Check runs one cycle as of now. It never panics on a malformed token.
func (m *SessionMonitor) Check(ctx context.Context, now time.Time) CheckResult {
	log := m.config.Logger
	creds := m.store.Load()
	if creds.AccessToken == "" {
		return CheckNoSession
	}

	exp, ok := tokenExpiry(creds.AccessToken)
	if ok && (exp.IsZero() || now.Before(exp)) {
		if exp.IsZero() {
			return CheckValid
		}
		remaining := exp.Sub(now)
		if remaining > m.config.WarnWindow {
			return CheckValid
		}
		if m.warnedFor != creds.AccessToken {
			m.warnedFor = creds.AccessToken
			log.Info("session expiring soon", "remaining", remaining.Round(time.Second))
			m.config.Notifier.Warn(fmt.Sprintf("Your session expires in %s.", remaining.Round(time.Second)))
		}
		return CheckWarned
	}
	if !ok {
		log.Warn("stored access token is malformed, treating as expired")
	}

	if tokenValidAt(creds.RefreshToken, now) {
		err := m.auth.Refresh(ctx)
		if err == nil {
			log.Info("session refreshed")
			return CheckRefreshed
		}
		log.Warn("session refresh failed", "err", err)
	}

	return m.logout()
}

func (m *SessionMonitor) logout() CheckResult {
	if err := m.auth.Logout(); err != nil {
		m.config.Logger.Error("failed to clear session", "err", err)
	}
	m.config.Logger.Info("session expired, logged out")
	m.config.Navigator.ToLogin()
	return CheckLoggedOut
}
