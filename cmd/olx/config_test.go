package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	olx "github.com/mohammadkhasimpathan/olx-clone"
)

// withConfigFile points OLX_CONFIG at a fresh temp file and clears the
// OLX_* overrides for the duration of the test.
func withConfigFile(t *testing.T) string {
	t.Helper()
	for _, key := range []string{"OLX_BASE_URL", "OLX_WS_URL", "OLX_ENV", "OLX_LOG_LEVEL"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	t.Setenv("OLX_CONFIG", path)
	return path
}

// ============================================================================
// Config
// ============================================================================

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    string
		check      func(*Config) string
	}{
		{key: "default.base_url", value: "https://olx.example.com/api", check: func(c *Config) string { return c.Default.BaseURL }},
		{key: "default.ws_url", value: "wss://olx.example.com", check: func(c *Config) string { return c.Default.WSURL }},
		{key: "default.env", value: "production", check: func(c *Config) string { return c.Default.Env }},
		{key: "default.log_level", value: "debug", check: func(c *Config) string { return c.Default.LogLevel }},
		{key: "default.colour", value: "x", wantErr: "unknown field"},
		{key: "auth.access_token", value: "x", wantErr: "managed by"},
		{key: "server.port", value: "x", wantErr: "unknown config section"},
		{key: "base_url", value: "x", wantErr: "dot notation"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.value, tt.check(cfg))
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	withConfigFile(t)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, olx.DefaultBaseURL, cfg.Default.BaseURL)
	assert.Equal(t, "local", cfg.Default.Env)
	assert.Equal(t, "warn", cfg.Default.LogLevel)
	assert.Empty(t, cfg.Default.WSURL)
	assert.False(t, cfg.Auth.Authenticated())
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := withConfigFile(t)

	require.NoError(t, saveConfig(&Config{Default: ConfigDefault{
		BaseURL:  "https://file.example.com/api",
		LogLevel: "info",
	}}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Setenv("OLX_BASE_URL", "https://env.example.com/api")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com/api", cfg.Default.BaseURL)
	assert.Equal(t, "info", cfg.Default.LogLevel)

	file, err := loadFileConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com/api", file.Default.BaseURL)
}

func TestSaveConfig_KeepsSession(t *testing.T) {
	path := withConfigFile(t)

	store := olx.NewFileTokenStore(path)
	require.NoError(t, store.Save(olx.Credentials{AccessToken: "a", RefreshToken: "r", UserID: "7", Username: "alice"}))

	cfg, err := loadFileConfig()
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.Auth.AccessToken)

	require.NoError(t, setConfigValue(cfg, "default.env", "production"))
	require.NoError(t, saveConfig(cfg))

	creds := olx.NewFileTokenStore(path).Load()
	assert.Equal(t, olx.ID("7"), creds.UserID)
	assert.Equal(t, "r", creds.RefreshToken)
}

// ============================================================================
// Formatting
// ============================================================================

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"user_id": "7"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestTokenStatus(t *testing.T) {
	assert.Equal(t, "none", tokenStatus(""))
	assert.Equal(t, "present (no expiry set)", tokenStatus(signed(t, time.Time{})))
	assert.True(t, strings.HasPrefix(tokenStatus(signed(t, time.Now().Add(time.Hour))), "valid"))
	assert.True(t, strings.HasPrefix(tokenStatus(signed(t, time.Now().Add(-time.Hour))), "EXPIRED"))
	assert.True(t, strings.HasPrefix(tokenStatus("garbage"), "present (undecodable"))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", maskToken(""))
	assert.Equal(t, "****", maskToken("short"))
	assert.Equal(t, "eyJhbG...wxyz", maskToken("eyJhbGciOiJIUzI1NiJ9.abcdefwxyz"))
}

func TestFormatMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

	mine := olx.Message{ID: "1", SenderID: "7", Content: "hello", IsRead: true, CreatedAt: at}
	line := formatMessage(mine, "7")
	assert.Contains(t, line, "you: hello")
	assert.Contains(t, line, "✓✓ read")

	theirs := olx.Message{ID: "2", SenderID: "8", SenderUsername: "bob", Content: "hi", Type: "offer", OfferAmount: "150", CreatedAt: at}
	line = formatMessage(theirs, "7")
	assert.Contains(t, line, "bob: [offer 150] hi")
	assert.NotContains(t, line, "✓")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "two lines", truncate("two\nlines", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestRenderer_PrintsEachMessageOnce(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, "7")
	conv := &olx.Conversation{ID: "c1", Listing: olx.Listing{Title: "Bike"}, Buyer: olx.User{ID: "7", Username: "alice"}, Seller: olx.User{ID: "8", Username: "bob"}}

	first := olx.Message{ID: "1", SenderID: "8", SenderUsername: "bob", Content: "still available?"}
	pending := olx.Message{ClientID: "tmp", SenderID: "7", Content: "yes", Pending: true}

	r.render(olx.ViewSnapshot{State: olx.ViewReady, Conversation: conv, Messages: []olx.Message{first, pending}, Connection: olx.ConnOpen})
	r.render(olx.ViewSnapshot{State: olx.ViewReady, Conversation: conv, Messages: []olx.Message{first, {ID: "2", SenderID: "7", Content: "yes"}}, Connection: olx.ConnOpen, OtherTyping: true})
	r.render(olx.ViewSnapshot{State: olx.ViewReconnecting, Conversation: conv, Connection: olx.ConnReconnecting})

	got := out.String()
	assert.Equal(t, 1, strings.Count(got, "== Bike with bob =="))
	assert.Equal(t, 1, strings.Count(got, "still available?"))
	assert.Equal(t, 1, strings.Count(got, "you: yes"))
	assert.Contains(t, got, "(typing...)")
	assert.Contains(t, got, "reconnecting")
}
