package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	olx "github.com/mohammadkhasimpathan/olx-clone"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.olx/config.toml.
// The [auth] table is owned by olx.FileTokenStore.
type Config struct {
	Default ConfigDefault   `toml:"default"`
	Auth    olx.Credentials `toml:"auth"`
}

// ConfigDefault holds general client settings. Each field can be overridden
// by an OLX_* environment variable.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url" envconfig:"BASE_URL"`
	WSURL    string `toml:"ws_url" envconfig:"WS_URL"`
	Env      string `toml:"env" envconfig:"ENV"`
	LogLevel string `toml:"log_level" envconfig:"LOG_LEVEL"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configPath returns the config file path: $OLX_CONFIG, or ~/.olx/config.toml.
func configPath() (string, error) {
	if p := os.Getenv("OLX_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".olx")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadFileConfig reads and parses the config file without environment
// overrides. If the file does not exist, it returns a zero-value Config.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig returns the effective configuration: the file, then .env, then
// OLX_* variables, then built-in defaults for anything still empty.
func loadConfig() (*Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	if err := envconfig.Process("OLX", &cfg.Default); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		cfg.Default.BaseURL = olx.DefaultBaseURL
	}
	if cfg.Default.Env == "" {
		cfg.Default.Env = "local"
	}
	if cfg.Default.LogLevel == "" {
		cfg.Default.LogLevel = "warn"
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
// The [auth] table is written only by login and logout.
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "env":
			cfg.Default.Env = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		return fmt.Errorf("section [auth] is managed by 'olx login' and 'olx logout'")
	default:
		return fmt.Errorf("unknown config section %q (valid: default)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "olx",
	Short:        "Marketplace messaging CLI",
	Long:         "Command-line client for the marketplace: log in, read and send chat messages,\nfollow conversations live and watch notifications.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
