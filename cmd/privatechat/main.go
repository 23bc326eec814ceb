package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.privatechat/config.toml.
// Environment variables override the file at run time but are never saved.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url" env:"PRIVATECHAT_BASE_URL"`
	LogLevel  string `toml:"log_level" env:"PRIVATECHAT_LOG_LEVEL"`
	CachePath string `toml:"cache_path" env:"PRIVATECHAT_CACHE_PATH"`
}

// ConfigAuth holds the session credential.
type ConfigAuth struct {
	Token  string `toml:"token" env:"PRIVATECHAT_TOKEN"`
	UserID string `toml:"user_id" env:"PRIVATECHAT_USER_ID"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.privatechat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".privatechat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
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

// resolveConfig is loadConfig with environment overrides applied. Use it for
// commands that run, never for commands that save.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	return cfg, nil
}

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

// setConfigValue sets a config field using dot notation (e.g. "auth.token")
// and returns the value as it should be echoed back, secrets masked.
func setConfigValue(cfg *Config, key, value string) (string, error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return "", fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = strings.TrimRight(value, "/")
			return cfg.Default.BaseURL, nil
		case "log_level":
			cfg.Default.LogLevel = value
		case "cache_path":
			cfg.Default.CachePath = value
		default:
			return "", fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
			return maskKey(value), nil
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return "", fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return "", fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return value, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "privatechat",
	Short: "Private chat conversation sync CLI",
	Long: "Command-line client for private chat conversations.\n" +
		"Replicate conversations for offline use, render the displayed branch and follow shared conversations live.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
