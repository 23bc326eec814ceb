package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	privatechat "github.com/nearai/private-chat-sub001"
)

// newLogger builds the console logger used by every command.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Default.LogLevel != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(cfg.Default.LogLevel)); err == nil {
			level = l
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// newClient creates an authenticated REST client.
func newClient(cfg *Config, log zerolog.Logger) (*privatechat.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no session token; run 'privatechat init <token>' first")
	}
	opts := []privatechat.ClientOption{
		privatechat.WithTokenSource(privatechat.StaticToken(cfg.Auth.Token)),
		privatechat.WithLogger(log),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, privatechat.WithBaseURL(cfg.Default.BaseURL))
	}
	return privatechat.NewClient(opts...), nil
}

// cachePath returns the SQLite offline cache location.
func cachePath(cfg *Config) (string, error) {
	if cfg.Default.CachePath != "" {
		return cfg.Default.CachePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

// openCache opens the persistent offline cache. Close the store when done.
func openCache(cfg *Config, log zerolog.Logger) (*privatechat.SQLiteStore, *privatechat.OfflineCache, error) {
	path, err := cachePath(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := privatechat.OpenSQLiteStore(path)
	if err != nil {
		return nil, nil, err
	}
	return store, privatechat.NewOfflineCache(store, &log), nil
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
