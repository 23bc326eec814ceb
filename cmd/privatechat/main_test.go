package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	privatechat "github.com/nearai/private-chat-sub001"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	cases := []struct {
		key, value, shown string
	}{
		{"default.base_url", "https://chat.example.com/", "https://chat.example.com"},
		{"default.log_level", "debug", "debug"},
		{"default.cache_path", "/tmp/c.db", "/tmp/c.db"},
		{"auth.token", "sess_0123456789abcdef", "sess_0...cdef"},
		{"auth.user_id", "u1", "u1"},
	}
	for _, tc := range cases {
		shown, err := setConfigValue(cfg, tc.key, tc.value)
		require.NoError(t, err, tc.key)
		assert.Equal(t, tc.shown, shown, tc.key)
	}

	assert.Equal(t, "https://chat.example.com", cfg.Default.BaseURL)
	assert.Equal(t, "debug", cfg.Default.LogLevel)
	assert.Equal(t, "/tmp/c.db", cfg.Default.CachePath)
	assert.Equal(t, "sess_0123456789abcdef", cfg.Auth.Token)
	assert.Equal(t, "u1", cfg.Auth.UserID)

	for _, key := range []string{"token", "auth.nope", "default.nope", "other.x"} {
		_, err := setConfigValue(cfg, key, "v")
		assert.Error(t, err, key)
	}
}

func TestRenderConfig(t *testing.T) {
	var buf bytes.Buffer
	renderConfig(&buf, "/home/a/.privatechat/config.toml", "/home/a/.privatechat/cache.db", &Config{
		Auth: ConfigAuth{Token: "sess_0123456789abcdef"},
	})
	assert.Equal(t, `# /home/a/.privatechat/config.toml
[default]
base_url   = https://private-chat.near.ai
log_level  = info
cache_path = /home/a/.privatechat/cache.db

[auth]
token      = sess_0...cdef
user_id    = (not set)
`, buf.String())
	assert.NotContains(t, buf.String(), "0123456789")
}

func TestConfigRoundTripAndEnvOverlay(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg, "missing file is an empty config")

	cfg.Auth.Token = "file-token"
	cfg.Default.BaseURL = "https://file.example.com"
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(home, ".privatechat", "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Setenv("PRIVATECHAT_BASE_URL", "http://localhost:9000")
	resolved, err := resolveConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", resolved.Default.BaseURL)
	assert.Equal(t, "file-token", resolved.Auth.Token)

	onDisk, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com", onDisk.Default.BaseURL, "env values are never saved")

	path, err := cachePath(onDisk)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".privatechat", "cache.db"), path)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "*****", maskKey("short"))
	assert.Equal(t, "abcdef...wxyz", maskKey("abcdef0123456789wxyz"))
	assert.Equal(t, "fallback", valueOrDefault("", "fallback"))
	assert.Equal(t, "set", valueOrDefault("set", "fallback"))
}

func message(id, responseID, previousID, role, contentType, text string) privatechat.ConversationItem {
	return privatechat.ConversationItem{
		Type:               privatechat.ItemTypeMessage,
		ID:                 id,
		ResponseID:         responseID,
		PreviousResponseID: previousID,
		Role:               role,
		Status:             privatechat.ItemStatusCompleted,
		Content:            []privatechat.ContentItem{{Type: contentType, Text: text}},
	}
}

func exchange(responseID, previousID, prompt, answer string) []privatechat.ConversationItem {
	return []privatechat.ConversationItem{
		message("u_"+responseID, responseID, previousID, privatechat.RoleUser, privatechat.ContentInputText, prompt),
		message("a_"+responseID, responseID, previousID, privatechat.RoleAssistant, privatechat.ContentOutputText, answer),
	}
}

func TestRenderState(t *testing.T) {
	var data []privatechat.ConversationItem
	data = append(data, exchange("R", "", "start", "ok")...)
	data = append(data, exchange("A", "R", "hi", "hello")...)
	data = append(data, exchange("A2", "R", "hi", "hey\nthere")...)
	data = append(data, privatechat.ConversationItem{
		Type:       privatechat.ItemTypeWebSearchCall,
		ID:         "ws1",
		ResponseID: "A2",
		Action:     &privatechat.SearchAction{Query: "greetings"},
	})

	conv := &privatechat.Conversation{ID: "conv_1", Metadata: map[string]string{"title": "Greetings"}, Data: data}
	state := privatechat.BuildConversationState(conv, nil, "")

	var buf bytes.Buffer
	renderState(&buf, state, true)
	assert.Equal(t, `# Greetings (conv_1)

[R]
> start
< ok

[A2] response 2/2
> hi
  (searched "greetings")
< hey
  there
`, buf.String())

	buf.Reset()
	empty := privatechat.BuildConversationState(&privatechat.Conversation{ID: "c"}, nil, "")
	renderState(&buf, empty, false)
	assert.Equal(t, "# New Conversation (c)\n(empty conversation)\n", buf.String())
}
