package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "tok")
	t.Setenv("ELEVENLABS_AGENT_ID", "agent")
	t.Setenv("ELEVENLABS_API_KEY", "key")
	t.Setenv("ELEVENLABS_BASE_URL", "https://example.test/")
	t.Setenv("COMMAND_PREFIX", "?")
	t.Setenv("VOICE_READY_TIMEOUT", "5s")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.DiscordToken)
	assert.Equal(t, "agent", cfg.AgentID)
	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, "https://example.test", cfg.BaseURL)
	assert.Equal(t, "?", cfg.Prefix)
	assert.Equal(t, 5*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, "wss://api.elevenlabs.io/v1/convai/conversation", cfg.ConvAIEndpoint)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadValidatesRequiredSettings(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "")
	t.Setenv("ELEVENLABS_AGENT_ID", "")
	t.Setenv("ELEVENLABS_API_KEY", "")

	_, err := Load(New(), "")
	assert.ErrorIs(t, err, ErrMissingToken)

	t.Setenv("DISCORD_BOT_TOKEN", "tok")
	_, err = Load(New(), "")
	assert.ErrorIs(t, err, ErrMissingAgentID)

	t.Setenv("ELEVENLABS_AGENT_ID", "agent")
	_, err = Load(New(), "")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestLoadReadsConfigFile(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "")
	t.Setenv("ELEVENLABS_AGENT_ID", "")
	t.Setenv("ELEVENLABS_API_KEY", "from-env")

	path := filepath.Join(t.TempDir(), "bot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[discord]
bot_token = "file-token"

[elevenlabs]
agent_id = "file-agent"
api_key = "file-key"
voice_id = "voice-1"
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "file-token", cfg.DiscordToken)
	assert.Equal(t, "file-agent", cfg.AgentID)
	assert.Equal(t, "from-env", cfg.APIKey, "environment wins over file")
	assert.Equal(t, "voice-1", cfg.VoiceID)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestRedactedHidesSecrets(t *testing.T) {
	r := Config{DiscordToken: "tok", APIKey: "key", AgentID: "a"}.Redacted()
	for _, v := range r {
		assert.NotEqual(t, "tok", v)
		assert.NotEqual(t, "key", v)
	}
	assert.Equal(t, true, r["token_set"])
}
