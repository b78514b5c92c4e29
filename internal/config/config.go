// Package config loads bot settings from the environment, an optional config
// file and command-line flags through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	KeyDiscordToken   = "discord.bot_token"
	KeyAgentID        = "elevenlabs.agent_id"
	KeyAPIKey         = "elevenlabs.api_key"
	KeyVoiceID        = "elevenlabs.voice_id"
	KeyBaseURL        = "elevenlabs.base_url"
	KeyConvAIEndpoint = "elevenlabs.convai_endpoint"
	KeyLogLevel       = "log.level"
	KeyPrefix         = "bot.prefix"
	KeyReadyTimeout   = "bot.ready_timeout"
	KeyLogEvents      = "log.discord_events"
	KeyPayloadMax     = "log.payload_max_bytes"
)

// envKeys maps each setting to the environment variable it is read from.
var envKeys = map[string]string{
	KeyDiscordToken:   "DISCORD_BOT_TOKEN",
	KeyAgentID:        "ELEVENLABS_AGENT_ID",
	KeyAPIKey:         "ELEVENLABS_API_KEY",
	KeyVoiceID:        "ELEVENLABS_VOICE_ID",
	KeyBaseURL:        "ELEVENLABS_BASE_URL",
	KeyConvAIEndpoint: "ELEVENLABS_CONVAI_URL",
	KeyLogLevel:       "LOG_LEVEL",
	KeyPrefix:         "COMMAND_PREFIX",
	KeyReadyTimeout:   "VOICE_READY_TIMEOUT",
	KeyLogEvents:      "LOG_DISCORD_EVENTS",
	KeyPayloadMax:     "PAYLOAD_MAX_BYTES",
}

var (
	ErrMissingToken   = errors.New("config: DISCORD_BOT_TOKEN is required")
	ErrMissingAgentID = errors.New("config: ELEVENLABS_AGENT_ID is required")
	ErrMissingAPIKey  = errors.New("config: ELEVENLABS_API_KEY is required")
)

type Config struct {
	DiscordToken   string
	AgentID        string
	APIKey         string
	VoiceID        string // optional, enables the say command
	BaseURL        string
	ConvAIEndpoint string
	LogLevel       string
	Prefix         string
	ReadyTimeout   time.Duration

	// LogEvents dumps every gateway event at debug level.
	LogEvents       bool
	PayloadMaxBytes int
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyBaseURL, "https://api.elevenlabs.io")
	v.SetDefault(KeyConvAIEndpoint, "wss://api.elevenlabs.io/v1/convai/conversation")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyPrefix, "!")
	v.SetDefault(KeyReadyTimeout, 20*time.Second)
	v.SetDefault(KeyLogEvents, false)
	v.SetDefault(KeyPayloadMax, 8*1024)
	for key, env := range envKeys {
		_ = v.BindEnv(key, env)
	}
	return v
}

// Load reads an optional config file and resolves all settings. A missing
// file at path is an error; an empty path skips file loading.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := Config{
		DiscordToken:    strings.TrimSpace(v.GetString(KeyDiscordToken)),
		AgentID:         strings.TrimSpace(v.GetString(KeyAgentID)),
		APIKey:          strings.TrimSpace(v.GetString(KeyAPIKey)),
		VoiceID:         strings.TrimSpace(v.GetString(KeyVoiceID)),
		BaseURL:         strings.TrimRight(strings.TrimSpace(v.GetString(KeyBaseURL)), "/"),
		ConvAIEndpoint:  strings.TrimSpace(v.GetString(KeyConvAIEndpoint)),
		LogLevel:        strings.TrimSpace(v.GetString(KeyLogLevel)),
		Prefix:          v.GetString(KeyPrefix),
		ReadyTimeout:    v.GetDuration(KeyReadyTimeout),
		LogEvents:       v.GetBool(KeyLogEvents),
		PayloadMaxBytes: v.GetInt(KeyPayloadMax),
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings the bot cannot run without.
func (c Config) Validate() error {
	switch {
	case c.DiscordToken == "":
		return ErrMissingToken
	case c.AgentID == "":
		return ErrMissingAgentID
	case c.APIKey == "":
		return ErrMissingAPIKey
	}
	return nil
}

// Redacted is safe to log.
func (c Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"agent_id":        c.AgentID,
		"voice_id":        c.VoiceID,
		"base_url":        c.BaseURL,
		"convai_endpoint": c.ConvAIEndpoint,
		"log_level":       c.LogLevel,
		"prefix":          c.Prefix,
		"ready_timeout":   c.ReadyTimeout.String(),
		"log_events":      c.LogEvents,
		"token_set":       c.DiscordToken != "",
		"api_key_set":     c.APIKey != "",
	}
}
