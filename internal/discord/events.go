package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

// sensitiveKeys lists JSON keys which should never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
	"content": {},
}

// EventLogger logs every gateway event with secrets and bulky values
// removed. Register Handle with discordgo's AddHandler.
type EventLogger struct {
	// MaxPayload truncates the logged payload, default 8 KiB.
	MaxPayload int
	// RedactLarge replaces string values longer than this, default 1 KiB.
	RedactLarge int
	Logger      logging.Logger
}

// Handle uses *discordgo.Event so discordgo delivers every event type.
func (l *EventLogger) Handle(_ *discordgo.Session, evt *discordgo.Event) {
	if evt == nil {
		return
	}
	log := l.Logger
	if log == nil {
		log = logging.GetLogger()
	}
	meta := extractMeta(evt)
	log.Debugw("discord event",
		"type", evt.Type,
		"guild", meta.guildID,
		"channel", meta.channelID,
		"user", meta.userID,
		"payload", l.payload(evt),
	)
}

func (l *EventLogger) payload(evt *discordgo.Event) string {
	raw := []byte(evt.RawData)
	if evt.Struct != nil {
		if b, err := json.Marshal(evt.Struct); err == nil {
			raw = b
		}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "<raw data omitted>"
	}
	limit := l.RedactLarge
	if limit <= 0 {
		limit = 1024
	}
	// Placeholders contain angle brackets; keep them readable in logs.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(redactLarge(redactAny(v), limit)); err != nil {
		return "<unencodable payload>"
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	keep := l.MaxPayload
	if keep <= 0 {
		keep = 8 * 1024
	}
	if len(out) > keep {
		return string(out[:keep]) + fmt.Sprintf("<truncated %d bytes>", len(out))
	}
	return string(out)
}

// redactAny walks a decoded JSON value and replaces values for sensitive
// keys with a placeholder. It modifies maps and slices in place.
func redactAny(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactAny(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactAny(it)
		}
		return vv
	default:
		return v
	}
}

func redactLarge(v any, limit int) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			vv[k] = redactLarge(val, limit)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactLarge(it, limit)
		}
		return vv
	case string:
		if len(vv) > limit {
			return fmt.Sprintf("<redacted %d bytes>", len(vv))
		}
		return vv
	default:
		return v
	}
}

type eventMeta struct {
	guildID   string
	channelID string
	userID    string
}

// extractMeta pulls searchable ids from known event types, falling back to
// the raw payload's top-level keys.
func extractMeta(evt *discordgo.Event) eventMeta {
	var m eventMeta
	switch e := evt.Struct.(type) {
	case *discordgo.VoiceStateUpdate:
		if e.VoiceState != nil {
			m.guildID, m.channelID, m.userID = e.GuildID, e.ChannelID, e.UserID
		}
		return m
	case *discordgo.MessageCreate:
		if e.Message != nil {
			m.guildID, m.channelID = e.GuildID, e.ChannelID
			if e.Author != nil {
				m.userID = e.Author.ID
			}
		}
		return m
	case *discordgo.GuildCreate:
		if e.Guild != nil {
			m.guildID = e.ID
		}
		return m
	case *discordgo.Ready:
		if e.User != nil {
			m.userID = e.User.ID
		}
		return m
	}
	var raw map[string]any
	if err := json.Unmarshal(evt.RawData, &raw); err != nil {
		return m
	}
	m.guildID, _ = raw["guild_id"].(string)
	m.channelID, _ = raw["channel_id"].(string)
	m.userID, _ = raw["user_id"].(string)
	return m
}
