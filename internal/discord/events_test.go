package discord

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactAnyRemovesSecrets(t *testing.T) {
	var v any
	require.NoError(t, json.Unmarshal([]byte(`{"Token":"abc","nested":[{"session_id":"s","ok":1}],"content":"hi"}`), &v))

	out := redactAny(v).(map[string]any)
	assert.Equal(t, "<redacted>", out["Token"])
	assert.Equal(t, "<redacted>", out["content"])
	nested := out["nested"].([]any)[0].(map[string]any)
	assert.Equal(t, "<redacted>", nested["session_id"])
	assert.EqualValues(t, 1, nested["ok"])
}

func TestExtractMetaTypedAndRaw(t *testing.T) {
	typed := &discordgo.Event{Type: "VOICE_STATE_UPDATE", Struct: &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "g1", ChannelID: "c1", UserID: "u1"},
	}}
	assert.Equal(t, eventMeta{guildID: "g1", channelID: "c1", userID: "u1"}, extractMeta(typed))

	raw := &discordgo.Event{Type: "TYPING_START", RawData: json.RawMessage(`{"guild_id":"g2","channel_id":"c2","user_id":"u2"}`)}
	assert.Equal(t, eventMeta{guildID: "g2", channelID: "c2", userID: "u2"}, extractMeta(raw))

	assert.Equal(t, eventMeta{}, extractMeta(&discordgo.Event{RawData: json.RawMessage(`not json`)}))
}

func TestEventPayloadRedactsAndTruncates(t *testing.T) {
	l := &EventLogger{MaxPayload: 64, RedactLarge: 8}
	evt := &discordgo.Event{RawData: json.RawMessage(`{"token":"secret","blob":"0123456789abcdef"}`)}

	got := l.payload(evt)
	assert.NotContains(t, got, "secret")
	assert.Contains(t, got, "<redacted 16 bytes>")
	assert.Contains(t, got, `"token":"<redacted>"`)
	assert.NotContains(t, got, `\u003c`)
	assert.False(t, strings.HasSuffix(got, "\n"))

	big := &discordgo.Event{RawData: json.RawMessage(`{"a":"` + strings.Repeat("x", 7) + `","b":"` + strings.Repeat("y", 200) + `"}`)}
	l.RedactLarge = 1000
	got = l.payload(big)
	assert.True(t, strings.HasPrefix(got, `{"a":"xxxxxxx"`))
	assert.Contains(t, got, "<truncated")

	assert.Equal(t, "<raw data omitted>", l.payload(&discordgo.Event{RawData: json.RawMessage(`{`)}))
}
