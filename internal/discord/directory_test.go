package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState(t *testing.T) *discordgo.State {
	t.Helper()
	st := discordgo.NewState()
	require.NoError(t, st.GuildAdd(&discordgo.Guild{
		ID:   "g1",
		Name: "Lab",
		VoiceStates: []*discordgo.VoiceState{
			{GuildID: "g1", UserID: "u1", ChannelID: "v1"},
			{GuildID: "g1", UserID: "u2"},
		},
	}))
	require.NoError(t, st.ChannelAdd(&discordgo.Channel{ID: "v1", GuildID: "g1", Name: "lounge", Type: discordgo.ChannelTypeGuildVoice}))
	return st
}

func TestDirectoryVoiceChannel(t *testing.T) {
	d := NewDirectory(&discordgo.Session{State: testState(t)})

	ch, err := d.VoiceChannel("g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "v1", ch)

	_, err = d.VoiceChannel("g1", "u2")
	assert.ErrorIs(t, err, errNotInVoice, "voice state without a channel")
	_, err = d.VoiceChannel("g1", "u3")
	assert.ErrorIs(t, err, errNotInVoice)
	_, err = d.VoiceChannel("g2", "u1")
	assert.ErrorIs(t, err, errNotInVoice)

	_, err = NewDirectory(nil).VoiceChannel("g1", "u1")
	assert.ErrorIs(t, err, errNotInVoice)
}

func TestDirectoryMemberNamePrecedence(t *testing.T) {
	st := testState(t)
	for _, m := range []*discordgo.Member{
		{GuildID: "g1", Nick: "Captain", User: &discordgo.User{ID: "u1", Username: "cap", GlobalName: "Cap Global"}},
		{GuildID: "g1", User: &discordgo.User{ID: "u2", Username: "second", GlobalName: "Second Global"}},
		{GuildID: "g1", User: &discordgo.User{ID: "u3", Username: "third"}},
	} {
		require.NoError(t, st.MemberAdd(m))
	}
	d := NewDirectory(&discordgo.Session{State: st})

	assert.Equal(t, "Captain", d.MemberName("g1", "u1"))
	assert.Equal(t, "Second Global", d.MemberName("g1", "u2"))
	assert.Equal(t, "third", d.MemberName("g1", "u3"))
	assert.Empty(t, d.MemberName("g1", ""))
}

func TestDirectoryDoesNotCacheMisses(t *testing.T) {
	st := testState(t)
	d := NewDirectory(&discordgo.Session{State: st})

	assert.Empty(t, d.MemberName("g1", "late"))
	require.NoError(t, st.MemberAdd(&discordgo.Member{GuildID: "g1", User: &discordgo.User{ID: "late", Username: "latecomer"}}))
	assert.Equal(t, "latecomer", d.MemberName("g1", "late"))
}

func TestDirectoryCachesNamesUntilTTL(t *testing.T) {
	st := testState(t)
	now := time.Unix(1000, 0)
	d := NewDirectory(&discordgo.Session{State: st})
	d.now = func() time.Time { return now }

	assert.Equal(t, "Lab", d.GuildName("g1"))
	assert.Equal(t, "lounge", d.ChannelName("v1"))

	require.NoError(t, st.GuildAdd(&discordgo.Guild{ID: "g1", Name: "Lab 2"}))
	require.NoError(t, st.ChannelAdd(&discordgo.Channel{ID: "v1", GuildID: "g1", Name: "stage", Type: discordgo.ChannelTypeGuildVoice}))
	assert.Equal(t, "Lab", d.GuildName("g1"), "served from cache")
	assert.Equal(t, "lounge", d.ChannelName("v1"), "served from cache")

	now = now.Add(DefaultNameTTL + time.Second)
	assert.Equal(t, "Lab 2", d.GuildName("g1"))
	assert.Equal(t, "stage", d.ChannelName("v1"))
}

func TestDirectoryWithoutSession(t *testing.T) {
	d := NewDirectory(nil)
	assert.Empty(t, d.MemberName("g1", "u1"))
	assert.Empty(t, d.GuildName("g1"))
	assert.Empty(t, d.ChannelName("v1"))

	var nilDir *Directory
	assert.Empty(t, nilDir.GuildName("g1"))

	offline := NewDirectory(&discordgo.Session{State: discordgo.NewState()})
	assert.Empty(t, offline.GuildName("unknown"), "no REST client, no lookup")
	assert.Empty(t, offline.ChannelName(""))
}
