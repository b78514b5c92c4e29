package discord

import (
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

var errNotInVoice = errors.New("discord: user is not in a voice channel")

// Names turns Discord ids into the names shown in logs. An empty string
// means unknown.
type Names interface {
	MemberName(guildID, userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// DefaultNameTTL bounds how stale a cached name may get.
const DefaultNameTTL = 5 * time.Minute

type nameKind uint8

const (
	memberName nameKind = iota
	guildName
	channelName
)

type nameKey struct {
	kind  nameKind
	scope string
	id    string
}

type cachedName struct {
	name    string
	expires time.Time
}

// Directory answers the bot's questions about members and channels. It reads
// the gateway state first and falls back to REST for names when the session
// has an HTTP client.
type Directory struct {
	s   *discordgo.Session
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	names map[nameKey]cachedName
}

func NewDirectory(s *discordgo.Session) *Directory {
	return &Directory{
		s:     s,
		ttl:   DefaultNameTTL,
		now:   time.Now,
		names: make(map[nameKey]cachedName),
	}
}

// VoiceChannel returns the voice channel userID is connected to in guildID.
func (d *Directory) VoiceChannel(guildID, userID string) (string, error) {
	if d == nil || d.s == nil || d.s.State == nil {
		return "", errNotInVoice
	}
	vs, err := d.s.State.VoiceState(guildID, userID)
	if err != nil || vs.ChannelID == "" {
		return "", errNotInVoice
	}
	return vs.ChannelID, nil
}

// MemberName prefers the guild nickname, then the global display name, then
// the username.
func (d *Directory) MemberName(guildID, userID string) string {
	if userID == "" {
		return ""
	}
	return d.cached(nameKey{memberName, guildID, userID}, func() string {
		if m, err := d.s.State.Member(guildID, userID); err == nil {
			return displayName(m.Nick, m.User)
		}
		if !d.online() {
			return ""
		}
		if guildID != "" {
			if m, err := d.s.GuildMember(guildID, userID); err == nil {
				return displayName(m.Nick, m.User)
			}
		}
		if u, err := d.s.User(userID); err == nil {
			return displayName("", u)
		}
		return ""
	})
}

func (d *Directory) GuildName(guildID string) string {
	if guildID == "" {
		return ""
	}
	return d.cached(nameKey{kind: guildName, id: guildID}, func() string {
		if g, err := d.s.State.Guild(guildID); err == nil {
			return g.Name
		}
		if !d.online() {
			return ""
		}
		if g, err := d.s.Guild(guildID); err == nil {
			return g.Name
		}
		return ""
	})
}

func (d *Directory) ChannelName(channelID string) string {
	if channelID == "" {
		return ""
	}
	return d.cached(nameKey{kind: channelName, id: channelID}, func() string {
		if c, err := d.s.State.Channel(channelID); err == nil {
			return c.Name
		}
		if !d.online() {
			return ""
		}
		if c, err := d.s.Channel(channelID); err == nil {
			return c.Name
		}
		return ""
	})
}

// cached returns a live entry for key or calls fetch. Misses are not cached
// so a member who joins later is still found.
func (d *Directory) cached(key nameKey, fetch func() string) string {
	if d == nil || d.s == nil || d.s.State == nil {
		return ""
	}
	d.mu.Lock()
	if e, ok := d.names[key]; ok && d.now().Before(e.expires) {
		d.mu.Unlock()
		return e.name
	}
	d.mu.Unlock()

	name := fetch()
	if name == "" {
		return ""
	}
	d.mu.Lock()
	d.names[key] = cachedName{name: name, expires: d.now().Add(d.ttl)}
	d.mu.Unlock()
	return name
}

func (d *Directory) online() bool { return d.s.Client != nil }

func displayName(nick string, u *discordgo.User) string {
	switch {
	case nick != "":
		return nick
	case u == nil:
		return ""
	case u.GlobalName != "":
		return u.GlobalName
	}
	return u.Username
}

type noNames struct{}

func (noNames) MemberName(string, string) string { return "" }
func (noNames) GuildName(string) string          { return "" }
func (noNames) ChannelName(string) string        { return "" }
