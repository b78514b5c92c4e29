package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/convai-bridge/internal/bridge"
	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

// Synthesizer renders text as 16 kHz mono PCM.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type BotConfig struct {
	// Prefix starts every command, "!" when empty.
	Prefix string
	// Session is the template for every bridge session. UserID and Logger
	// are filled per call.
	Session bridge.Options
	// Channel configures the voice channel adapter for each call.
	Channel ChannelOptions
	// Speech enables the say command when set.
	Speech Synthesizer
	// Names labels log fields; NewBot uses a Directory when nil.
	Names  Names
	Logger logging.Logger
}

// voiceLink is a joined voice channel the bot can hang up.
type voiceLink interface {
	bridge.VoiceChannel
	Leave() error
}

// call is one guild's active bridge session.
type call struct {
	session   *bridge.Session
	link      voiceLink
	guildID   string
	channelID string
	userID    string
}

// Bot runs at most one bridge session per guild, driven by text commands:
//
//	!ping        replies pong
//	!join        bridges the author's voice channel to the agent
//	!leave       ends the guild's session
//	!say <text>  speaks text into the active session
type Bot struct {
	cfg BotConfig
	log logging.Logger

	send    func(channelID, content string) error
	locate  func(guildID, userID string) (string, error)
	connect func(guildID, channelID string) (voiceLink, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	calls  map[string]*call
	closed bool
}

// NewBot builds a bot that talks to Discord through s.
func NewBot(s *discordgo.Session, cfg BotConfig) *Bot {
	dir := NewDirectory(s)
	if cfg.Names == nil {
		cfg.Names = dir
	}
	b := newBot(cfg)
	b.send = func(channelID, content string) error {
		_, err := s.ChannelMessageSend(channelID, content)
		return err
	}
	b.locate = dir.VoiceChannel
	b.connect = func(guildID, channelID string) (voiceLink, error) {
		vc, err := s.ChannelVoiceJoin(guildID, channelID, false, false)
		if err != nil {
			return nil, err
		}
		opts := b.cfg.Channel
		opts.Logger = b.log
		return NewChannel(vc, opts), nil
	}
	return b
}

func newBot(cfg BotConfig) *Bot {
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	if cfg.Names == nil {
		cfg.Names = noNames{}
	}
	b := &Bot{
		cfg:   cfg,
		log:   logging.With(cfg.Logger, "component", "bot"),
		calls: make(map[string]*call),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// HandleMessage is a discordgo MessageCreate handler.
func (b *Bot) HandleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(content, b.cfg.Prefix) {
		return
	}
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(content, b.cfg.Prefix), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "ping":
		b.reply(m.ChannelID, "pong")
	case "join":
		b.join(m)
	case "leave":
		b.leave(m)
	case "say":
		b.say(m, arg)
	default:
		return
	}
	b.log.Debugw("command handled", "command", cmd, "user.id", m.Author.ID, "guild.id", m.GuildID)
}

func (b *Bot) join(m *discordgo.MessageCreate) {
	if m.GuildID == "" {
		b.reply(m.ChannelID, "Voice commands only work in a server.")
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if c, ok := b.calls[m.GuildID]; ok {
		b.mu.Unlock()
		b.reply(m.ChannelID, fmt.Sprintf("Already in a call with <@%s>.", c.userID))
		return
	}
	// Reserve the guild so a second join cannot race this one.
	pending := &call{guildID: m.GuildID, userID: m.Author.ID}
	b.calls[m.GuildID] = pending
	b.mu.Unlock()

	channelID, err := b.locate(m.GuildID, m.Author.ID)
	if err != nil {
		b.forget(pending)
		b.reply(m.ChannelID, "Join a voice channel first.")
		return
	}

	fields := append(logging.GuildFields(m.GuildID, b.cfg.Names.GuildName(m.GuildID)),
		logging.ChannelFields(channelID, b.cfg.Names.ChannelName(channelID))...)
	log := logging.With(b.cfg.Logger, fields...)
	log.Infow("joining voice channel", logging.UserFields(m.Author.ID, b.cfg.Names.MemberName(m.GuildID, m.Author.ID))...)

	link, err := b.connect(m.GuildID, channelID)
	if err != nil {
		b.forget(pending)
		log.Warnw("voice join failed", "err", err)
		b.reply(m.ChannelID, "Could not join your voice channel.")
		return
	}

	opts := b.cfg.Session
	opts.UserID = m.Author.ID
	opts.Logger = log
	sess, err := bridge.New(link, opts)
	if err != nil {
		b.forget(pending)
		b.hangUp(link, log)
		log.Errorw("session setup failed", "err", err)
		b.reply(m.ChannelID, "Session setup failed: "+err.Error())
		return
	}

	b.mu.Lock()
	pending.session = sess
	pending.link = link
	pending.channelID = channelID
	closed := b.closed
	if !closed {
		b.wg.Add(1)
	}
	b.mu.Unlock()
	if closed {
		b.forget(pending)
		b.hangUp(link, log)
		return
	}
	go b.runCall(pending, m.ChannelID, log)
}

// runCall starts the session and cleans up after it ends, whatever ended it.
func (b *Bot) runCall(c *call, textChannelID string, log logging.Logger) {
	defer b.wg.Done()
	if err := c.session.Start(b.ctx); err != nil {
		b.reply(textChannelID, "Could not start the conversation: "+err.Error())
	} else if c.session.Running() {
		b.reply(textChannelID, fmt.Sprintf("Listening to <@%s>.", c.userID))
	}
	<-c.session.Done()

	b.forget(c)
	b.hangUp(c.link, log)
	reason := c.session.Reason()
	log.Infow("call ended", "reason", reason, "session_id", c.session.ID())
	b.reply(textChannelID, "Call ended: "+reason+".")
}

func (b *Bot) leave(m *discordgo.MessageCreate) {
	b.mu.Lock()
	c, ok := b.calls[m.GuildID]
	b.mu.Unlock()
	if !ok || c.session == nil {
		b.reply(m.ChannelID, "Not in a call.")
		return
	}
	c.session.Stop("left by command")
}

func (b *Bot) say(m *discordgo.MessageCreate, text string) {
	if b.cfg.Speech == nil {
		b.reply(m.ChannelID, "Speech is not configured.")
		return
	}
	if text == "" {
		b.reply(m.ChannelID, "Usage: "+b.cfg.Prefix+"say <text>")
		return
	}
	b.mu.Lock()
	c, ok := b.calls[m.GuildID]
	ok = ok && !b.closed && c.session != nil && c.session.Running()
	if ok {
		b.wg.Add(1)
	}
	b.mu.Unlock()
	if !ok {
		b.reply(m.ChannelID, "Not in a call.")
		return
	}

	go func() {
		defer b.wg.Done()
		pcm, err := b.cfg.Speech.Synthesize(b.ctx, text)
		if err != nil {
			b.log.Warnw("speech synthesis failed", "err", err, "guild.id", m.GuildID)
			b.reply(m.ChannelID, "Speech synthesis failed.")
			return
		}
		if !c.session.Speak(pcm) {
			b.reply(m.ChannelID, "Not in a call.")
		}
	}()
}

// Active reports the user bridged in guildID, if any.
func (b *Bot) Active(guildID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[guildID]
	if !ok || c.session == nil {
		return "", false
	}
	return c.userID, true
}

// Close stops every session and waits for their cleanup.
func (b *Bot) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sessions := make([]*bridge.Session, 0, len(b.calls))
	for _, c := range b.calls {
		if c.session != nil {
			sessions = append(sessions, c.session)
		}
	}
	b.mu.Unlock()

	b.cancel()
	for _, s := range sessions {
		s.Stop("bot shutting down")
	}
	b.wg.Wait()
}

func (b *Bot) forget(c *call) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls[c.guildID] == c {
		delete(b.calls, c.guildID)
	}
}

func (b *Bot) hangUp(link voiceLink, log logging.Logger) {
	if err := link.Leave(); err != nil {
		log.Warnw("voice disconnect error", "err", err)
	}
}

func (b *Bot) reply(channelID, content string) {
	if err := b.send(channelID, content); err != nil {
		b.log.Warnw("send message failed", "err", err, "channel.id", channelID)
	}
}
