// Package discord adapts discordgo voice connections to the bridge and hosts
// the text-command bot that starts and stops bridge sessions.
package discord

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/convai-bridge/internal/audio"
	"github.com/discord-voice-lab/convai-bridge/internal/bridge"
	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

var (
	ErrChannelClosed  = errors.New("discord: voice channel closed")
	ErrReceiveStopped = errors.New("discord: voice receive stopped")
)

// subscriptionBuffer is how many packets (20ms each) a slow subscriber may
// fall behind before packets are dropped.
const subscriptionBuffer = 100

// Encoder turns one 20ms PCM frame into an Opus packet.
type Encoder interface {
	Encode(frame []byte) ([]byte, error)
}

// EncoderFactory builds an encoder for the given channel count.
type EncoderFactory func(channels int) (Encoder, error)

func opusEncoderFactory(channels int) (Encoder, error) {
	e, err := audio.NewOpusEncoder(channels)
	if err != nil {
		return nil, err
	}
	return e, nil
}

type ChannelOptions struct {
	// Channels is the PCM channel count used for playback (default 2).
	Channels     int
	Logger       logging.Logger
	NewEncoder   EncoderFactory
	PollInterval time.Duration // readiness poll, default 20ms
	// MaxBufferedBytes bounds queued playback PCM.
	MaxBufferedBytes int
}

// Channel exposes a joined discordgo voice connection as a
// bridge.VoiceChannel. Incoming packets are routed to subscribers by the
// SSRC-to-user mapping learned from speaking updates.
type Channel struct {
	vc   *discordgo.VoiceConnection
	opts ChannelOptions
	log  logging.Logger

	mu          sync.Mutex
	ssrcs       map[uint32]string
	subs        map[*subscription]struct{}
	player      *Player
	dispatching bool
	closed      bool

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ bridge.VoiceChannel = (*Channel)(nil)

// NewChannel wraps vc and registers a speaking-update handler on it.
func NewChannel(vc *discordgo.VoiceConnection, opts ChannelOptions) *Channel {
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	if opts.NewEncoder == nil {
		opts.NewEncoder = opusEncoderFactory
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	c := &Channel{
		vc:    vc,
		opts:  opts,
		log:   logging.With(opts.Logger, "guild.id", vc.GuildID, "channel.id", vc.ChannelID),
		ssrcs: make(map[uint32]string),
		subs:  make(map[*subscription]struct{}),
		stop:  make(chan struct{}),
	}
	vc.AddHandler(c.HandleSpeakingUpdate)
	return c
}

// HandleSpeakingUpdate records which user owns an SSRC.
func (c *Channel) HandleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	c.mu.Lock()
	prev, known := c.ssrcs[uint32(su.SSRC)]
	c.ssrcs[uint32(su.SSRC)] = su.UserID
	c.mu.Unlock()
	if !known || prev != su.UserID {
		c.log.Infow("mapped SSRC to user", "ssrc", su.SSRC, "user.id", su.UserID)
	}
}

// UserForSSRC returns the user mapped to ssrc, if any.
func (c *Channel) UserForSSRC(ssrc uint32) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid, ok := c.ssrcs[ssrc]
	return uid, ok
}

// WaitReady polls the connection's Ready flag until it is set or ctx ends.
func (c *Channel) WaitReady(ctx context.Context) error {
	t := time.NewTicker(c.opts.PollInterval)
	defer t.Stop()
	for {
		c.vc.RLock()
		ready := c.vc.Ready
		c.vc.RUnlock()
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return ErrChannelClosed
		case <-t.C:
		}
	}
}

// Subscribe starts delivering userID's Opus packets.
func (c *Channel) Subscribe(userID string) (bridge.AudioSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	sub := &subscription{ch: c, userID: userID, packets: make(chan []byte, subscriptionBuffer)}
	c.subs[sub] = struct{}{}
	if !c.dispatching {
		c.dispatching = true
		c.vc.RLock()
		recv := c.vc.OpusRecv
		c.vc.RUnlock()
		c.wg.Add(1)
		go c.dispatch(recv)
	}
	return sub, nil
}

// Playback returns the channel's player, creating a new one if none is
// live.
func (c *Channel) Playback() (bridge.PlaybackSink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.player != nil && !c.player.isClosed() {
		return c.player, nil
	}
	enc, err := c.opts.NewEncoder(c.opts.Channels)
	if err != nil {
		return nil, err
	}
	c.vc.RLock()
	send := c.vc.OpusSend
	c.vc.RUnlock()
	c.player = NewPlayer(send, c.vc.Speaking, enc, PlayerOptions{
		Channels:         c.opts.Channels,
		MaxBufferedBytes: c.opts.MaxBufferedBytes,
		Logger:           c.log,
	})
	return c.player, nil
}

// Close stops packet dispatch, ends every subscription and closes the
// player. The voice connection itself stays up; see Leave.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	for sub := range c.subs {
		delete(c.subs, sub)
		sub.finish(ErrChannelClosed)
	}
	p := c.player
	c.mu.Unlock()

	c.wg.Wait()
	if p != nil {
		return p.Close()
	}
	return nil
}

// Leave closes the channel and disconnects from voice.
func (c *Channel) Leave() error {
	err := c.Close()
	if derr := c.vc.Disconnect(); derr != nil {
		return derr
	}
	return err
}

func (c *Channel) dispatch(recv <-chan *discordgo.Packet) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case pkt, ok := <-recv:
			if !ok {
				c.endAll(ErrReceiveStopped)
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}
			c.route(pkt)
		}
	}
}

func (c *Channel) route(pkt *discordgo.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid, ok := c.ssrcs[pkt.SSRC]
	if !ok {
		return
	}
	for sub := range c.subs {
		if sub.userID != uid {
			continue
		}
		select {
		case sub.packets <- pkt.Opus:
		default:
			c.log.Warnw("subscriber lagging, dropping packet", "ssrc", pkt.SSRC, "user.id", uid)
		}
	}
}

func (c *Channel) endAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		delete(c.subs, sub)
		sub.finish(err)
	}
	c.dispatching = false
}

func (c *Channel) remove(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
	sub.finish(nil)
}

// subscription's packet channel is only sent to and closed under Channel.mu.
type subscription struct {
	ch      *Channel
	userID  string
	packets chan []byte

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *subscription) Packets() <-chan []byte { return s.packets }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.ch.remove(s)
	return nil
}

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.packets)
	})
}
