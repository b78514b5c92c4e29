package discord

import (
	"context"
	"errors"
	"sync"

	"github.com/discord-voice-lab/convai-bridge/internal/audio"
	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

var (
	ErrPlayerClosed = errors.New("discord: player closed")
	ErrPlayerFull   = errors.New("discord: playback buffer full")
)

// DefaultMaxBufferedBytes is one minute of 48 kHz stereo PCM.
const DefaultMaxBufferedBytes = audio.DiscordRate * 2 * 2 * 60

type PlayerOptions struct {
	Channels         int
	MaxBufferedBytes int
	Logger           logging.Logger
}

// Player queues 48 kHz PCM, cuts it into 20ms frames, encodes them and
// feeds the voice connection's send channel, which paces delivery.
type Player struct {
	send     chan<- []byte
	speaking func(bool) error
	enc      Encoder
	frame    int
	limit    int
	log      logging.Logger

	mu       sync.Mutex
	buf      []byte
	inFlight bool
	closed   bool

	talking bool // touched by run only
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewPlayer starts a player goroutine. speaking toggles the speaking
// indicator; its errors are logged and otherwise ignored.
func NewPlayer(send chan<- []byte, speaking func(bool) error, enc Encoder, opts PlayerOptions) *Player {
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	if opts.MaxBufferedBytes <= 0 {
		opts.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}
	p := &Player{
		send:     send,
		speaking: speaking,
		enc:      enc,
		frame:    audio.FrameBytes(opts.Channels),
		limit:    opts.MaxBufferedBytes,
		log:      opts.Logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.run()
	return p
}

// Write queues pcm. A chunk that would overflow the buffer is dropped whole.
func (p *Player) Write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPlayerClosed
	}
	if len(p.buf)+len(pcm) > p.limit {
		p.mu.Unlock()
		return ErrPlayerFull
	}
	p.buf = append(p.buf, pcm...)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Playing reports whether audio is queued or a frame is being sent.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) > 0 || p.inFlight
}

// Flush drops everything queued. A frame already handed to the connection
// still plays.
func (p *Player) Flush() {
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
}

// Close stops the player and waits for its goroutine.
func (p *Player) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.buf = nil
		p.mu.Unlock()
		p.cancel()
	})
	<-p.done
	return nil
}

func (p *Player) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Player) run() {
	defer close(p.done)
	defer p.setSpeaking(false)
	for {
		frame, ok := p.next()
		if !ok {
			p.setSpeaking(false)
			select {
			case <-p.ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}
		p.setSpeaking(true)
		pkt, err := p.enc.Encode(frame)
		if err != nil {
			p.log.Warnw("opus encode failed, dropping frame", "err", err)
			p.sent()
			continue
		}
		select {
		case <-p.ctx.Done():
			p.sent()
			return
		case p.send <- pkt:
		}
		p.sent()
	}
}

// next takes one frame off the buffer, zero padding a short tail.
func (p *Player) next() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return nil, false
	}
	frame := make([]byte, p.frame)
	n := copy(frame, p.buf)
	if n == len(p.buf) {
		p.buf = nil
	} else {
		p.buf = p.buf[n:]
	}
	p.inFlight = true
	return frame, true
}

func (p *Player) sent() {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

func (p *Player) setSpeaking(on bool) {
	if p.talking == on || p.speaking == nil {
		return
	}
	p.talking = on
	if err := p.speaking(on); err != nil {
		p.log.Debugw("speaking toggle failed", "speaking", on, "err", err)
	}
}
