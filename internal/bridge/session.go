// Package bridge connects one Discord participant to an ElevenLabs
// conversational agent. A Session decodes the participant's voice, gates it
// with a VAD, streams voiced frames to the agent over a websocket and plays
// the agent's audio back, interrupting it when the participant talks over
// it.
//
// Every Session runs a single event loop goroutine that owns all component
// state. Socket readers, the dialer, the heartbeat and timers never touch
// that state; they post closures to the loop.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

// Session bridges one participant to one agent. Create it with New, then
// Start it; Stop ends it for good.
type Session struct {
	id   string
	opts Options
	ch   VoiceChannel
	log  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}

	mu       sync.Mutex
	starting bool
	started  bool
	stopped  bool
	reason   string

	teardownOnce sync.Once
	connState    atomic.Int32
	// inHandler is set while the loop runs session code that may call back
	// into collaborators, so a Stop from there does not wait on itself.
	inHandler atomic.Bool

	// Owned by the loop goroutine once started.
	vad      *VAD
	input    *inputPipeline
	conn     *connManager
	output   *outputPipeline
	watchdog *watchdog
}

// New validates opts and builds an idle session. Nothing is acquired until
// Start.
func New(ch VoiceChannel, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrNilChannel
	}
	opts.setDefaults()

	url, err := ConversationURL(opts.Endpoint, opts.AgentID, opts.OutputFormat)
	if err != nil {
		return nil, fmt.Errorf("bridge: endpoint: %w", err)
	}

	id := uuid.NewString()
	s := &Session{
		id:     id,
		opts:   opts,
		ch:     ch,
		log:    logging.With(opts.Logger, "session_id", id, "user.id", opts.UserID, "agent_id", opts.AgentID),
		events: make(chan func()),
		done:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.connState.Store(int32(Connecting))

	s.vad = NewVAD(opts.VAD)
	s.output = &outputPipeline{
		channels: opts.OutputChannels,
		silence:  opts.SegmentSilence,
		padBytes: opts.SegmentPadBytes,
		log:      s.log,
	}
	s.input = &inputPipeline{
		ch:         ch,
		userID:     opts.UserID,
		channels:   opts.InputChannels,
		newDecoder: opts.NewDecoder,
		cooldown:   opts.DecoderCooldown,
		log:        s.log,
		after:      s.after,
		onFrame:    s.handleInputChunk,
		onEnd:      s.halt,
	}
	header := http.Header{}
	header.Set("xi-api-key", opts.APIKey)
	s.conn = &connManager{
		ctx:         s.ctx,
		url:         url,
		header:      header,
		opts:        &s.opts,
		log:         s.log,
		post:        s.post,
		after:       s.after,
		setState:    func(st ConnState) { s.connState.Store(int32(st)) },
		onMessage:   s.handleInbound,
		onExhausted: func() { s.halt(ErrReconnectExhausted.Error()) },
	}
	s.watchdog = &watchdog{
		interval: opts.WatchdogInterval,
		vad:      s.vad,
		output:   s.output,
		log:      s.log,
	}
	return s, nil
}

// ID is the session's correlation id, present on every log line.
func (s *Session) ID() string { return s.id }

// Start waits for the voice channel, acquires playback and the participant
// subscription, then connects to the agent. It returns nil without doing
// anything if the session is already stopped or started.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.starting {
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	s.mu.Unlock()

	readyCtx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()
	unlink := context.AfterFunc(s.ctx, cancel)
	defer unlink()

	s.log.Infow("waiting for voice channel", "timeout_ms", s.opts.ReadyTimeout.Milliseconds())
	if err := s.ch.WaitReady(readyCtx); err != nil {
		if s.isStopped() {
			return nil
		}
		s.Stop("voice channel not ready")
		return fmt.Errorf("%w: %w", ErrChannelNotReady, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	err := s.acquire()
	if err == nil {
		s.started = true
		go s.run()
	}
	s.mu.Unlock()

	if err != nil {
		s.Stop("start failed: " + err.Error())
		return err
	}
	s.log.Infow("session started")
	return nil
}

func (s *Session) acquire() error {
	sink, err := s.ch.Playback()
	if err != nil {
		return fmt.Errorf("bridge: playback: %w", err)
	}
	s.output.sink = sink
	if err := s.input.open(); err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", s.opts.UserID, err)
	}
	return nil
}

// Stop ends the session. The first call records reason; a call on a stopped
// session changes nothing. Stop blocks until teardown finished unless the
// loop is inside a callback at that moment: a collaborator calling Stop
// from a sink write or a decode must not wait on its own goroutine, so it
// returns once the stop is recorded. Wait on Done to observe teardown.
func (s *Session) Stop(reason string) {
	first, started := s.markStopped(reason)
	if first {
		s.log.Infow("session stopping", "reason", reason)
		s.cancel()
		if !started {
			s.teardown()
			close(s.done)
		}
	}
	if s.inHandler.Load() {
		return
	}
	<-s.done
}

// halt is Stop for code running on the loop, which must not wait on itself.
func (s *Session) halt(reason string) {
	if first, _ := s.markStopped(reason); first {
		s.log.Infow("session stopping", "reason", reason)
		s.cancel()
	}
}

func (s *Session) markStopped(reason string) (first, started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, s.started
	}
	s.stopped = true
	s.reason = reason
	return true, s.started
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Running reports whether the session started and has not stopped.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Done is closed once teardown completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason is the stop reason, empty while running.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// State is the agent connection state.
func (s *Session) State() ConnState { return ConnState(s.connState.Load()) }

// Speak plays 16 kHz mono PCM through the output pipeline as agent audio.
// It reports false when the session is not running.
func (s *Session) Speak(pcm []byte) bool {
	if !s.Running() || len(pcm) == 0 {
		return false
	}
	return s.post(func() {
		if s.ctx.Err() != nil {
			return
		}
		s.output.Append(pcm, s.opts.Now())
	})
}

func (s *Session) run() {
	defer close(s.done)
	defer s.teardown()

	s.conn.connect()
	s.watchdog.start()
	for {
		if s.ctx.Err() != nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.events:
			s.dispatch(fn)
		case pkt, ok := <-s.input.packets():
			if !ok {
				s.dispatch(s.input.handleEnd)
				continue
			}
			s.dispatch(func() { s.input.handlePacket(pkt) })
		case <-s.watchdog.C():
			s.dispatch(func() { s.watchdog.tick(s.opts.Now()) })
		}
	}
}

func (s *Session) dispatch(fn func()) {
	s.inHandler.Store(true)
	defer s.inHandler.Store(false)
	fn()
}

// post hands fn to the loop. It fails once the session is stopping.
func (s *Session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// after runs fn on the loop once d elapses.
func (s *Session) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		s.post(func() {
			if s.ctx.Err() == nil {
				fn()
			}
		})
	})
}

// handleInputChunk runs VAD over a 16 kHz frame and forwards voiced frames.
func (s *Session) handleInputChunk(pcm []byte) {
	switch s.vad.Observe(pcm, s.opts.Now()) {
	case SpeechStarted:
		s.log.Infow("speech started")
		if s.output.Active() {
			s.interrupt()
		}
	case SpeechEnded:
		s.log.Infow("speech ended", "cause", "silence")
	}
	if !s.vad.Speaking() || s.conn.State() != Open {
		return
	}
	payload, err := EncodeAudioChunk(pcm)
	if err != nil {
		s.log.Warnw("encode audio chunk failed", "err", err)
		return
	}
	s.conn.send(payload)
}

func (s *Session) interrupt() {
	s.vad.BeginInterrupt()
	s.output.Interrupt()
	s.log.Infow("agent interrupted")
}

func (s *Session) handleInbound(in Inbound) {
	if in.Kind != InboundAudio {
		if in.Type != "" {
			s.log.Debugw("agent event", "type", in.Type)
		}
		return
	}
	if s.vad.Interrupting() {
		s.log.Debugw("dropping agent audio while interrupting", "bytes", len(in.PCM))
		return
	}
	s.output.Append(in.PCM, s.opts.Now())
}

// teardown releases everything in dependency order. Each step is isolated so
// one failure never skips the rest.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		// Collaborators closed below may call Stop; done closes after us.
		s.inHandler.Store(true)
		s.release("timers", func() error {
			s.watchdog.stop()
			s.input.stopTimer()
			s.conn.stopTimers()
			return nil
		})
		s.release("decoder", s.input.closeDecoder)
		s.release("subscription", s.input.closeSubscription)
		s.release("segment buffers", func() error {
			s.output.reset()
			s.vad.Reset()
			return nil
		})
		s.release("playback", s.output.closeSink)
		s.release("socket", s.conn.close)
		s.connState.Store(int32(Closed))
		s.log.Infow("session stopped", "reason", s.Reason())
	})
}

func (s *Session) release(resource string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("teardown panic", "resource", resource, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.log.Warnw("teardown step failed", "resource", resource, "err", err)
	}
}
