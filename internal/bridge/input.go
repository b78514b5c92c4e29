package bridge

import (
	"time"

	"github.com/discord-voice-lab/convai-bridge/internal/audio"
	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

type recoveryState int

const (
	healthy recoveryState = iota
	recovering
)

// inputPipeline decodes one participant's packets and hands 16 kHz mono
// frames to onFrame. Runs on the session loop.
type inputPipeline struct {
	ch         VoiceChannel
	userID     string
	channels   int
	newDecoder DecoderFactory
	cooldown   time.Duration
	log        logging.Logger

	after   func(time.Duration, func()) *time.Timer
	onFrame func(pcm16k []byte)
	onEnd   func(reason string)

	sub   AudioSubscription
	dec   Decoder
	state recoveryState
	timer *time.Timer

	decoded    int
	recoveries int
}

// open subscribes to the participant and builds a decoder.
func (p *inputPipeline) open() error {
	dec, err := p.newDecoder(p.channels)
	if err != nil {
		return err
	}
	sub, err := p.ch.Subscribe(p.userID)
	if err != nil {
		_ = dec.Close()
		return err
	}
	p.dec, p.sub, p.state = dec, sub, healthy
	return nil
}

// packets is nil while no subscription is live, which parks the loop's
// receive case.
func (p *inputPipeline) packets() <-chan []byte {
	if p.sub == nil {
		return nil
	}
	return p.sub.Packets()
}

func (p *inputPipeline) handlePacket(pkt []byte) {
	if p.state == recovering || p.dec == nil {
		return
	}
	pcm, err := p.dec.Decode(pkt)
	if err != nil {
		p.beginRecovery(err)
		return
	}
	p.decoded++
	frame := audio.Downsample48kTo16k(pcm, p.channels)
	if len(frame) == 0 {
		return
	}
	p.onFrame(frame)
}

// handleEnd runs when the subscription's packet channel closes.
func (p *inputPipeline) handleEnd() {
	if p.sub == nil {
		return
	}
	err := p.sub.Err()
	_ = p.closeSubscription()
	if err != nil {
		p.onEnd("input stream error: " + err.Error())
		return
	}
	p.onEnd("input stream ended")
}

// beginRecovery tears the decoder down and resubscribes after the cooldown. At most
// one recovery is pending at a time.
func (p *inputPipeline) beginRecovery(cause error) {
	if p.state == recovering {
		return
	}
	p.state = recovering
	p.recoveries++
	p.log.Warnw("decoder error, restarting input", "err", cause, "cooldown_ms", p.cooldown.Milliseconds())
	if err := p.closeDecoder(); err != nil {
		p.log.Debugw("decoder close failed", "err", err)
	}
	if err := p.closeSubscription(); err != nil {
		p.log.Debugw("subscription close failed", "err", err)
	}
	p.timer = p.after(p.cooldown, p.resume)
}

func (p *inputPipeline) resume() {
	p.timer = nil
	if err := p.open(); err != nil {
		p.onEnd("input resubscribe failed: " + err.Error())
		return
	}
	p.log.Infow("input resubscribed", "recoveries", p.recoveries)
}

func (p *inputPipeline) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *inputPipeline) closeDecoder() error {
	if p.dec == nil {
		return nil
	}
	dec := p.dec
	p.dec = nil
	return dec.Close()
}

func (p *inputPipeline) closeSubscription() error {
	if p.sub == nil {
		return nil
	}
	sub := p.sub
	p.sub = nil
	return sub.Close()
}
