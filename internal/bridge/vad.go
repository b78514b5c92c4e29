package bridge

import (
	"time"

	"github.com/discord-voice-lab/convai-bridge/internal/audio"
)

// VADConfig tunes the frame classifier. Zero fields take defaults.
type VADConfig struct {
	Threshold     int           // peak amplitude counted as speech, 200
	SpeechFrames  int           // consecutive loud frames to start speaking, 3
	SilenceFrames int           // silent frames that must be exceeded to stop, 80
	StallTimeout  time.Duration // no frames for this long forces silence, 500ms
}

func (c *VADConfig) setDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 200
	}
	if c.SpeechFrames <= 0 {
		c.SpeechFrames = 3
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = 80
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 500 * time.Millisecond
	}
}

// Transition is the edge produced by one VAD step.
type Transition int

const (
	NoChange Transition = iota
	SpeechStarted
	SpeechEnded
)

func (t Transition) String() string {
	switch t {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "no_change"
	}
}

// VADState is the classifier's observable state.
type VADState struct {
	SpeakingFrames int
	SilenceFrames  int
	Speaking       bool
	Interrupting   bool
	LastFrameAt    time.Time
}

// VAD is a peak-amplitude voice detector with hysteresis. It is not safe
// for concurrent use; the session loop owns it.
type VAD struct {
	cfg   VADConfig
	state VADState
}

func NewVAD(cfg VADConfig) *VAD {
	cfg.setDefaults()
	return &VAD{cfg: cfg}
}

func (v *VAD) State() VADState { return v.state }

func (v *VAD) Speaking() bool { return v.state.Speaking }

func (v *VAD) Interrupting() bool { return v.state.Interrupting }

// Observe classifies one 16 kHz frame received at now.
func (v *VAD) Observe(frame []byte, now time.Time) Transition {
	v.state.LastFrameAt = now
	if _, loud := audio.Peak(frame, v.cfg.Threshold); loud {
		v.state.SpeakingFrames++
		v.state.SilenceFrames = 0
		if !v.state.Speaking && v.state.SpeakingFrames >= v.cfg.SpeechFrames {
			v.state.Speaking = true
			return SpeechStarted
		}
		return NoChange
	}
	v.state.SilenceFrames++
	v.state.SpeakingFrames = 0
	if v.state.Speaking && v.state.SilenceFrames > v.cfg.SilenceFrames {
		v.stopSpeaking()
		return SpeechEnded
	}
	return NoChange
}

// Expire forces silence when speaking and no frame has arrived within the
// stall timeout.
func (v *VAD) Expire(now time.Time) Transition {
	if !v.state.Speaking || now.Sub(v.state.LastFrameAt) < v.cfg.StallTimeout {
		return NoChange
	}
	v.stopSpeaking()
	return SpeechEnded
}

// BeginInterrupt marks the current utterance as an interruption of AI
// playback.
func (v *VAD) BeginInterrupt() {
	v.state.Interrupting = true
	v.state.SpeakingFrames = 0
}

// Reset returns to the initial silent state.
func (v *VAD) Reset() { v.state = VADState{} }

func (v *VAD) stopSpeaking() {
	v.state.Speaking = false
	v.state.Interrupting = false
	v.state.SpeakingFrames = 0
}
