package bridge

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

const (
	DefaultEndpoint     = "wss://api.elevenlabs.io/v1/convai/conversation"
	DefaultOutputFormat = "pcm_16000"
)

// Options configures a Session. Zero values take the defaults listed on
// each field.
type Options struct {
	UserID  string
	AgentID string
	APIKey  string

	// Logger receives session output. Defaults to the package-level logger.
	Logger logging.Logger

	Endpoint     string // DefaultEndpoint
	OutputFormat string // DefaultOutputFormat

	InputChannels  int // 2, Discord delivers stereo
	OutputChannels int // 2

	ReadyTimeout time.Duration // 20s

	VAD VADConfig

	BackoffBase       time.Duration // 1s
	BackoffCap        time.Duration // 8s
	MaxAttempts       int           // 5
	HeartbeatInterval time.Duration // 30s
	WriteTimeout      time.Duration // 5s

	SegmentSilence   time.Duration // 3s
	SegmentPadBytes  int           // 9600
	DecoderCooldown  time.Duration // 500ms
	WatchdogInterval time.Duration // 200ms

	NewDecoder DecoderFactory
	Dialer     *websocket.Dialer
	Now        func() time.Time
}

func (o *Options) validate() error {
	switch {
	case o.AgentID == "":
		return ErrMissingAgentID
	case o.APIKey == "":
		return ErrMissingAPIKey
	case o.UserID == "":
		return ErrMissingUserID
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = logging.GetLogger()
	}
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.OutputFormat == "" {
		o.OutputFormat = DefaultOutputFormat
	}
	if o.InputChannels <= 0 {
		o.InputChannels = 2
	}
	if o.OutputChannels <= 0 {
		o.OutputChannels = 2
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 20 * time.Second
	}
	o.VAD.setDefaults()
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 8 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SegmentSilence <= 0 {
		o.SegmentSilence = 3 * time.Second
	}
	if o.SegmentPadBytes <= 0 {
		o.SegmentPadBytes = 9600
	}
	if o.DecoderCooldown <= 0 {
		o.DecoderCooldown = 500 * time.Millisecond
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 200 * time.Millisecond
	}
	if o.NewDecoder == nil {
		o.NewDecoder = OpusDecoderFactory
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
