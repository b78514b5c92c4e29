package bridge

import (
	"time"

	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

// watchdog polls for stalled input and silence-terminated segments. The
// heartbeat lives with connManager.
type watchdog struct {
	interval time.Duration
	vad      *VAD
	output   *outputPipeline
	log      logging.Logger

	ticker *time.Ticker
}

func (w *watchdog) start() {
	if w.ticker == nil {
		w.ticker = time.NewTicker(w.interval)
	}
}

// C is nil until start, which keeps the loop's case idle.
func (w *watchdog) C() <-chan time.Time {
	if w.ticker == nil {
		return nil
	}
	return w.ticker.C
}

func (w *watchdog) tick(now time.Time) {
	if w.vad.Expire(now) == SpeechEnded {
		w.log.Infow("speech ended", "cause", "input stalled")
	}
	w.output.Expire(now)
}

func (w *watchdog) stop() {
	if w.ticker != nil {
		w.ticker.Stop()
		w.ticker = nil
	}
}
