package bridge

import (
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/convai-bridge/internal/audio"
	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

// ResponseSegment is one continuous turn of agent speech.
type ResponseSegment struct {
	ID           string
	OpenedAt     time.Time
	LastAppendAt time.Time
	Bytes        int // 16 kHz bytes appended
}

// outputPipeline turns agent audio into playback. At most one segment is
// open; it closes after SegmentSilence without appends.
type outputPipeline struct {
	sink     PlaybackSink
	channels int
	silence  time.Duration
	padBytes int
	log      logging.Logger

	seg      *ResponseSegment
	deadline time.Time

	opened, closed, discarded int
}

// Append plays one 16 kHz mono fragment and extends the open segment.
func (o *outputPipeline) Append(pcm []byte, now time.Time) {
	if len(pcm) == 0 {
		return
	}
	if o.seg == nil {
		o.seg = &ResponseSegment{ID: uuid.NewString(), OpenedAt: now}
		o.opened++
		o.log.Infow("segment started", "segment.id", o.seg.ID)
	}
	o.write(audio.Upsample16kTo48k(pcm, o.channels))
	o.seg.Bytes += len(pcm)
	o.seg.LastAppendAt = now
	o.deadline = now.Add(o.silence)
}

// Expire pads and closes the open segment once its silence deadline has
// passed. It reports whether a segment closed.
func (o *outputPipeline) Expire(now time.Time) bool {
	if o.seg == nil || now.Before(o.deadline) {
		return false
	}
	o.write(audio.Silence(o.padBytes))
	o.log.Infow("segment closed", logging.SegmentFields(o.seg.ID, o.seg.Bytes, audio.DurationMs(o.seg.Bytes, audio.AgentRate, 1))...)
	o.seg = nil
	o.deadline = time.Time{}
	o.closed++
	return true
}

// Interrupt stops playback and discards the open segment.
func (o *outputPipeline) Interrupt() {
	if o.sink != nil {
		o.sink.Flush()
	}
	if o.seg != nil {
		o.log.Infow("segment discarded", logging.SegmentFields(o.seg.ID, o.seg.Bytes, audio.DurationMs(o.seg.Bytes, audio.AgentRate, 1))...)
		o.discarded++
	}
	o.reset()
}

// Active reports whether agent audio is in flight.
func (o *outputPipeline) Active() bool {
	return o.seg != nil || (o.sink != nil && o.sink.Playing())
}

// Segment returns a copy of the open segment, if any.
func (o *outputPipeline) Segment() (ResponseSegment, bool) {
	if o.seg == nil {
		return ResponseSegment{}, false
	}
	return *o.seg, true
}

func (o *outputPipeline) reset() {
	o.seg = nil
	o.deadline = time.Time{}
}

func (o *outputPipeline) write(pcm []byte) {
	if o.sink == nil || len(pcm) == 0 {
		return
	}
	if err := o.sink.Write(pcm); err != nil {
		o.log.Warnw("playback write failed", "err", err, "bytes", len(pcm))
	}
}

func (o *outputPipeline) closeSink() error {
	if o.sink == nil {
		return nil
	}
	sink := o.sink
	o.sink = nil
	return sink.Close()
}
