package bridge

import (
	"context"

	"github.com/discord-voice-lab/convai-bridge/internal/audio"
)

// VoiceChannel is the hosting platform's side of a call: something that
// becomes ready, delivers one participant's encoded audio and accepts PCM
// for playback.
type VoiceChannel interface {
	// WaitReady blocks until the channel can carry audio or ctx ends.
	WaitReady(ctx context.Context) error
	// Subscribe starts delivery of userID's encoded audio packets.
	Subscribe(userID string) (AudioSubscription, error)
	// Playback returns the sink that plays PCM into the channel.
	Playback() (PlaybackSink, error)
}

// AudioSubscription delivers encoded packets in arrival order. The packet
// channel is closed when the stream ends; Err then reports why (nil for a
// clean end).
type AudioSubscription interface {
	Packets() <-chan []byte
	Err() error
	Close() error
}

// PlaybackSink accepts 48 kHz PCM. Write must not block the caller for long;
// a full sink drops.
type PlaybackSink interface {
	Write(pcm []byte) error
	// Playing reports whether audio is currently going out.
	Playing() bool
	// Flush discards queued audio and stops playback immediately.
	Flush()
	Close() error
}

// Decoder turns one encoded packet into 48 kHz PCM.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
	Close() error
}

// DecoderFactory builds a fresh decoder for the given channel count.
type DecoderFactory func(channels int) (Decoder, error)

// OpusDecoderFactory is the default DecoderFactory.
func OpusDecoderFactory(channels int) (Decoder, error) {
	d, err := audio.NewOpusDecoder(channels)
	if err != nil {
		return nil, err
	}
	return d, nil
}
