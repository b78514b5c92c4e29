//go:build opus
// +build opus

package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// OpusDecoder turns Discord opus packets into 48 kHz PCM bytes.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

// NewOpusDecoder builds a 48 kHz decoder for the given channel count.
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	if channels < 1 {
		channels = 1
	}
	dec, err := opus.NewDecoder(DiscordRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels, pcm: make([]int16, FrameSamples*channels)}, nil
}

// Decode decodes one packet. The returned slice is freshly allocated.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, err
	}
	return Int16ToBytes(d.pcm[:n*d.channels]), nil
}

// Close releases the decoder. libopus state is garbage collected, so this
// only drops the reference.
func (d *OpusDecoder) Close() error {
	d.dec = nil
	return nil
}

// OpusEncoder encodes 20 ms PCM frames for Discord playback.
type OpusEncoder struct {
	enc      *opus.Encoder
	channels int
	buf      []byte
}

// NewOpusEncoder builds a 48 kHz VoIP encoder for the given channel count.
func NewOpusEncoder(channels int) (*OpusEncoder, error) {
	if channels < 1 {
		channels = 1
	}
	enc, err := opus.NewEncoder(DiscordRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, channels: channels, buf: make([]byte, MaxPacketBytes)}, nil
}

// Encode encodes exactly one frame of FrameBytes(channels) PCM bytes.
func (e *OpusEncoder) Encode(frame []byte) ([]byte, error) {
	if len(frame) != FrameBytes(e.channels) {
		return nil, fmt.Errorf("opus encode: frame is %d bytes, want %d", len(frame), FrameBytes(e.channels))
	}
	n, err := e.enc.Encode(BytesToInt16(frame), e.buf)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), e.buf[:n]...), nil
}
